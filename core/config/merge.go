package config

import (
	"reflect"
)

// Merge copies the non-zero fields of src into dst. Both must be pointers to
// the same type. Structs merge field by field, maps key by key, and a
// non-empty slice replaces the destination slice.
func Merge(dst, src any) {
	dstVal := reflect.ValueOf(dst)
	srcVal := reflect.ValueOf(src)

	if dstVal.Kind() != reflect.Ptr || srcVal.Kind() != reflect.Ptr {
		return
	}
	if dstVal.IsNil() || srcVal.IsNil() || dstVal.Type() != srcVal.Type() {
		return
	}

	mergeValues(dstVal.Elem(), srcVal.Elem())
}

func mergeValues(dst, src reflect.Value) {
	if !dst.CanSet() || !src.IsValid() {
		return
	}

	switch dst.Kind() {
	case reflect.Struct:
		for i := 0; i < dst.NumField(); i++ {
			mergeValues(dst.Field(i), src.Field(i))
		}
	case reflect.Map:
		mergeMap(dst, src)
	case reflect.Slice:
		if src.Len() > 0 {
			dst.Set(src)
		}
	default:
		if !src.IsZero() {
			dst.Set(src)
		}
	}
}

func mergeMap(dst, src reflect.Value) {
	if src.IsNil() {
		return
	}
	if dst.IsNil() {
		dst.Set(reflect.MakeMap(dst.Type()))
	}

	for _, key := range src.MapKeys() {
		srcVal := src.MapIndex(key)
		dstVal := dst.MapIndex(key)

		if !dstVal.IsValid() || (srcVal.Kind() != reflect.Map && srcVal.Kind() != reflect.Struct) {
			dst.SetMapIndex(key, srcVal)
			continue
		}

		merged := reflect.New(dstVal.Type()).Elem()
		merged.Set(dstVal)
		mergeValues(merged, srcVal)
		dst.SetMapIndex(key, merged)
	}
}
