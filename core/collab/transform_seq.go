package collab

import "unicode/utf8"

// Text offsets and lengths count runes.

func textLen(s string) int {
	return utf8.RuneCountInString(s)
}

// insertsFirst orders two inserts at positions pa and pb. Equal positions are
// ordered by user id, then operation id, so the result never depends on
// argument order.
func insertsFirst(a Operation, pa int, b Operation, pb int) bool {
	if pa != pb {
		return pa < pb
	}
	if a.UserID != b.UserID {
		return a.UserID < b.UserID
	}
	return a.ID < b.ID
}

func withText(op Operation, p TextPayload) Operation {
	out := op.Clone()
	out.Payload = p
	return out
}

func withArray(op Operation, p ArrayPayload) Operation {
	out := op.Clone()
	out.Payload = p
	return out
}

func transformTextInsertInsert(a, b Operation) TransformResult {
	if !a.Path.Equal(b.Path) {
		return passthrough(a, b)
	}
	pa, pb := a.TextPayload(), b.TextPayload()
	if insertsFirst(a, pa.Position, b, pb.Position) {
		pb.Position += textLen(pa.Text)
		return TransformResult{A: a, B: withText(b, pb)}
	}
	pa.Position += textLen(pb.Text)
	return TransformResult{A: withText(a, pa), B: b}
}

func transformTextDeleteDelete(a, b Operation) TransformResult {
	if !a.Path.Equal(b.Path) {
		return passthrough(a, b)
	}
	pa, pb := a.TextPayload(), b.TextPayload()
	aEnd, bEnd := pa.Position+pa.Length, pb.Position+pb.Length

	if aEnd <= pb.Position {
		pb.Position -= pa.Length
		return TransformResult{A: a, B: withText(b, pb)}
	}
	if bEnd <= pa.Position {
		pa.Position -= pb.Length
		return TransformResult{A: withText(a, pa), B: b}
	}

	// Overlapping ranges: the intersection is removed by whichever applies
	// first, so both sides drop it and start at the earlier start.
	start := min(pa.Position, pb.Position)
	overlapStart := max(pa.Position, pb.Position)
	overlap := max(0, min(aEnd, bEnd)-overlapStart)

	na := TextPayload{
		Position: start,
		Length:   pa.Length - overlap,
		Text:     cutRunes(pa.Text, overlapStart-pa.Position, overlap),
	}
	nb := TextPayload{
		Position: start,
		Length:   pb.Length - overlap,
		Text:     cutRunes(pb.Text, overlapStart-pb.Position, overlap),
	}
	return TransformResult{A: withText(a, na), B: withText(b, nb)}
}

// transformTextInsertDelete handles an insert racing a delete on the same
// text. An insert strictly inside the deleted range is swallowed by the
// delete.
func transformTextInsertDelete(ins, del Operation) TransformResult {
	if !ins.Path.Equal(del.Path) {
		return passthrough(ins, del)
	}
	pi, pd := ins.TextPayload(), del.TextPayload()
	insLen := textLen(pi.Text)

	switch {
	case pi.Position <= pd.Position:
		pd.Position += insLen
		return TransformResult{A: ins, B: withText(del, pd)}
	case pi.Position >= pd.Position+pd.Length:
		pi.Position -= pd.Length
		return TransformResult{A: withText(ins, pi), B: del}
	default:
		offset := pi.Position - pd.Position
		nd := TextPayload{
			Position: pd.Position,
			Length:   pd.Length + insLen,
			Text:     spliceRunes(pd.Text, offset, pi.Text),
		}
		swallowed := withText(ins, TextPayload{Position: pd.Position})
		swallowed.Noop = true
		return TransformResult{A: swallowed, B: withText(del, nd)}
	}
}

func transformArrayInsertInsert(a, b Operation) TransformResult {
	if !a.Path.Equal(b.Path) {
		return passthrough(a, b)
	}
	pa, pb := a.ArrayPayload(), b.ArrayPayload()
	if insertsFirst(a, pa.Index, b, pb.Index) {
		pb.Index++
		return TransformResult{A: a, B: withArray(b, pb)}
	}
	pa.Index++
	return TransformResult{A: withArray(a, pa), B: b}
}

func transformArrayDeleteDelete(a, b Operation) TransformResult {
	if !a.Path.Equal(b.Path) {
		return passthrough(a, b)
	}
	pa, pb := a.ArrayPayload(), b.ArrayPayload()
	switch {
	case pa.Index == pb.Index:
		return byOrder(a, b, func(first, second Operation) (Operation, Operation, bool) {
			return first, asNoop(second, KindArrayInsert), false
		})
	case pa.Index < pb.Index:
		pb.Index--
		return TransformResult{A: a, B: withArray(b, pb)}
	default:
		pa.Index--
		return TransformResult{A: withArray(a, pa), B: b}
	}
}

func transformArrayInsertDelete(ins, del Operation) TransformResult {
	if !ins.Path.Equal(del.Path) {
		return passthrough(ins, del)
	}
	pi, pd := ins.ArrayPayload(), del.ArrayPayload()
	if pi.Index <= pd.Index {
		pd.Index++
		return TransformResult{A: ins, B: withArray(del, pd)}
	}
	pi.Index--
	return TransformResult{A: withArray(ins, pi), B: del}
}

// cutRunes removes n runes at offset from s. Unknown text (empty) stays
// empty.
func cutRunes(s string, offset, n int) string {
	if s == "" {
		return ""
	}
	r := []rune(s)
	offset = clamp(offset, 0, len(r))
	end := clamp(offset+n, offset, len(r))
	return string(r[:offset]) + string(r[end:])
}

func spliceRunes(s string, offset int, insert string) string {
	if s == "" {
		return ""
	}
	r := []rune(s)
	offset = clamp(offset, 0, len(r))
	return string(r[:offset]) + insert + string(r[offset:])
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
