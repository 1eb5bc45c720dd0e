package collab

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Invert builds the operation that undoes op. The inverse gets a fresh id and
// a zero timestamp and version, so they are filled when it is applied.
//
// When op lacks the old value its inverse needs, Invert still returns a usable
// operation (an explicit nil value, or a no-op where nil would destroy data)
// together with an error wrapping ErrInverseConstructionGap. Callers log the
// gap and keep going.
func Invert(op Operation) (Operation, error) {
	inv := op.Clone()
	inv.ID = uuid.NewString()
	inv.Timestamp = time.Time{}
	inv.Version = 0
	inv.Noop = false

	if op.IsNoop() {
		inv.Noop = true
		return inv, nil
	}

	switch op.Kind {
	case KindNodeAdd:
		inv.Kind = KindNodeDelete
		return inv, nil

	case KindNodeDelete:
		inv.Kind = KindNodeAdd
		if op.NodePayload().Node == nil {
			return gap(inv, op, "node")
		}
		return inv, nil

	case KindEdgeAdd:
		inv.Kind = KindEdgeDelete
		return inv, nil

	case KindEdgeDelete:
		inv.Kind = KindEdgeAdd
		if op.EdgePayload().Edge == nil {
			return gap(inv, op, "edge")
		}
		return inv, nil

	case KindNodeUpdate, KindEdgeUpdate, KindWorkflowUpdate:
		p := op.UpdatePayload()
		inv.Payload = swapUpdate(p)
		if !p.oldKnown() {
			return gap(inv, op, "old_data")
		}
		return inv, nil

	case KindPropertySet:
		// A missing old value falls back to setting nil.
		p := op.UpdatePayload()
		inv.Payload = swapUpdate(p)
		if !p.oldKnown() {
			return inv, fmt.Errorf("%s %s: %w", op.Kind, op.ID, ErrInverseConstructionGap)
		}
		return inv, nil

	case KindPropertyDelete:
		p := op.UpdatePayload()
		inv.Kind = KindPropertySet
		inv.Payload = UpdatePayload{Data: cloneValue(p.OldData), Unset: p.OldUnset, OldUnset: true}
		if !p.oldKnown() {
			return inv, fmt.Errorf("%s %s: %w", op.Kind, op.ID, ErrInverseConstructionGap)
		}
		return inv, nil

	case KindNodeMove:
		p := op.MovePayload()
		inv.Payload = MovePayload{From: clonePoint(p.To), To: clonePoint(p.From), FromUnset: p.To == nil}
		if p.From == nil && !p.FromUnset {
			return gap(inv, op, "from")
		}
		return inv, nil

	case KindTextInsert:
		p := op.TextPayload()
		inv.Kind = KindTextDelete
		inv.Payload = TextPayload{Position: p.Position, Length: textLen(p.Text), Text: p.Text}
		return inv, nil

	case KindTextDelete:
		p := op.TextPayload()
		inv.Kind = KindTextInsert
		inv.Payload = TextPayload{Position: p.Position, Text: p.Text}
		if p.Length > 0 && textLen(p.Text) != p.Length {
			return gap(inv, op, "text")
		}
		return inv, nil

	case KindArrayInsert:
		inv.Kind = KindArrayDelete
		return inv, nil

	case KindArrayDelete:
		inv.Kind = KindArrayInsert
		if op.ArrayPayload().Value == nil {
			return inv, fmt.Errorf("%s %s: %w", op.Kind, op.ID, ErrInverseConstructionGap)
		}
		return inv, nil

	case KindArrayMove:
		p := op.ArrayMovePayload()
		inv.Payload = ArrayMovePayload{From: p.To, To: p.From}
		return inv, nil

	default:
		inv.Noop = true
		return inv, nil
	}
}

func swapUpdate(p UpdatePayload) UpdatePayload {
	return UpdatePayload{
		Data:     cloneValue(p.OldData),
		OldData:  cloneValue(p.Data),
		Unset:    p.OldUnset,
		OldUnset: p.Unset,
	}
}

// gap marks inv as a no-op because applying it without the missing value
// would lose data.
func gap(inv, op Operation, field string) (Operation, error) {
	inv.Noop = true
	inv.Payload = emptyPayload(inv.Kind)
	return inv, fmt.Errorf("%s %s: missing %s: %w", op.Kind, op.ID, field, ErrInverseConstructionGap)
}
