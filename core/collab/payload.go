package collab

import (
	"encoding/json"
	"fmt"
)

// Payload carries the kind-specific fields of an operation. Each variant only
// holds the fields its kinds use.
type Payload interface {
	clone() Payload
}

type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

type Node struct {
	ID         string         `json:"id" yaml:"id"`
	Type       string         `json:"type,omitempty" yaml:"type,omitempty"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	Position   *Point         `json:"position,omitempty" yaml:"position,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	if n.Position != nil {
		p := *n.Position
		out.Position = &p
	}
	out.Parameters = cloneMap(n.Parameters)
	return &out
}

type Edge struct {
	ID     string         `json:"id" yaml:"id"`
	Source string         `json:"source" yaml:"source"`
	Target string         `json:"target" yaml:"target"`
	Data   map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	out := *e
	out.Data = cloneMap(e.Data)
	return &out
}

// NodePayload is used by node-add and node-delete. A delete may carry the
// removed node and the edges that were removed with it, so that undo can
// re-create both. On an add, Edges are re-created once the node exists.
type NodePayload struct {
	Node  *Node   `json:"node,omitempty"`
	Edges []*Edge `json:"edges,omitempty"`
}

func (p NodePayload) clone() Payload {
	out := NodePayload{Node: p.Node.Clone()}
	if p.Edges != nil {
		out.Edges = make([]*Edge, len(p.Edges))
		for i, e := range p.Edges {
			out.Edges[i] = e.Clone()
		}
	}
	return out
}

// UpdatePayload is used by node-update, edge-update, workflow-update,
// property-set and property-delete.
//
// Unset removes the value at the path instead of storing Data. OldUnset
// records that the path held no value before the operation, which tells a
// captured absence apart from an old value that was never recorded.
type UpdatePayload struct {
	Data     any  `json:"data,omitempty"`
	OldData  any  `json:"old_data,omitempty"`
	Unset    bool `json:"unset,omitempty"`
	OldUnset bool `json:"old_unset,omitempty"`
}

func (p UpdatePayload) clone() Payload {
	return UpdatePayload{
		Data:     cloneValue(p.Data),
		OldData:  cloneValue(p.OldData),
		Unset:    p.Unset,
		OldUnset: p.OldUnset,
	}
}

// oldKnown reports whether the value before the operation was recorded.
func (p UpdatePayload) oldKnown() bool {
	return p.OldData != nil || p.OldUnset
}

type MovePayload struct {
	From *Point `json:"from,omitempty"`
	To   *Point `json:"to,omitempty"`
	// FromUnset records that the node had no position before the move.
	FromUnset bool `json:"from_unset,omitempty"`
}

func (p MovePayload) clone() Payload {
	return MovePayload{From: clonePoint(p.From), To: clonePoint(p.To), FromUnset: p.FromUnset}
}

type EdgePayload struct {
	Edge *Edge `json:"edge,omitempty"`
}

func (p EdgePayload) clone() Payload { return EdgePayload{Edge: p.Edge.Clone()} }

// TextPayload is used by text-insert (Text) and text-delete (Length, with the
// removed Text when known).
type TextPayload struct {
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty"`
}

func (p TextPayload) clone() Payload { return p }

// ArrayPayload is used by array-insert and array-delete.
type ArrayPayload struct {
	Index int `json:"index"`
	Value any `json:"value,omitempty"`
}

func (p ArrayPayload) clone() Payload {
	return ArrayPayload{Index: p.Index, Value: cloneValue(p.Value)}
}

type ArrayMovePayload struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (p ArrayMovePayload) clone() Payload { return p }

func emptyPayload(kind Kind) Payload {
	switch kind {
	case KindNodeAdd, KindNodeDelete:
		return NodePayload{}
	case KindNodeUpdate, KindEdgeUpdate, KindWorkflowUpdate, KindPropertySet, KindPropertyDelete:
		return UpdatePayload{}
	case KindNodeMove:
		return MovePayload{}
	case KindEdgeAdd, KindEdgeDelete:
		return EdgePayload{}
	case KindTextInsert, KindTextDelete:
		return TextPayload{}
	case KindArrayInsert, KindArrayDelete:
		return ArrayPayload{}
	case KindArrayMove:
		return ArrayMovePayload{}
	default:
		return nil
	}
}

// Typed accessors. A missing or mismatched payload reads as the zero value.

func (o Operation) NodePayload() NodePayload {
	p, _ := o.Payload.(NodePayload)
	return p
}

func (o Operation) UpdatePayload() UpdatePayload {
	p, _ := o.Payload.(UpdatePayload)
	return p
}

func (o Operation) MovePayload() MovePayload {
	p, _ := o.Payload.(MovePayload)
	return p
}

func (o Operation) EdgePayload() EdgePayload {
	p, _ := o.Payload.(EdgePayload)
	return p
}

func (o Operation) TextPayload() TextPayload {
	p, _ := o.Payload.(TextPayload)
	return p
}

func (o Operation) ArrayPayload() ArrayPayload {
	p, _ := o.Payload.(ArrayPayload)
	return p
}

func (o Operation) ArrayMovePayload() ArrayMovePayload {
	p, _ := o.Payload.(ArrayMovePayload)
	return p
}

type operationWire struct {
	operationAlias
	Payload json.RawMessage `json:"payload,omitempty"`
}

type operationAlias Operation

func (o Operation) MarshalJSON() ([]byte, error) {
	wire := operationWire{operationAlias: operationAlias(o)}
	if o.Payload != nil {
		raw, err := json.Marshal(o.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		wire.Payload = raw
	}
	return json.Marshal(wire)
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var wire operationWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*o = Operation(wire.operationAlias)
	o.Payload = nil
	if len(wire.Payload) == 0 || string(wire.Payload) == "null" {
		return nil
	}
	payload, err := decodePayload(o.Kind, wire.Payload)
	if err != nil {
		return fmt.Errorf("payload for %s: %w", o.Kind, err)
	}
	o.Payload = payload
	return nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case KindNodeAdd, KindNodeDelete:
		var p NodePayload
		return p, json.Unmarshal(raw, &p)
	case KindNodeUpdate, KindEdgeUpdate, KindWorkflowUpdate, KindPropertySet, KindPropertyDelete:
		var p UpdatePayload
		return p, json.Unmarshal(raw, &p)
	case KindNodeMove:
		var p MovePayload
		return p, json.Unmarshal(raw, &p)
	case KindEdgeAdd, KindEdgeDelete:
		var p EdgePayload
		return p, json.Unmarshal(raw, &p)
	case KindTextInsert, KindTextDelete:
		var p TextPayload
		return p, json.Unmarshal(raw, &p)
	case KindArrayInsert, KindArrayDelete:
		var p ArrayPayload
		return p, json.Unmarshal(raw, &p)
	case KindArrayMove:
		var p ArrayMovePayload
		return p, json.Unmarshal(raw, &p)
	default:
		return nil, ErrUnknownKind
	}
}

func clonePoint(p *Point) *Point {
	if p == nil {
		return nil
	}
	out := *p
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
