package collab

import (
	"fmt"
	"slices"
	"strings"
)

// Document is an in-memory workflow graph that operations can be applied to.
// The engine itself never needs one; sessions use it, when configured, to
// record the old values inverses depend on.
type Document struct {
	Nodes    map[string]*Node `json:"nodes"`
	Edges    map[string]*Edge `json:"edges"`
	Settings map[string]any   `json:"settings"`
}

func NewDocument() *Document {
	return &Document{
		Nodes:    make(map[string]*Node),
		Edges:    make(map[string]*Edge),
		Settings: make(map[string]any),
	}
}

func (d *Document) Clone() *Document {
	out := NewDocument()
	for id, n := range d.Nodes {
		out.Nodes[id] = n.Clone()
	}
	for id, e := range d.Edges {
		out.Edges[id] = e.Clone()
	}
	out.Settings = cloneMap(d.Settings)
	if out.Settings == nil {
		out.Settings = make(map[string]any)
	}
	return out
}

// Apply mutates the document. No-op operations and operations addressing
// missing nodes or edges leave it untouched.
func (d *Document) Apply(op Operation) error {
	if op.IsNoop() {
		return nil
	}
	id := op.Target()

	switch op.Kind {
	case KindNodeAdd:
		p := op.NodePayload()
		node := p.Node.Clone()
		if node == nil {
			node = &Node{}
		}
		node.ID = id
		d.Nodes[id] = node
		// Edges whose other endpoint is gone stay removed.
		for _, e := range p.Edges {
			if e == nil || d.Nodes[e.Source] == nil || d.Nodes[e.Target] == nil {
				continue
			}
			d.Edges[e.ID] = e.Clone()
		}

	case KindNodeDelete:
		delete(d.Nodes, id)
		for edgeID, e := range d.Edges {
			if e.Source == id || e.Target == id {
				delete(d.Edges, edgeID)
			}
		}

	case KindNodeMove:
		if node, ok := d.Nodes[id]; ok {
			node.Position = clonePoint(op.MovePayload().To)
		}

	case KindNodeUpdate, KindPropertySet:
		node, ok := d.Nodes[id]
		if !ok {
			return nil
		}
		if op.UpdatePayload().Unset {
			if len(op.Path) == 1 {
				node.Parameters = nil
			} else {
				node.Parameters = deleteIn(node.Parameters, op.Path[1:])
			}
			return nil
		}
		value := cloneValue(op.UpdatePayload().Data)
		if len(op.Path) == 1 {
			params, _ := value.(map[string]any)
			node.Parameters = params
			return nil
		}
		node.Parameters = setIn(node.Parameters, op.Path[1:], value)

	case KindPropertyDelete:
		if node, ok := d.Nodes[id]; ok && len(op.Path) > 1 {
			node.Parameters = deleteIn(node.Parameters, op.Path[1:])
		}

	case KindEdgeAdd:
		edge := op.EdgePayload().Edge.Clone()
		if edge == nil {
			edge = &Edge{}
		}
		edge.ID = id
		d.Edges[id] = edge

	case KindEdgeDelete:
		delete(d.Edges, id)

	case KindEdgeUpdate:
		edge, ok := d.Edges[id]
		if !ok {
			return nil
		}
		if op.UpdatePayload().Unset {
			if len(op.Path) == 1 {
				edge.Data = nil
			} else {
				edge.Data = deleteIn(edge.Data, op.Path[1:])
			}
			return nil
		}
		value := cloneValue(op.UpdatePayload().Data)
		if len(op.Path) == 1 {
			data, _ := value.(map[string]any)
			edge.Data = data
			return nil
		}
		edge.Data = setIn(edge.Data, op.Path[1:], value)

	case KindWorkflowUpdate:
		if len(op.Path) == 0 {
			return nil
		}
		if op.UpdatePayload().Unset {
			if d.Settings = deleteIn(d.Settings, op.Path); d.Settings == nil {
				d.Settings = make(map[string]any)
			}
			return nil
		}
		d.Settings = setIn(d.Settings, op.Path, cloneValue(op.UpdatePayload().Data))

	case KindTextInsert, KindTextDelete:
		d.applyText(op)

	case KindArrayInsert, KindArrayDelete, KindArrayMove:
		d.applyArray(op)

	default:
		return fmt.Errorf("apply %s: %w", op.Kind, ErrUnknownKind)
	}
	return nil
}

func (d *Document) applyText(op Operation) {
	node, ok := d.Nodes[op.Target()]
	if !ok || len(op.Path) < 2 {
		return
	}
	current, _ := getIn(node.Parameters, op.Path[1:]).(string)
	r := []rune(current)
	p := op.TextPayload()
	pos := clamp(p.Position, 0, len(r))

	var next string
	if op.Kind == KindTextInsert {
		next = string(r[:pos]) + p.Text + string(r[pos:])
	} else {
		end := clamp(pos+p.Length, pos, len(r))
		next = string(r[:pos]) + string(r[end:])
	}
	node.Parameters = setIn(node.Parameters, op.Path[1:], next)
}

func (d *Document) applyArray(op Operation) {
	node, ok := d.Nodes[op.Target()]
	if !ok || len(op.Path) < 2 {
		return
	}
	items, _ := getIn(node.Parameters, op.Path[1:]).([]any)
	items = slices.Clone(items)

	switch op.Kind {
	case KindArrayInsert:
		p := op.ArrayPayload()
		idx := clamp(p.Index, 0, len(items))
		items = slices.Insert(items, idx, cloneValue(p.Value))
	case KindArrayDelete:
		idx := op.ArrayPayload().Index
		if idx < 0 || idx >= len(items) {
			return
		}
		items = slices.Delete(items, idx, idx+1)
	case KindArrayMove:
		p := op.ArrayMovePayload()
		if p.From < 0 || p.From >= len(items) {
			return
		}
		item := items[p.From]
		items = slices.Delete(items, p.From, p.From+1)
		items = slices.Insert(items, clamp(p.To, 0, len(items)), item)
	}
	if items == nil {
		items = []any{}
	}
	node.Parameters = setIn(node.Parameters, op.Path[1:], items)
}

// Capture returns op with the old values its inverse needs filled in from the
// current document state. Values the caller already supplied are kept. An
// old value that was absent is recorded as such (OldUnset, FromUnset) so the
// inverse can clear it again.
func (d *Document) Capture(op Operation) Operation {
	if op.IsNoop() {
		return op
	}
	out := op.Clone()
	id := op.Target()
	node := d.Nodes[id]

	switch op.Kind {
	case KindNodeDelete:
		if node == nil {
			break
		}
		p := op.NodePayload()
		if p.Node == nil {
			p.Node = node.Clone()
		}
		if p.Edges == nil {
			p.Edges = d.incidentEdges(id)
		}
		out.Payload = p
	case KindNodeMove:
		p := op.MovePayload()
		if p.From == nil && !p.FromUnset && node != nil {
			if node.Position != nil {
				p.From = clonePoint(node.Position)
			} else {
				p.FromUnset = true
			}
			out.Payload = p
		}
	case KindNodeUpdate, KindPropertySet, KindPropertyDelete:
		p := op.UpdatePayload()
		if !p.oldKnown() && node != nil {
			if len(op.Path) == 1 {
				if node.Parameters != nil {
					p.OldData = cloneMap(node.Parameters)
				}
			} else {
				p.OldData = cloneValue(getIn(node.Parameters, op.Path[1:]))
			}
			p.OldUnset = p.OldData == nil
			out.Payload = p
		}
	case KindEdgeDelete:
		if op.EdgePayload().Edge == nil {
			if edge, ok := d.Edges[id]; ok {
				out.Payload = EdgePayload{Edge: edge.Clone()}
			}
		}
	case KindEdgeUpdate:
		p := op.UpdatePayload()
		if edge, ok := d.Edges[id]; ok && !p.oldKnown() {
			if len(op.Path) == 1 {
				if edge.Data != nil {
					p.OldData = cloneMap(edge.Data)
				}
			} else {
				p.OldData = cloneValue(getIn(edge.Data, op.Path[1:]))
			}
			p.OldUnset = p.OldData == nil
			out.Payload = p
		}
	case KindWorkflowUpdate:
		p := op.UpdatePayload()
		if !p.oldKnown() && len(op.Path) > 0 {
			p.OldData = cloneValue(getIn(d.Settings, op.Path))
			p.OldUnset = p.OldData == nil
			out.Payload = p
		}
	case KindTextDelete:
		p := op.TextPayload()
		if p.Text == "" && p.Length > 0 && node != nil && len(op.Path) > 1 {
			current, _ := getIn(node.Parameters, op.Path[1:]).(string)
			r := []rune(current)
			start := clamp(p.Position, 0, len(r))
			end := clamp(start+p.Length, start, len(r))
			p.Text = string(r[start:end])
			out.Payload = p
		}
	case KindArrayDelete:
		p := op.ArrayPayload()
		if p.Value == nil && node != nil && len(op.Path) > 1 {
			items, _ := getIn(node.Parameters, op.Path[1:]).([]any)
			if p.Index >= 0 && p.Index < len(items) {
				p.Value = cloneValue(items[p.Index])
				out.Payload = p
			}
		}
	}
	return out
}

// incidentEdges returns the edges touching nodeID, ordered by id, or nil.
func (d *Document) incidentEdges(nodeID string) []*Edge {
	var edges []*Edge
	for _, e := range d.Edges {
		if e.Source == nodeID || e.Target == nodeID {
			edges = append(edges, e.Clone())
		}
	}
	slices.SortFunc(edges, func(a, b *Edge) int { return strings.Compare(a.ID, b.ID) })
	return edges
}

func getIn(m map[string]any, path []string) any {
	var current any = m
	for _, key := range path {
		next, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = next[key]
	}
	return current
}

// setIn stores value at path, creating intermediate maps, and returns the
// (possibly newly allocated) root.
func setIn(m map[string]any, path []string, value any) map[string]any {
	if m == nil {
		m = make(map[string]any)
	}
	if len(path) == 0 {
		return m
	}
	if len(path) == 1 {
		m[path[0]] = value
		return m
	}
	child, _ := m[path[0]].(map[string]any)
	m[path[0]] = setIn(child, path[1:], value)
	return m
}

// deleteIn removes the value at path and returns the root, or nil once the
// root is left empty.
func deleteIn(m map[string]any, path []string) map[string]any {
	if m == nil || len(path) == 0 {
		return m
	}
	if len(path) == 1 {
		delete(m, path[0])
	} else if child, ok := m[path[0]].(map[string]any); ok {
		deleteIn(child, path[1:])
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
