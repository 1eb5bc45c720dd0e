package collab

import (
	"strings"
	"time"
)

type Kind string

const (
	KindNodeAdd        Kind = "node-add"
	KindNodeUpdate     Kind = "node-update"
	KindNodeDelete     Kind = "node-delete"
	KindNodeMove       Kind = "node-move"
	KindEdgeAdd        Kind = "edge-add"
	KindEdgeUpdate     Kind = "edge-update"
	KindEdgeDelete     Kind = "edge-delete"
	KindPropertySet    Kind = "property-set"
	KindPropertyDelete Kind = "property-delete"
	KindArrayInsert    Kind = "array-insert"
	KindArrayDelete    Kind = "array-delete"
	KindArrayMove      Kind = "array-move"
	KindTextInsert     Kind = "text-insert"
	KindTextDelete     Kind = "text-delete"
	KindWorkflowUpdate Kind = "workflow-update"
)

var knownKinds = map[Kind]bool{
	KindNodeAdd:        true,
	KindNodeUpdate:     true,
	KindNodeDelete:     true,
	KindNodeMove:       true,
	KindEdgeAdd:        true,
	KindEdgeUpdate:     true,
	KindEdgeDelete:     true,
	KindPropertySet:    true,
	KindPropertyDelete: true,
	KindArrayInsert:    true,
	KindArrayDelete:    true,
	KindArrayMove:      true,
	KindTextInsert:     true,
	KindTextDelete:     true,
	KindWorkflowUpdate: true,
}

func (k Kind) String() string {
	return string(k)
}

func (k Kind) Valid() bool {
	return knownKinds[k]
}

func (k Kind) IsDelete() bool {
	switch k {
	case KindNodeDelete, KindEdgeDelete, KindPropertyDelete, KindArrayDelete, KindTextDelete:
		return true
	default:
		return false
	}
}

func (k Kind) IsNodeLevel() bool {
	switch k {
	case KindNodeAdd, KindNodeUpdate, KindNodeDelete, KindNodeMove:
		return true
	default:
		return false
	}
}

func (k Kind) IsEdge() bool {
	return k == KindEdgeAdd || k == KindEdgeUpdate || k == KindEdgeDelete
}

// Path locates a target inside the workflow document. The first segment is
// the node id for node, property, text and array operations, the edge id for
// edge operations and a settings key for workflow updates.
type Path []string

func (p Path) Root() string {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix is a segment-wise prefix of p.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	return Path(p[:len(prefix)]).Equal(prefix)
}

func (p Path) Clone() Path {
	if p == nil {
		return nil
	}
	out := make(Path, len(p))
	copy(out, p)
	return out
}

func (p Path) String() string {
	return strings.Join(p, "/")
}

// Operation is a single edit to a workflow document. Operations are treated
// as values: transforms return modified copies and never touch their inputs.
type Operation struct {
	ID        string    `json:"id" yaml:"id"`
	Kind      Kind      `json:"kind" yaml:"kind"`
	Path      Path      `json:"path" yaml:"path"`
	UserID    string    `json:"user_id" yaml:"user_id"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Version   uint64    `json:"version" yaml:"version"`
	Noop      bool      `json:"noop,omitempty" yaml:"noop,omitempty"`
	Payload   Payload   `json:"-" yaml:"-"`
}

func (o Operation) Clone() Operation {
	out := o
	out.Path = o.Path.Clone()
	if o.Payload != nil {
		out.Payload = o.Payload.clone()
	}
	return out
}

// IsNoop reports whether applying the operation leaves the document unchanged.
func (o Operation) IsNoop() bool {
	return o.Noop
}

// Target returns the node or edge id the operation addresses.
func (o Operation) Target() string {
	return o.Path.Root()
}

// before orders operations by timestamp, then user id, then operation id.
func (o Operation) before(other Operation) bool {
	if !o.Timestamp.Equal(other.Timestamp) {
		return o.Timestamp.Before(other.Timestamp)
	}
	if o.UserID != other.UserID {
		return o.UserID < other.UserID
	}
	return o.ID < other.ID
}

// asNoop rewrites op into an empty operation of the given kind. The original
// id, path and author are kept so the caller can still correlate it.
func asNoop(op Operation, kind Kind) Operation {
	out := op.Clone()
	out.Kind = kind
	out.Noop = true
	out.Payload = emptyPayload(kind)
	return out
}
