package collab

import (
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

const DefaultConflictWindow = 30 * time.Second

type ConflictKind string

const (
	ConflictConcurrentEdit ConflictKind = "concurrent-edit"
	ConflictDeletion       ConflictKind = "deletion-conflict"
	ConflictDependency     ConflictKind = "dependency-conflict"
)

func (k ConflictKind) String() string {
	return string(k)
}

// Conflict is a semantic collision between two users' operations. It is
// consumed once by a Resolver.
type Conflict struct {
	ID            string       `json:"id"`
	Operations    [2]Operation `json:"operations"`
	Kind          ConflictKind `json:"kind"`
	AffectedPaths []string     `json:"affected_paths"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Detector finds conflicts between an incoming operation and recent
// operations from other users.
type Detector struct {
	window time.Duration
}

func NewDetector(window time.Duration) *Detector {
	if window <= 0 {
		window = DefaultConflictWindow
	}
	return &Detector{window: window}
}

// Detect is NewDetector(DefaultConflictWindow).Detect.
func Detect(newOp Operation, recent []Operation) []Conflict {
	return NewDetector(DefaultConflictWindow).Detect(newOp, recent)
}

func (d *Detector) Window() time.Duration {
	return d.window
}

// Detect returns one conflict per operation in recent that comes from another
// user within the window and shares a node or edge with newOp.
func (d *Detector) Detect(newOp Operation, recent []Operation) []Conflict {
	if newOp.IsNoop() {
		return nil
	}
	mine := resources(newOp)

	var conflicts []Conflict
	for _, other := range recent {
		if !d.candidate(newOp, other) {
			continue
		}
		overlap := mine.Intersect(resources(other))
		if overlap.Cardinality() == 0 {
			continue
		}
		affected := overlap.ToSlice()
		sort.Strings(affected)
		conflicts = append(conflicts, Conflict{
			ID:            uuid.NewString(),
			Operations:    [2]Operation{newOp, other},
			Kind:          classify(newOp, other),
			AffectedPaths: affected,
			Timestamp:     time.Now(),
		})
	}
	return conflicts
}

func (d *Detector) candidate(newOp, other Operation) bool {
	if other.UserID == newOp.UserID || other.IsNoop() {
		return false
	}
	delta := newOp.Timestamp.Sub(other.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	return delta <= d.window
}

// resources lists the node and edge ids an operation touches. Workflow
// settings keys are namespaced so they never collide with node ids.
func resources(op Operation) mapset.Set[string] {
	set := mapset.NewThreadUnsafeSet[string]()
	switch {
	case op.Kind == KindWorkflowUpdate:
		if root := op.Path.Root(); root != "" {
			set.Add("settings/" + root)
		}
	case op.Kind.IsEdge():
		if root := op.Path.Root(); root != "" {
			set.Add(root)
		}
		if edge := op.EdgePayload().Edge; edge != nil {
			if edge.Source != "" {
				set.Add(edge.Source)
			}
			if edge.Target != "" {
				set.Add(edge.Target)
			}
		}
	default:
		if root := op.Path.Root(); root != "" {
			set.Add(root)
		}
	}
	return set
}

func classify(a, b Operation) ConflictKind {
	if dependsOnDeleted(a, b) || dependsOnDeleted(b, a) {
		return ConflictDependency
	}
	if a.Kind.IsDelete() || b.Kind.IsDelete() {
		return ConflictDeletion
	}
	return ConflictConcurrentEdit
}

// dependsOnDeleted reports whether del removes a node that edge references as
// an endpoint.
func dependsOnDeleted(del, edge Operation) bool {
	return del.Kind == KindNodeDelete && edge.Kind.IsEdge() && touchesNode(edge, del.Target())
}
