package collab

// TransformResult holds both sides of the OT diamond: A is the first input
// rewritten to apply after B, and B is the second input rewritten to apply
// after A.
type TransformResult struct {
	A        Operation
	B        Operation
	Conflict bool
}

type kindPair struct {
	a, b Kind
}

type transformFunc func(a, b Operation) TransformResult

// transformRules is keyed by ordered kind pairs. Pairs registered in only one
// direction are looked up swapped by Transform.
var transformRules = map[kindPair]transformFunc{
	{KindNodeAdd, KindNodeAdd}:               transformNodeAddAdd,
	{KindNodeUpdate, KindNodeUpdate}:         transformNodeUpdateUpdate,
	{KindNodeDelete, KindNodeDelete}:         transformNodeDeleteDelete,
	{KindNodeMove, KindNodeMove}:             transformNodeMoveMove,
	{KindEdgeUpdate, KindEdgeUpdate}:         transformLastWriterWins,
	{KindEdgeDelete, KindEdgeDelete}:         transformEdgeDeleteDelete,
	{KindEdgeDelete, KindEdgeUpdate}:         transformEdgeDeleteUpdate,
	{KindPropertySet, KindPropertySet}:       transformLastWriterWins,
	{KindPropertySet, KindPropertyDelete}:    transformLastWriterWins,
	{KindPropertyDelete, KindPropertyDelete}: transformPropertyDeleteDelete,
	{KindWorkflowUpdate, KindWorkflowUpdate}: transformLastWriterWins,
	{KindTextInsert, KindTextInsert}:         transformTextInsertInsert,
	{KindTextDelete, KindTextDelete}:         transformTextDeleteDelete,
	{KindTextInsert, KindTextDelete}:         transformTextInsertDelete,
	{KindArrayInsert, KindArrayInsert}:       transformArrayInsertInsert,
	{KindArrayDelete, KindArrayDelete}:       transformArrayDeleteDelete,
	{KindArrayInsert, KindArrayDelete}:       transformArrayInsertDelete,
}

// Transform rewrites two concurrent operations so that applying a then
// result.B reaches the same document as applying b then result.A. The result
// does not depend on argument order: Transform(b, a) is Transform(a, b) with
// A and B swapped. Unrecognized kind pairs pass through unchanged.
func Transform(a, b Operation) TransformResult {
	if a.IsNoop() || b.IsNoop() {
		return passthrough(a, b)
	}
	if r, ok := transformNodeDeletion(a, b); ok {
		return r
	}
	if fn, ok := transformRules[kindPair{a.Kind, b.Kind}]; ok {
		return fn(a, b)
	}
	if fn, ok := transformRules[kindPair{b.Kind, a.Kind}]; ok {
		return swap(fn(b, a))
	}
	return passthrough(a, b)
}

func passthrough(a, b Operation) TransformResult {
	return TransformResult{A: a, B: b}
}

func swap(r TransformResult) TransformResult {
	return TransformResult{A: r.B, B: r.A, Conflict: r.Conflict}
}

// byOrder calls fn with the inputs sorted by timestamp (then user id, then
// operation id) and maps the outputs back onto the argument positions.
func byOrder(a, b Operation, fn func(first, second Operation) (Operation, Operation, bool)) TransformResult {
	if a.before(b) {
		first, second, conflict := fn(a, b)
		return TransformResult{A: first, B: second, Conflict: conflict}
	}
	first, second, conflict := fn(b, a)
	return TransformResult{A: second, B: first, Conflict: conflict}
}
