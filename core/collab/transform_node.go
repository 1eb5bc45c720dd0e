package collab

// transformNodeDeletion handles a node-delete racing any other operation that
// touches the deleted node. The other operation becomes a no-op node-add.
// Two deletes of the same node are left to transformNodeDeleteDelete.
func transformNodeDeletion(a, b Operation) (TransformResult, bool) {
	if a.Kind == KindNodeDelete && b.Kind == KindNodeDelete {
		return TransformResult{}, false
	}
	if a.Kind == KindNodeDelete && touchesNode(b, a.Target()) {
		return TransformResult{A: a, B: asNoop(b, KindNodeAdd), Conflict: true}, true
	}
	if b.Kind == KindNodeDelete && touchesNode(a, b.Target()) {
		return TransformResult{A: asNoop(a, KindNodeAdd), B: b, Conflict: true}, true
	}
	return TransformResult{}, false
}

// touchesNode reports whether op addresses nodeID directly or, for edges,
// through one of its endpoints.
func touchesNode(op Operation, nodeID string) bool {
	if nodeID == "" {
		return false
	}
	switch {
	case op.Kind == KindWorkflowUpdate:
		return false
	case op.Kind.IsEdge():
		edge := op.EdgePayload().Edge
		return edge != nil && (edge.Source == nodeID || edge.Target == nodeID)
	default:
		return op.Target() == nodeID
	}
}

func transformNodeAddAdd(a, b Operation) TransformResult {
	if a.Target() != b.Target() {
		return passthrough(a, b)
	}
	return byOrder(a, b, func(first, second Operation) (Operation, Operation, bool) {
		return first, renameNode(second, second.Target()+"_"+second.UserID), true
	})
}

func renameNode(op Operation, id string) Operation {
	out := op.Clone()
	if len(out.Path) == 0 {
		out.Path = Path{id}
	} else {
		out.Path[0] = id
	}
	previous := op.Target()
	p := out.NodePayload()
	if p.Node == nil {
		p.Node = &Node{}
	}
	p.Node.ID = id
	for _, e := range p.Edges {
		if e.Source == previous {
			e.Source = id
		}
		if e.Target == previous {
			e.Target = id
		}
	}
	out.Payload = p
	return out
}

func transformNodeUpdateUpdate(a, b Operation) TransformResult {
	if !a.Path.Equal(b.Path) {
		return passthrough(a, b)
	}
	return byOrder(a, b, func(first, second Operation) (Operation, Operation, bool) {
		return asNoop(first, first.Kind), second, true
	})
}

func transformNodeDeleteDelete(a, b Operation) TransformResult {
	if a.Target() != b.Target() {
		return passthrough(a, b)
	}
	return byOrder(a, b, func(first, second Operation) (Operation, Operation, bool) {
		return first, asNoop(second, KindNodeAdd), false
	})
}

func transformNodeMoveMove(a, b Operation) TransformResult {
	if a.Target() != b.Target() {
		return passthrough(a, b)
	}
	return byOrder(a, b, func(first, second Operation) (Operation, Operation, bool) {
		return asNoop(first, first.Kind), second, true
	})
}

// transformLastWriterWins keeps the later of two writes to the same path and
// empties the earlier one. The loser keeps its kind.
func transformLastWriterWins(a, b Operation) TransformResult {
	if !a.Path.Equal(b.Path) {
		return passthrough(a, b)
	}
	return byOrder(a, b, func(first, second Operation) (Operation, Operation, bool) {
		return asNoop(first, first.Kind), second, true
	})
}

func transformEdgeDeleteDelete(a, b Operation) TransformResult {
	if a.Target() != b.Target() {
		return passthrough(a, b)
	}
	return byOrder(a, b, func(first, second Operation) (Operation, Operation, bool) {
		return first, asNoop(second, KindEdgeAdd), false
	})
}

// transformEdgeDeleteUpdate drops an update to an edge that is concurrently
// deleted, whichever came first.
func transformEdgeDeleteUpdate(del, upd Operation) TransformResult {
	if del.Target() != upd.Target() {
		return passthrough(del, upd)
	}
	return TransformResult{A: del, B: asNoop(upd, upd.Kind), Conflict: true}
}

func transformPropertyDeleteDelete(a, b Operation) TransformResult {
	if !a.Path.Equal(b.Path) {
		return passthrough(a, b)
	}
	return byOrder(a, b, func(first, second Operation) (Operation, Operation, bool) {
		return first, asNoop(second, KindPropertySet), false
	})
}
