package collab

// Reduce folds op through the submitter's pending operations in order,
// keeping the transformed left-hand side at each step. Every conflicting step
// yields a conflict-detected signal; reduction itself never fails.
func Reduce(op Operation, pending []Operation) (Operation, []Signal) {
	current := op
	var signals []Signal
	for _, p := range pending {
		result := Transform(current, p)
		if result.Conflict {
			signals = append(signals, conflictDetected(current, p, op.UserID))
		}
		current = result.A
	}
	return current, signals
}
