package collab

import "fmt"

const (
	StrategyLastWriteWins  = "last-write-wins"
	StrategyFirstWriteWins = "first-write-wins"
	StrategySmartMerge     = "smart-merge"
	StrategyThreeWayMerge  = "three-way-merge"
	StrategyManual         = "manual"
)

// Strategy turns a detected conflict into a resolution. Implementations must
// be pure: no I/O, no blocking.
type Strategy interface {
	Name() string
	Resolve(conflict *Conflict, manualChoice string) (Resolution, error)
}

func ordered(c *Conflict) (first, second Operation) {
	a, b := c.Operations[0], c.Operations[1]
	if a.before(b) {
		return a, b
	}
	return b, a
}

func preview(c *Conflict, after ...Operation) Preview {
	before := []Operation{c.Operations[0], c.Operations[1]}
	affected := make([]string, len(c.AffectedPaths))
	copy(affected, c.AffectedPaths)
	return Preview{Before: before, After: after, Affected: affected}
}

type lastWriteWins struct{}

func (lastWriteWins) Name() string { return StrategyLastWriteWins }

func (lastWriteWins) Resolve(c *Conflict, _ string) (Resolution, error) {
	_, winner := ordered(c)
	return Resolution{
		Success:           true,
		ResolvedOperation: &winner,
		Explanation:       fmt.Sprintf("kept the most recent operation %s from %s", winner.ID, winner.UserID),
		Preview:           preview(c, winner),
	}, nil
}

type firstWriteWins struct{}

func (firstWriteWins) Name() string { return StrategyFirstWriteWins }

func (firstWriteWins) Resolve(c *Conflict, _ string) (Resolution, error) {
	winner, _ := ordered(c)
	return Resolution{
		Success:           true,
		ResolvedOperation: &winner,
		Explanation:       fmt.Sprintf("kept the earliest operation %s from %s", winner.ID, winner.UserID),
		Preview:           preview(c, winner),
	}, nil
}

// smartMerge rebases each operation onto the other with Transform. The first
// merged operation is Operations[0] rebased onto Operations[1], the second is
// the reverse.
type smartMerge struct{}

func (smartMerge) Name() string { return StrategySmartMerge }

func (smartMerge) Resolve(c *Conflict, _ string) (Resolution, error) {
	result := Transform(c.Operations[0], c.Operations[1])
	explanation := "merged both operations by transformation"
	if result.Conflict {
		explanation = "merged both operations; the transform kept one side of an overlapping edit"
	}
	return Resolution{
		Success:          true,
		MergedOperations: []Operation{result.A, result.B},
		Explanation:      explanation,
		Preview:          preview(c, result.A, result.B),
	}, nil
}

// threeWayMerge always defers: a merge base is not tracked by the engine.
type threeWayMerge struct{}

func (threeWayMerge) Name() string { return StrategyThreeWayMerge }

func (threeWayMerge) Resolve(c *Conflict, _ string) (Resolution, error) {
	return Resolution{
		RequiresManualReview: true,
		Explanation:          "three-way merge needs a common ancestor, which is not tracked; review manually",
		Preview:              preview(c),
	}, nil
}

// manual defers until the caller supplies the id of the operation to keep.
type manual struct{}

func (manual) Name() string { return StrategyManual }

func (manual) Resolve(c *Conflict, choice string) (Resolution, error) {
	if choice == "" {
		return Resolution{
			RequiresManualReview: true,
			Explanation:          "waiting for a manual choice between the conflicting operations",
			Preview:              preview(c),
		}, nil
	}
	for _, op := range c.Operations {
		if op.ID == choice {
			chosen := op
			return Resolution{
				Success:           true,
				ResolvedOperation: &chosen,
				Explanation:       fmt.Sprintf("manually selected operation %s from %s", chosen.ID, chosen.UserID),
				Preview:           preview(c, chosen),
			}, nil
		}
	}
	return Resolution{}, fmt.Errorf("choice %q: %w", choice, ErrUnknownChoice)
}
