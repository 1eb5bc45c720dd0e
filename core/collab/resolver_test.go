package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConflict() *Conflict {
	return &Conflict{
		ID: "c1",
		Operations: [2]Operation{
			propertySet("op-late", "bob", at(20), "timeout", 30),
			propertySet("op-early", "alice", at(10), "timeout", 20),
		},
		Kind:          ConflictConcurrentEdit,
		AffectedPaths: []string{"n1"},
	}
}

func TestResolver_Strategies(t *testing.T) {
	r := NewResolver()
	assert.Equal(t, []string{
		StrategyFirstWriteWins,
		StrategyLastWriteWins,
		StrategyManual,
		StrategySmartMerge,
		StrategyThreeWayMerge,
	}, r.Strategies())
}

func TestResolver_WriteWins(t *testing.T) {
	r := NewResolver()

	tests := []struct {
		strategy string
		winner   string
	}{
		{StrategyLastWriteWins, "op-late"},
		{StrategyFirstWriteWins, "op-early"},
	}

	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			res, err := r.Resolve(testConflict(), tt.strategy, "")
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.False(t, res.RequiresManualReview)
			require.NotNil(t, res.ResolvedOperation)
			assert.Equal(t, tt.winner, res.ResolvedOperation.ID)
			assert.Equal(t, tt.strategy, res.Strategy)
			assert.Len(t, res.Preview.Before, 2)
			assert.Equal(t, []string{"n1"}, res.Preview.Affected)
		})
	}
}

func TestResolver_SmartMerge(t *testing.T) {
	r := NewResolver()
	c := &Conflict{
		ID: "c2",
		Operations: [2]Operation{
			textInsert("op-a", "alice", at(1), 0, "ab"),
			textInsert("op-b", "bob", at(2), 0, "X"),
		},
		Kind: ConflictConcurrentEdit,
	}

	res, err := r.Resolve(c, StrategySmartMerge, "")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.RequiresManualReview)
	assert.Nil(t, res.ResolvedOperation)
	require.Len(t, res.MergedOperations, 2)
	assert.Equal(t, 0, res.MergedOperations[0].TextPayload().Position)
	assert.Equal(t, 2, res.MergedOperations[1].TextPayload().Position)
}

func TestResolver_SmartMergeOfTransformConflict(t *testing.T) {
	res, err := NewResolver().Resolve(testConflict(), StrategySmartMerge, "")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.RequiresManualReview)
	require.Len(t, res.MergedOperations, 2)
	assert.False(t, res.MergedOperations[0].IsNoop())
	assert.True(t, res.MergedOperations[1].IsNoop())
}

func TestResolver_ThreeWayMergeDefers(t *testing.T) {
	res, err := NewResolver().Resolve(testConflict(), StrategyThreeWayMerge, "")
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, res.RequiresManualReview)
	assert.NotEmpty(t, res.Explanation)
}

func TestResolver_Manual(t *testing.T) {
	r := NewResolver()

	t.Run("no choice", func(t *testing.T) {
		res, err := r.Resolve(testConflict(), StrategyManual, "")
		require.NoError(t, err)
		assert.True(t, res.RequiresManualReview)
		assert.Nil(t, res.ResolvedOperation)
	})

	t.Run("valid choice", func(t *testing.T) {
		res, err := r.Resolve(testConflict(), StrategyManual, "op-early")
		require.NoError(t, err)
		assert.True(t, res.Success)
		require.NotNil(t, res.ResolvedOperation)
		assert.Equal(t, "op-early", res.ResolvedOperation.ID)
	})

	t.Run("unknown choice", func(t *testing.T) {
		_, err := r.Resolve(testConflict(), StrategyManual, "op-missing")
		assert.ErrorIs(t, err, ErrUnknownChoice)
	})
}

func TestResolver_Errors(t *testing.T) {
	r := NewResolver()

	_, err := r.Resolve(testConflict(), "coin-flip", "")
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = r.Resolve(nil, StrategyLastWriteWins, "")
	assert.ErrorIs(t, err, ErrNilConflict)

	_, err = r.ResolveAuto(nil)
	assert.ErrorIs(t, err, ErrNilConflict)
}

type keepFirst struct{}

func (keepFirst) Name() string { return "keep-first" }

func (keepFirst) Resolve(c *Conflict, _ string) (Resolution, error) {
	op := c.Operations[0]
	return Resolution{Success: true, ResolvedOperation: &op, Explanation: "kept the incoming operation"}, nil
}

func TestResolver_Register(t *testing.T) {
	r := NewResolver()
	r.Register(keepFirst{})

	res, err := r.Resolve(testConflict(), "keep-first", "")
	require.NoError(t, err)
	assert.Equal(t, "op-late", res.ResolvedOperation.ID)
	assert.Equal(t, "keep-first", res.Strategy)
	assert.Contains(t, r.Strategies(), "keep-first")
}

func TestResolver_ResolveAutoUsesPolicies(t *testing.T) {
	credentials, err := NewPathPolicy("*/credentials/**", StrategyManual)
	require.NoError(t, err)
	timeouts, err := NewPathPolicy("*/timeout", StrategyFirstWriteWins)
	require.NoError(t, err)

	r := NewResolver(WithPolicies(credentials, timeouts), WithDefaultStrategy(StrategyLastWriteWins))

	res, err := r.ResolveAuto(testConflict())
	require.NoError(t, err)
	assert.Equal(t, StrategyFirstWriteWins, res.Strategy)
	assert.Equal(t, "op-early", res.ResolvedOperation.ID)

	secret := &Conflict{
		ID: "c3",
		Operations: [2]Operation{
			propertySet("op-1", "alice", at(1), "credentials", nil),
			newOp("op-2", KindPropertySet, "bob", at(2), Path{"n1", "credentials", "token"}, UpdatePayload{Data: "x"}),
		},
	}
	assert.Equal(t, StrategyManual, r.StrategyFor(secret))

	other := &Conflict{
		ID: "c4",
		Operations: [2]Operation{
			newOp("op-1", KindNodeMove, "alice", at(1), Path{"n1"}, MovePayload{}),
			newOp("op-2", KindNodeMove, "bob", at(2), Path{"n1"}, MovePayload{}),
		},
	}
	assert.Equal(t, StrategyLastWriteWins, r.StrategyFor(other))
}

func TestNewPathPolicy_InvalidPattern(t *testing.T) {
	_, err := NewPathPolicy("n1/[", StrategyManual)
	assert.Error(t, err)
}

func TestPathPolicy_ZeroValueMatchesNothing(t *testing.T) {
	var p PathPolicy
	assert.False(t, p.Match("n1"))
}
