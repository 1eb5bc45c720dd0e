package collab

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendOp(t *testing.T, j Journal, sessionID string, op Operation) uint64 {
	t.Helper()
	entry, err := OperationEntry(sessionID, op)
	require.NoError(t, err)
	seq, err := j.Append(entry)
	require.NoError(t, err)
	return seq
}

func TestMemoryJournal_AppendAndSince(t *testing.T) {
	j := NewMemoryJournal()

	for i := 1; i <= 3; i++ {
		seq := appendOp(t, j, "s1", propertySet(fmt.Sprintf("op-%d", i), "alice", at(i), "timeout", i))
		assert.Equal(t, uint64(i), seq)
	}
	assert.Equal(t, uint64(3), j.LastSequence())

	entries, err := j.Since(1)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	op, err := entries[0].Operation()
	require.NoError(t, err)
	assert.Equal(t, "op-2", op.ID)
	assert.Equal(t, KindPropertySet, op.Kind)
	assert.Equal(t, float64(2), op.UpdatePayload().Data)
}

func TestMemoryJournal_DetectsCorruption(t *testing.T) {
	j := NewMemoryJournal()
	appendOp(t, j, "s1", propertySet("op-1", "alice", at(1), "timeout", 1))

	entries, err := j.Since(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entries[0].Data[0] ^= 0xff
	_, err = entries[0].Operation()
	assert.ErrorIs(t, err, ErrJournalCorrupted)

	_, err = Rebuild("s1", entries)
	assert.ErrorIs(t, err, ErrJournalCorrupted)

	// the stored entry is unaffected
	clean, err := j.Since(0)
	require.NoError(t, err)
	_, err = clean[0].Operation()
	assert.NoError(t, err)
}

func TestMemoryJournal_TruncateAndClose(t *testing.T) {
	j := NewMemoryJournal()
	for i := 1; i <= 5; i++ {
		appendOp(t, j, "s1", propertySet(fmt.Sprintf("op-%d", i), "alice", at(i), "timeout", i))
	}

	require.NoError(t, j.Truncate(4))
	assert.Equal(t, 2, j.Len())

	require.NoError(t, j.Close())
	_, err := j.Append(ResetEntry("s1"))
	assert.ErrorIs(t, err, ErrJournalClosed)
	_, err = j.Since(0)
	assert.ErrorIs(t, err, ErrJournalClosed)
	assert.ErrorIs(t, j.Truncate(0), ErrJournalClosed)
}

func TestMemoryJournal_AutoTruncate(t *testing.T) {
	j := NewMemoryJournal(WithMaxJournalEntries(2))
	for i := 1; i <= 5; i++ {
		appendOp(t, j, "s1", propertySet(fmt.Sprintf("op-%d", i), "alice", at(i), "timeout", i))
	}

	assert.Equal(t, 2, j.Len())
	entries, err := j.Since(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), entries[0].Sequence)
	assert.Equal(t, uint64(5), j.LastSequence())
}

func TestUndoEntry_RoundTrip(t *testing.T) {
	j := NewMemoryJournal()
	_, err := j.Append(UndoEntry("s1", 42))
	require.NoError(t, err)

	entries, err := j.Since(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, JournalUndo, entries[0].Type)
	assert.Equal(t, "undo", entries[0].Type.String())

	version, err := entries[0].RemovedVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), version)
}

func TestRebuild(t *testing.T) {
	ledger := NewLedger()
	j := NewMemoryJournal()

	for i := 1; i <= 3; i++ {
		applied, _, err := ledger.Apply(textInsert(fmt.Sprintf("op-%d", i), "alice", at(i), 0, "x"), nil)
		require.NoError(t, err)
		appendOp(t, j, "s1", applied)
	}
	appendOp(t, j, "other", textInsert("foreign", "bob", at(9), 0, "y"))

	entries, err := j.Since(0)
	require.NoError(t, err)

	rebuilt, err := Rebuild("s1", entries)
	require.NoError(t, err)
	assert.Equal(t, ledger.Version(), rebuilt.Version())
	require.Equal(t, ledger.Len(), rebuilt.Len())
	for i, e := range rebuilt.Entries() {
		assert.Equal(t, ledger.Entries()[i].Operation.ID, e.Operation.ID)
		assert.Equal(t, ledger.Entries()[i].Operation.Version, e.Operation.Version)
		assert.Equal(t, KindTextDelete, e.Inverse.Kind)
	}
}

func TestRebuild_FromTruncatedJournal(t *testing.T) {
	j := NewMemoryJournal()
	ledger := NewLedger()
	for i := 1; i <= 5; i++ {
		applied, _, err := ledger.Apply(propertySet(fmt.Sprintf("op-%d", i), "alice", at(i), "timeout", i), nil)
		require.NoError(t, err)
		appendOp(t, j, "s1", applied)
	}
	require.NoError(t, j.Truncate(3))

	entries, err := j.Since(0)
	require.NoError(t, err)
	rebuilt, err := Rebuild("s1", entries)
	require.NoError(t, err)

	assert.Equal(t, uint64(5), rebuilt.Version())
	assert.Equal(t, 3, rebuilt.Len())
	assert.Equal(t, uint64(3), rebuilt.Entries()[0].Operation.Version)
}
