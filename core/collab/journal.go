package collab

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sync"
	"time"
)

type JournalEntryType uint8

const (
	JournalOperation JournalEntryType = iota
	JournalUndo
	JournalReset
)

var journalEntryTypeNames = map[JournalEntryType]string{
	JournalOperation: "operation",
	JournalUndo:      "undo",
	JournalReset:     "reset",
}

func (t JournalEntryType) String() string {
	if name, ok := journalEntryTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// JournalEntry is one event of a session's history in encoded form. For
// JournalOperation, Data is the JSON applied operation. For JournalUndo, Data
// is the big-endian version of the entry that undo removed. JournalReset has
// no data.
type JournalEntry struct {
	Type      JournalEntryType
	Sequence  uint64
	Timestamp time.Time
	SessionID string
	Data      []byte
	Checksum  uint32
}

func OperationEntry(sessionID string, op Operation) (JournalEntry, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	return JournalEntry{Type: JournalOperation, SessionID: sessionID, Data: data}, nil
}

func UndoEntry(sessionID string, removedVersion uint64) JournalEntry {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, removedVersion)
	return JournalEntry{Type: JournalUndo, SessionID: sessionID, Data: data}
}

func ResetEntry(sessionID string) JournalEntry {
	return JournalEntry{Type: JournalReset, SessionID: sessionID}
}

func (e JournalEntry) verify() error {
	if crc32.ChecksumIEEE(e.Data) != e.Checksum {
		return fmt.Errorf("sequence %d: %w", e.Sequence, ErrJournalCorrupted)
	}
	return nil
}

// Operation decodes a JournalOperation entry after verifying its checksum.
func (e JournalEntry) Operation() (Operation, error) {
	if err := e.verify(); err != nil {
		return Operation{}, err
	}
	var op Operation
	if err := json.Unmarshal(e.Data, &op); err != nil {
		return Operation{}, fmt.Errorf("sequence %d: %w: %v", e.Sequence, ErrJournalCorrupted, err)
	}
	return op, nil
}

// RemovedVersion decodes a JournalUndo entry.
func (e JournalEntry) RemovedVersion() (uint64, error) {
	if err := e.verify(); err != nil {
		return 0, err
	}
	if len(e.Data) != 8 {
		return 0, fmt.Errorf("sequence %d: %w", e.Sequence, ErrJournalCorrupted)
	}
	return binary.BigEndian.Uint64(e.Data), nil
}

// Journal is the ordered log from which a session's ledger can be rebuilt.
type Journal interface {
	Append(entry JournalEntry) (uint64, error)
	Since(sequence uint64) ([]JournalEntry, error)
	LastSequence() uint64
	Truncate(before uint64) error
	Close() error
}

type MemoryJournal struct {
	mu         sync.RWMutex
	entries    []JournalEntry
	sequence   uint64
	maxEntries int
	closed     bool
}

type JournalOption func(*MemoryJournal)

// WithMaxJournalEntries bounds the journal; once it holds twice the limit
// the oldest entries are dropped down to the limit.
func WithMaxJournalEntries(max int) JournalOption {
	return func(j *MemoryJournal) {
		j.maxEntries = max
	}
}

func NewMemoryJournal(opts ...JournalOption) *MemoryJournal {
	j := &MemoryJournal{
		entries: make([]JournalEntry, 0),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Append assigns the next sequence number, timestamp and checksum.
func (j *MemoryJournal) Append(entry JournalEntry) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrJournalClosed
	}

	j.sequence++
	entry.Sequence = j.sequence
	entry.Timestamp = time.Now()
	entry.Data = append([]byte(nil), entry.Data...)
	entry.Checksum = crc32.ChecksumIEEE(entry.Data)

	j.entries = append(j.entries, entry)
	j.maybeAutoTruncate()
	return entry.Sequence, nil
}

func (j *MemoryJournal) maybeAutoTruncate() {
	if j.maxEntries > 0 && len(j.entries) > j.maxEntries*2 {
		cutoff := len(j.entries) - j.maxEntries
		j.entries = append([]JournalEntry(nil), j.entries[cutoff:]...)
	}
}

// Since returns copies of all entries after sequence.
func (j *MemoryJournal) Since(sequence uint64) ([]JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return nil, ErrJournalClosed
	}

	out := make([]JournalEntry, 0)
	for _, e := range j.entries {
		if e.Sequence > sequence {
			e.Data = append([]byte(nil), e.Data...)
			out = append(out, e)
		}
	}
	return out, nil
}

func (j *MemoryJournal) LastSequence() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.sequence
}

// Truncate drops entries with a sequence lower than before.
func (j *MemoryJournal) Truncate(before uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	kept := make([]JournalEntry, 0, len(j.entries))
	for _, e := range j.entries {
		if e.Sequence >= before {
			kept = append(kept, e)
		}
	}
	j.entries = kept
	return nil
}

func (j *MemoryJournal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

func (j *MemoryJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}

// Rebuild re-derives a session's ledger from journal entries. Operations are
// recorded as they were applied, without another reduction pass.
func Rebuild(sessionID string, entries []JournalEntry, opts ...LedgerOption) (*Ledger, error) {
	ledger := NewLedger(opts...)
	first := true
	for _, e := range entries {
		if e.SessionID != sessionID {
			continue
		}
		switch e.Type {
		case JournalOperation:
			op, err := e.Operation()
			if err != nil {
				return nil, err
			}
			if first && op.Version > 0 {
				ledger.version = op.Version - 1
			}
			first = false
			ledger.Record(op)
		case JournalUndo:
			version, err := e.RemovedVersion()
			if err != nil {
				return nil, err
			}
			ledger.Remove(version)
		case JournalReset:
			ledger.Reset()
			first = true
		}
	}
	return ledger, nil
}
