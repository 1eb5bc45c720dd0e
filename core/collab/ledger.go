package collab

import (
	"errors"
	"io"
	"log/slog"
	"time"
)

const DefaultHistoryCapacity = 1000

// HistoryEntry pairs an applied operation with the operation that undoes it.
type HistoryEntry struct {
	Operation Operation `json:"operation"`
	Inverse   Operation `json:"inverse"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
}

// Ledger is the bounded, undoable history of one session together with its
// logical version counter. It is not safe for concurrent use.
type Ledger struct {
	entries  []HistoryEntry
	version  uint64
	capacity int
	logger   *slog.Logger
}

type LedgerOption func(*Ledger)

func WithCapacity(capacity int) LedgerOption {
	return func(l *Ledger) {
		if capacity > 0 {
			l.capacity = capacity
		}
	}
}

func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		entries:  make([]HistoryEntry, 0),
		capacity: DefaultHistoryCapacity,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Apply validates op, reduces it against pending and records the result. The
// returned operation carries the new version.
func (l *Ledger) Apply(op Operation, pending []Operation) (Operation, []Signal, error) {
	prepared, signals, err := l.Prepare(op, pending)
	if err != nil {
		return Operation{}, nil, err
	}
	applied := l.Record(prepared)
	return applied, append(signals, operationApplied(applied)), nil
}

// Prepare runs validation and pending reduction without touching the ledger.
func (l *Ledger) Prepare(op Operation, pending []Operation) (Operation, []Signal, error) {
	valid, err := Validate(op, l.version)
	if err != nil {
		return Operation{}, nil, err
	}
	reduced, signals := Reduce(valid, pending)
	return reduced, signals, nil
}

// Record appends op and its inverse, bumps the version and evicts the oldest
// entry once the capacity is exceeded.
func (l *Ledger) Record(op Operation) Operation {
	inverse, err := Invert(op)
	if err != nil {
		if errors.Is(err, ErrInverseConstructionGap) {
			l.logger.Warn("inverse construction gap",
				"operation", op.ID,
				"kind", op.Kind.String(),
				"user", op.UserID,
				"error", err,
			)
		} else {
			l.logger.Error("inverse construction failed", "operation", op.ID, "error", err)
		}
	}

	l.version++
	applied := op.Clone()
	applied.Version = l.version

	l.entries = append(l.entries, HistoryEntry{
		Operation: applied,
		Inverse:   inverse,
		Timestamp: time.Now(),
		UserID:    applied.UserID,
	})
	l.evict()
	return applied
}

// evict drops the oldest entries above capacity by re-slicing. The backing
// array is only reallocated when append runs out of room.
func (l *Ledger) evict() {
	over := len(l.entries) - l.capacity
	if over <= 0 {
		return
	}
	clear(l.entries[:over])
	l.entries = l.entries[over:]
}

// Latest returns the most recent entry recorded for userID.
func (l *Ledger) Latest(userID string) (HistoryEntry, bool) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].UserID == userID {
			return l.entries[i], true
		}
	}
	return HistoryEntry{}, false
}

// Remove drops the entry whose operation carries version. The surviving set
// is computed first and then swapped in.
func (l *Ledger) Remove(version uint64) bool {
	kept := make([]HistoryEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Operation.Version != version {
			kept = append(kept, e)
		}
	}
	removed := len(kept) != len(l.entries)
	l.entries = kept
	return removed
}

// Undo applies the inverse of userID's most recent operation through Apply,
// so it is transformed against pending and recorded like any other
// operation, and then removes the original entry. ok is false when the user
// has no history.
func (l *Ledger) Undo(userID string, pending []Operation) (op Operation, signals []Signal, ok bool, err error) {
	entry, found := l.Latest(userID)
	if !found {
		return Operation{}, nil, false, nil
	}
	op, signals, err = l.Apply(entry.Inverse, pending)
	if err != nil {
		return Operation{}, nil, false, err
	}
	l.Remove(entry.Operation.Version)
	return op, signals, true, nil
}

func (l *Ledger) Version() uint64 {
	return l.version
}

func (l *Ledger) Len() int {
	return len(l.entries)
}

func (l *Ledger) Capacity() int {
	return l.capacity
}

// Entries returns a copy of the history, oldest first.
func (l *Ledger) Entries() []HistoryEntry {
	out := make([]HistoryEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Reset clears the history and the version counter.
func (l *Ledger) Reset() {
	l.entries = make([]HistoryEntry, 0)
	l.version = 0
}

// Restore replaces the ledger state, trimming to capacity.
func (l *Ledger) Restore(entries []HistoryEntry, version uint64) {
	l.entries = make([]HistoryEntry, len(entries))
	copy(l.entries, entries)
	l.version = version
	l.evict()
}
