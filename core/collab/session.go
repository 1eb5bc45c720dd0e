package collab

import (
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Snapshot is the persisted state of a session: its history, version counter
// and, when the session tracks one, its document.
type Snapshot struct {
	SessionID string         `json:"session_id"`
	Version   uint64         `json:"version"`
	Entries   []HistoryEntry `json:"entries"`
	Document  *Document      `json:"document,omitempty"`
	SavedAt   time.Time      `json:"saved_at"`
}

// Session is one collaborative document. All engine work for the document
// runs under the session's mutex; sessions never share state.
type Session struct {
	mu sync.Mutex

	id       string
	ledger   *Ledger
	doc      *Document
	journal  Journal
	detector *Detector
	resolver *Resolver
	logger   *slog.Logger

	capacity int
	pending  map[string][]Operation
	outbox   Outbox
	closed   bool
}

type SessionOption func(*Session)

func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithHistoryCapacity(capacity int) SessionOption {
	return func(s *Session) {
		if capacity > 0 {
			s.capacity = capacity
		}
	}
}

// WithDocument makes the session maintain doc. Old values needed by inverses
// are then captured from the document before each operation is recorded.
func WithDocument(doc *Document) SessionOption {
	return func(s *Session) {
		s.doc = doc
	}
}

func WithJournal(j Journal) SessionOption {
	return func(s *Session) {
		s.journal = j
	}
}

func WithDetector(d *Detector) SessionOption {
	return func(s *Session) {
		if d != nil {
			s.detector = d
		}
	}
}

func WithResolver(r *Resolver) SessionOption {
	return func(s *Session) {
		if r != nil {
			s.resolver = r
		}
	}
}

func NewSession(id string, opts ...SessionOption) *Session {
	s := &Session{
		id:       id,
		capacity: DefaultHistoryCapacity,
		pending:  make(map[string][]Operation),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.detector == nil {
		s.detector = NewDetector(DefaultConflictWindow)
	}
	if s.resolver == nil {
		s.resolver = NewResolver(WithResolverLogger(s.logger))
	}
	s.logger = s.logger.With("session", id)
	s.ledger = NewLedger(WithCapacity(s.capacity), WithLedgerLogger(s.logger))
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Join registers userID as a participant. Operations applied afterwards by
// other users are queued for userID until acknowledged.
func (s *Session) Join(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.pending[userID]; !ok {
		s.pending[userID] = make([]Operation, 0)
		s.logger.Debug("participant joined", "user", userID)
	}
	return nil
}

func (s *Session) Leave(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, userID)
	s.logger.Debug("participant left", "user", userID)
}

// Participants returns the joined user ids, sorted.
func (s *Session) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.pending))
	for u := range s.pending {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Acknowledge drops every queued operation with a version up to and
// including version from userID's pending set.
func (s *Session) Acknowledge(userID string, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, ok := s.pending[userID]
	if !ok {
		return
	}
	kept := make([]Operation, 0, len(queue))
	for _, op := range queue {
		if op.Version > version {
			kept = append(kept, op)
		}
	}
	s.pending[userID] = kept
}

// Pending returns a copy of the operations userID has not acknowledged.
func (s *Session) Pending(userID string) []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Operation(nil), s.pending[userID]...)
}

// Apply transforms op against the submitter's unacknowledged operations,
// records it and queues it for every other participant. A non-zero op.Version
// is the version the submitter last saw; only newer pending operations are
// transformed against.
func (s *Session) Apply(op Operation) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Operation{}, ErrSessionClosed
	}
	return s.apply(op)
}

func (s *Session) apply(op Operation) (Operation, error) {
	if _, ok := s.pending[op.UserID]; !ok && op.UserID != "" {
		s.pending[op.UserID] = make([]Operation, 0)
	}

	prepared, signals, err := s.ledger.Prepare(op, s.pendingFor(op.UserID, op.Version))
	if err != nil {
		return Operation{}, err
	}
	if s.doc != nil {
		prepared = s.doc.Capture(prepared)
	}

	applied := s.ledger.Record(prepared)
	if s.doc != nil {
		if err := s.doc.Apply(applied); err != nil {
			s.logger.Error("document apply failed", "operation", applied.ID, "error", err)
		}
	}

	for user := range s.pending {
		if user != applied.UserID {
			s.pending[user] = append(s.pending[user], applied)
		}
	}

	s.journalAppend(func() (JournalEntry, error) { return OperationEntry(s.id, applied) })
	s.outbox.push(signals...)
	s.outbox.push(operationApplied(applied))

	s.logger.Debug("operation applied",
		"operation", applied.ID,
		"kind", applied.Kind.String(),
		"user", applied.UserID,
		"version", applied.Version,
		"noop", applied.Noop,
	)
	return applied, nil
}

func (s *Session) pendingFor(userID string, base uint64) []Operation {
	queue := s.pending[userID]
	if base == 0 {
		return queue
	}
	out := make([]Operation, 0, len(queue))
	for _, p := range queue {
		if p.Version > base {
			out = append(out, p)
		}
	}
	return out
}

func (s *Session) journalAppend(build func() (JournalEntry, error)) {
	if s.journal == nil {
		return
	}
	entry, err := build()
	if err == nil {
		_, err = s.journal.Append(entry)
	}
	if err != nil {
		s.logger.Error("journal append failed", "type", entry.Type.String(), "error", err)
	}
}

// Undo applies the inverse of userID's most recent operation through the
// normal apply path and removes the original history entry. ok is false when
// userID has no history.
func (s *Session) Undo(userID string) (op Operation, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Operation{}, false, ErrSessionClosed
	}

	entry, found := s.ledger.Latest(userID)
	if !found {
		return Operation{}, false, nil
	}
	inverse := entry.Inverse.Clone()
	inverse.UserID = userID
	inverse.Version = entry.Operation.Version

	op, err = s.apply(inverse)
	if err != nil {
		return Operation{}, false, err
	}
	s.ledger.Remove(entry.Operation.Version)
	s.journalAppend(func() (JournalEntry, error) { return UndoEntry(s.id, entry.Operation.Version), nil })
	return op, true, nil
}

// Conflicts reports the conflicts between op and the operations currently in
// history.
func (s *Session) Conflicts(op Operation) []Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.ledger.Entries()
	recent := make([]Operation, 0, len(entries))
	for _, e := range entries {
		recent = append(recent, e.Operation)
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	return s.detector.Detect(op, recent)
}

func (s *Session) Resolve(conflict *Conflict, strategy, manualChoice string) (Resolution, error) {
	return s.resolver.Resolve(conflict, strategy, manualChoice)
}

// ResolveAuto resolves conflict with the strategy selected by path policy.
func (s *Session) ResolveAuto(conflict *Conflict) (Resolution, error) {
	return s.resolver.ResolveAuto(conflict)
}

// Drain returns and clears the signals emitted since the last drain.
func (s *Session) Drain() []Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbox.Drain()
}

// Reset clears history, version, pending queues and the document. Joined
// participants stay joined.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger.Reset()
	for user := range s.pending {
		s.pending[user] = make([]Operation, 0)
	}
	if s.doc != nil {
		*s.doc = *NewDocument()
	}
	s.journalAppend(func() (JournalEntry, error) { return ResetEntry(s.id), nil })
	s.logger.Info("session reset")
}

func (s *Session) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Version()
}

func (s *Session) Entries() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Entries()
}

// Document returns a copy of the tracked document, or nil when the session
// does not track one.
func (s *Session) Document() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil
	}
	return s.doc.Clone()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		SessionID: s.id,
		Version:   s.ledger.Version(),
		Entries:   s.ledger.Entries(),
		SavedAt:   time.Now(),
	}
	if s.doc != nil {
		snap.Document = s.doc.Clone()
	}
	return snap
}

// Restore replaces history, version and document with snap. Pending queues
// are cleared.
func (s *Session) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger.Restore(snap.Entries, snap.Version)
	if snap.Document != nil {
		doc := snap.Document.Clone()
		if s.doc == nil {
			s.doc = doc
		} else {
			*s.doc = *doc
		}
	}
	for user := range s.pending {
		s.pending[user] = make([]Operation, 0)
	}
	s.logger.Info("session restored", "version", snap.Version, "entries", len(snap.Entries))
}

// Recover rebuilds history from journal entries and, when the session tracks
// a document, replays every recorded operation on top of it. The document
// should hold the state the journal started from.
func (s *Session) Recover(entries []JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, err := Rebuild(s.id, entries, WithCapacity(s.capacity), WithLedgerLogger(s.logger))
	if err != nil {
		return err
	}
	if s.doc != nil {
		doc := s.doc.Clone()
		for _, e := range entries {
			if e.SessionID != s.id {
				continue
			}
			switch e.Type {
			case JournalOperation:
				op, err := e.Operation()
				if err != nil {
					return err
				}
				if err := doc.Apply(op); err != nil {
					return err
				}
			case JournalReset:
				doc = NewDocument()
			}
		}
		*s.doc = *doc
	}
	s.ledger = ledger
	s.logger.Info("session recovered", "version", ledger.Version(), "entries", ledger.Len())
	return nil
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close rejects further operations. The journal, if any, is owned by the
// caller and left open.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
