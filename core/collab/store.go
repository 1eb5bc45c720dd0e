package collab

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultMaxSessions = 1024

// Persister saves and loads session snapshots. LoadSnapshot reports false
// when nothing is stored for the session.
type Persister interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context, sessionID string) (Snapshot, bool, error)
}

type StoreConfig struct {
	MaxSessions int
	// TrackDocuments gives every session its own Document.
	TrackDocuments bool
	Persister      Persister
	Logger         *slog.Logger
	// SessionOptions are applied to every session the store creates.
	SessionOptions []SessionOption
}

// Store is the keyed table of live sessions. The store lock only guards
// lookup and creation; engine work runs under each session's own lock.
// Sessions beyond MaxSessions are evicted least recently used first, closed
// and flushed through the Persister.
type Store struct {
	mu        sync.Mutex
	sessions  *lru.Cache[string, *Session]
	config    StoreConfig
	logger    *slog.Logger
	closed    bool
	evictions atomic.Int64
}

func NewStore(config StoreConfig) (*Store, error) {
	if config.MaxSessions <= 0 {
		config.MaxSessions = DefaultMaxSessions
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Store{config: config, logger: logger}
	cache, err := lru.NewWithEvict[string, *Session](config.MaxSessions, s.handleEviction)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	s.sessions = cache
	return s, nil
}

func (s *Store) handleEviction(id string, session *Session) {
	s.evictions.Add(1)
	session.Close()
	if err := s.persist(context.Background(), session); err != nil {
		s.logger.Error("persist evicted session failed", "session", id, "error", err)
		return
	}
	s.logger.Debug("session evicted", "session", id)
}

func (s *Store) persist(ctx context.Context, session *Session) error {
	if s.config.Persister == nil {
		return nil
	}
	return s.config.Persister.SaveSnapshot(ctx, session.Snapshot())
}

// Get returns the live session for id.
func (s *Store) Get(id string) (*Session, bool) {
	return s.sessions.Get(id)
}

// GetOrCreate returns the live session for id, restoring it from the
// Persister or creating an empty one when it is not loaded.
func (s *Store) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if session, ok := s.sessions.Get(id); ok {
		return session, nil
	}

	session := s.newSession(id)
	if s.config.Persister != nil {
		snap, found, err := s.config.Persister.LoadSnapshot(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", id, err)
		}
		if found {
			session.Restore(snap)
		}
	}
	s.sessions.Add(id, session)
	return session, nil
}

func (s *Store) newSession(id string) *Session {
	opts := make([]SessionOption, 0, len(s.config.SessionOptions)+2)
	opts = append(opts, WithSessionLogger(s.logger))
	if s.config.TrackDocuments {
		opts = append(opts, WithDocument(NewDocument()))
	}
	opts = append(opts, s.config.SessionOptions...)
	return NewSession(id, opts...)
}

// Remove drops a session from the table. Like any eviction it is closed and
// persisted.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions.Remove(id)
}

// Flush persists every live session without evicting it.
func (s *Store) Flush(ctx context.Context) error {
	for _, id := range s.sessions.Keys() {
		session, ok := s.sessions.Peek(id)
		if !ok {
			continue
		}
		if err := s.persist(ctx, session); err != nil {
			return fmt.Errorf("flush session %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) Len() int {
	return s.sessions.Len()
}

// Evictions counts sessions dropped from the table, including removals.
func (s *Store) Evictions() int64 {
	return s.evictions.Load()
}

// Close flushes all sessions and rejects further lookups.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Flush(ctx)
	for _, id := range s.sessions.Keys() {
		if session, ok := s.sessions.Peek(id); ok {
			session.Close()
		}
	}
	return err
}
