// Package snapshot persists session snapshots. Recent snapshots stay
// encoded in a ristretto cache; SQLite is the durable copy.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/klikkflow/flowsync/core/collab"
	"github.com/klikkflow/flowsync/core/database"
)

var (
	ErrCorrupted = errors.New("snapshot checksum mismatch")
	ErrClosed    = errors.New("snapshot store is closed")
)

type Config struct {
	Path   string
	Pool   database.PoolConfig
	Logger *slog.Logger

	// Cache sizing, see ristretto.Config. MaxCost is in encoded bytes.
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		Pool:        database.DefaultPoolConfig(),
		NumCounters: 10000,
		MaxCost:     64 << 20,
		BufferItems: 64,
	}
}

// Info describes a stored snapshot without decoding it.
type Info struct {
	SessionID string
	Version   uint64
	SavedAt   time.Time
	Size      int
}

type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// Store implements collab.Persister.
type Store struct {
	pool   *database.Pool
	cache  *ristretto.Cache
	logger *slog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	mu     sync.RWMutex
	closed bool
}

var _ collab.Persister = (*Store)(nil)

func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = 10000
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = 64 << 20
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = 64
	}

	pool, err := database.OpenPool(cfg.Path, cfg.Pool)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	if err := NewMigrator(pool).Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate snapshot database: %w", err)
	}

	s := &Store{
		pool:   pool,
		logger: cfg.Logger.With("component", "snapshot"),
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		OnEvict:     s.onEvict,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create snapshot cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

func (s *Store) onEvict(item *ristretto.Item) {
	s.evictions.Add(1)
}

// SaveSnapshot writes through to SQLite, then caches the encoding.
func (s *Store) SaveSnapshot(ctx context.Context, snap collab.Snapshot) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.SessionID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO snapshots (session_id, version, saved_at, checksum, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			version = excluded.version,
			saved_at = excluded.saved_at,
			checksum = excluded.checksum,
			data = excluded.data`,
		snap.SessionID, int64(snap.Version), snap.SavedAt.UnixNano(), int64(crc32.ChecksumIEEE(data)), data)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.SessionID, err)
	}

	s.cache.Set(snap.SessionID, data, int64(len(data)))
	s.logger.Debug("snapshot saved", "session", snap.SessionID, "version", snap.Version, "bytes", len(data))
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context, id string) (collab.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return collab.Snapshot{}, false, ErrClosed
	}

	if v, ok := s.cache.Get(id); ok {
		s.hits.Add(1)
		snap, err := decode(v.([]byte))
		return snap, err == nil, err
	}
	s.misses.Add(1)

	var (
		data     []byte
		checksum int64
	)
	err := s.pool.QueryRow(ctx, `SELECT checksum, data FROM snapshots WHERE session_id = ?`, id).Scan(&checksum, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return collab.Snapshot{}, false, nil
	}
	if err != nil {
		return collab.Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", id, err)
	}
	if uint32(checksum) != crc32.ChecksumIEEE(data) {
		return collab.Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", id, ErrCorrupted)
	}

	snap, err := decode(data)
	if err != nil {
		return collab.Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", id, err)
	}
	s.cache.Set(id, data, int64(len(data)))
	return snap, true, nil
}

func decode(data []byte) (collab.Snapshot, error) {
	var snap collab.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return collab.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// Delete removes a snapshot. It reports whether one existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}

	s.cache.Wait()
	s.cache.Del(id)
	res, err := s.pool.Exec(ctx, `DELETE FROM snapshots WHERE session_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns stored snapshots, most recently saved first.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.pool.Query(ctx, `
		SELECT session_id, version, saved_at, length(data)
		FROM snapshots ORDER BY saved_at DESC, session_id`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var (
			info    Info
			version int64
			savedAt int64
		)
		if err := rows.Scan(&info.SessionID, &version, &savedAt, &info.Size); err != nil {
			return nil, err
		}
		info.Version = uint64(version)
		info.SavedAt = time.Unix(0, savedAt)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Prune deletes snapshots saved before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	// the cache may still hold pruned ids
	s.cache.Clear()
	res, err := s.pool.Exec(ctx, `DELETE FROM snapshots WHERE saved_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Stats() Stats {
	return Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
}

// Pool exposes the underlying database, e.g. for backups.
func (s *Store) Pool() *database.Pool {
	return s.pool
}

// Wait blocks until pending cache writes are visible.
func (s *Store) Wait() {
	s.cache.Wait()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cache.Close()
	return s.pool.Close()
}
