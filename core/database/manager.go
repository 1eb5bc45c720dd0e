// Package database opens and migrates the SQLite databases that hold
// persisted session snapshots.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klikkflow/flowsync/core/storage"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverModernc is the pure-Go driver and the default.
	DriverModernc = "sqlite"
	// DriverCgo is github.com/mattn/go-sqlite3.
	DriverCgo = "sqlite3"
)

var ErrUnknownDriver = errors.New("unknown sqlite driver")

type Manager struct {
	dirs  *storage.Dirs
	pools map[string]*Pool
	mu    sync.RWMutex
}

type Pool struct {
	db     *sql.DB
	path   string
	config PoolConfig
	mu     sync.Mutex
	closed bool
}

type PoolConfig struct {
	Driver      string
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	BusyTimeout time.Duration
	ForeignKeys bool
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Driver:      DriverModernc,
		MaxOpen:     4,
		MaxIdle:     2,
		MaxLifetime: time.Hour,
		BusyTimeout: 5 * time.Second,
		ForeignKeys: true,
	}
}

func NewManager(dirs *storage.Dirs) *Manager {
	return &Manager{
		dirs:  dirs,
		pools: make(map[string]*Pool),
	}
}

// Open returns the pool for name, opening it on first use. Relative names
// resolve to <data dir>/<name>.db; absolute paths are used as is.
func (m *Manager) Open(name string, config PoolConfig) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pool, ok := m.pools[name]; ok {
		return pool, nil
	}

	pool, err := OpenPool(m.resolvePath(name), config)
	if err != nil {
		return nil, err
	}
	m.pools[name] = pool
	return pool, nil
}

// CloseAll closes every pool the manager opened. A later Open reopens them.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, pool := range m.pools {
		if err := pool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.pools, name)
	}
	return firstErr
}

func (m *Manager) resolvePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return m.dirs.DataDir(name + ".db")
}

// OpenPool opens a database file directly, creating its directory.
func OpenPool(path string, config PoolConfig) (*Pool, error) {
	if config.Driver == "" {
		config.Driver = DriverModernc
	}
	dsn, err := buildDSN(path, config)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}

	db, err := sql.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	if config.MaxOpen > 0 {
		db.SetMaxOpenConns(config.MaxOpen)
	}
	if config.MaxIdle > 0 {
		db.SetMaxIdleConns(config.MaxIdle)
	}
	db.SetConnMaxLifetime(config.MaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &Pool{
		db:     db,
		path:   path,
		config: config,
	}, nil
}

// buildDSN encodes the connection pragmas in each driver's dialect.
func buildDSN(path string, config PoolConfig) (string, error) {
	busy := int(config.BusyTimeout.Milliseconds())
	fk := boolToInt(config.ForeignKeys)

	switch config.Driver {
	case DriverCgo:
		return fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=%d", path, busy, fk), nil
	case DriverModernc:
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(%d)", path, busy, fk), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDriver, config.Driver)
}

func (p *Pool) DB() *sql.DB {
	return p.db
}

func (p *Pool) Path() string {
	return p.path
}

func (p *Pool) Driver() string {
	return p.config.Driver
}

// Close is idempotent. Calls on a closed pool fail with the driver's
// "database is closed" error.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

func (p *Pool) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return p.db.ExecContext(ctx, query, args...)
}

func (p *Pool) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return p.db.QueryContext(ctx, query, args...)
}

func (p *Pool) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return p.db.QueryRowContext(ctx, query, args...)
}

func (p *Pool) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (p *Pool) Version(ctx context.Context) (int, error) {
	var version int
	err := p.QueryRow(ctx, "PRAGMA user_version").Scan(&version)
	return version, err
}

func (p *Pool) IntegrityCheck(ctx context.Context) error {
	var result string
	if err := p.QueryRow(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
