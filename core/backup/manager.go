// Package backup keeps point-in-time copies of the snapshot database.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klikkflow/flowsync/core/database"
)

var (
	ErrNoBackups     = errors.New("no backups")
	ErrOutsideBackup = errors.New("path outside backup directory")
)

const (
	filePrefix = "backup-"
	fileSuffix = ".db"
)

type Config struct {
	// RetentionCount is how many backups Backup keeps. Zero keeps all.
	RetentionCount int
}

func DefaultConfig() Config {
	return Config{RetentionCount: 10}
}

type Info struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

type Manager struct {
	dir    string
	config Config
	mu     sync.Mutex
}

func NewManager(dir string, config Config) *Manager {
	return &Manager{dir: dir, config: config}
}

func (m *Manager) Dir() string {
	return m.dir
}

// Backup writes a compacted copy of the database behind pool with VACUUM
// INTO, then drops the oldest backups beyond the retention count.
func (m *Manager) Backup(ctx context.Context, pool *database.Pool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	name := filePrefix + time.Now().UTC().Format("20060102-150405.000000000") + fileSuffix
	dest := filepath.Join(m.dir, name)
	if _, err := pool.Exec(ctx, "VACUUM INTO ?", dest); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("vacuum into %s: %w", dest, err)
	}

	if err := m.enforceRetention(); err != nil {
		return dest, fmt.Errorf("retention cleanup: %w", err)
	}
	return dest, nil
}

func (m *Manager) enforceRetention() error {
	if m.config.RetentionCount <= 0 {
		return nil
	}
	names, err := m.names()
	if err != nil {
		return err
	}
	if len(names) <= m.config.RetentionCount {
		return nil
	}
	for _, name := range names[:len(names)-m.config.RetentionCount] {
		if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// names returns backup file names, oldest first.
func (m *Manager) names() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// List returns the backups, newest first.
func (m *Manager) List() ([]Info, error) {
	names, err := m.names()
	if err != nil {
		return nil, err
	}
	backups := make([]Info, 0, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		path := filepath.Join(m.dir, names[i])
		stat, err := os.Stat(path)
		if err != nil {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		backups = append(backups, Info{
			Name:      names[i],
			Path:      abs,
			Size:      stat.Size(),
			CreatedAt: stat.ModTime(),
		})
	}
	return backups, nil
}

func (m *Manager) Latest() (*Info, error) {
	backups, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(backups) == 0 {
		return nil, ErrNoBackups
	}
	return &backups[0], nil
}

// Restore replaces the database at destPath with the backup and checks the
// result with PRAGMA integrity_check. No pool may be open on destPath.
func (m *Manager) Restore(ctx context.Context, backupPath, destPath string, config database.PoolConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("backup not found: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}

	tmp := destPath + ".restore"
	if err := copyFile(backupPath, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("copy backup: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(destPath + suffix); err != nil && !os.IsNotExist(err) {
			os.Remove(tmp)
			return err
		}
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return err
	}

	pool, err := database.OpenPool(destPath, config)
	if err != nil {
		return err
	}
	defer pool.Close()
	return pool.IntegrityCheck(ctx)
}

// Delete removes one backup. The path must lie inside the backup directory.
func (m *Manager) Delete(path string) error {
	absDir, err := filepath.Abs(m.dir)
	if err != nil {
		return err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return fmt.Errorf("%s: %w", path, ErrOutsideBackup)
	}
	return os.Remove(absPath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
