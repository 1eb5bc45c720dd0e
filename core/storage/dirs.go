// Package storage resolves where flowsync keeps configuration, snapshots and
// logs, following XDG conventions where the platform has them.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
)

const appName = "flowsync"

// Dirs holds the per-user base directories.
type Dirs struct {
	Config string // config.yaml
	Data   string // snapshot databases
	Cache  string
	State  string // logs, locks
}

// ProjectDirs are the directories inside a workflow project checkout.
type ProjectDirs struct {
	Root   string // .flowsync/
	Config string // .flowsync/config.yaml (committed)
	Local  string // .flowsync/local/ (gitignored)
}

var (
	globalDirs     *Dirs
	globalDirsOnce sync.Once
	globalDirsErr  error
)

// ResolveDirs returns the platform directories. The result is cached.
func ResolveDirs() (*Dirs, error) {
	globalDirsOnce.Do(func() {
		globalDirs, globalDirsErr = resolveDirsImpl()
	})
	return globalDirs, globalDirsErr
}

func resolveDirsImpl() (*Dirs, error) {
	return &Dirs{
		Config: resolveDir("XDG_CONFIG_HOME", platformConfigDefault()),
		Data:   resolveDir("XDG_DATA_HOME", platformDataDefault()),
		Cache:  resolveDir("XDG_CACHE_HOME", platformCacheDefault()),
		State:  resolveDir("XDG_STATE_HOME", platformStateDefault()),
	}, nil
}

func resolveDir(envVar, fallback string) string {
	if dir := os.Getenv(envVar); dir != "" {
		return filepath.Join(dir, appName)
	}
	return fallback
}

func ResolveProjectDirs(projectRoot string) *ProjectDirs {
	root := filepath.Join(projectRoot, "."+appName)
	return &ProjectDirs{
		Root:   root,
		Config: filepath.Join(root, "config.yaml"),
		Local:  filepath.Join(root, "local"),
	}
}

// ProjectHash is a short stable id for a project path, used to keep one
// snapshot database per project.
func ProjectHash(projectRoot string) string {
	absPath, err := filepath.Abs(projectRoot)
	if err != nil {
		absPath = projectRoot
	}
	hash := sha256.Sum256([]byte(absPath))
	return hex.EncodeToString(hash[:8])
}

// EnsureDir creates path with perm, defaulting to 0700.
func EnsureDir(path string, perm os.FileMode) error {
	if perm == 0 {
		perm = 0700
	}
	return os.MkdirAll(path, perm)
}

func (d *Dirs) ConfigDir(subpath ...string) string {
	return filepath.Join(append([]string{d.Config}, subpath...)...)
}

func (d *Dirs) DataDir(subpath ...string) string {
	return filepath.Join(append([]string{d.Data}, subpath...)...)
}

func (d *Dirs) CacheDir(subpath ...string) string {
	return filepath.Join(append([]string{d.Cache}, subpath...)...)
}

func (d *Dirs) StateDir(subpath ...string) string {
	return filepath.Join(append([]string{d.State}, subpath...)...)
}

// ConfigFile is the user-level config file.
func (d *Dirs) ConfigFile() string {
	return d.ConfigDir("config.yaml")
}

// SnapshotDB is the default snapshot database location.
func (d *Dirs) SnapshotDB() string {
	return d.DataDir("snapshots.db")
}

// ProjectSnapshotDB is the snapshot database for one project.
func (d *Dirs) ProjectSnapshotDB(projectRoot string) string {
	return d.DataDir("projects", ProjectHash(projectRoot), "snapshots.db")
}

// BackupDir holds copies of the snapshot database.
func (d *Dirs) BackupDir() string {
	return d.DataDir("backups")
}

func (d *Dirs) LogDir() string {
	return d.StateDir("logs")
}

// EnsureAll creates the base directories. Config is kept private (0700).
func (d *Dirs) EnsureAll() error {
	if err := EnsureDir(d.Config, 0700); err != nil {
		return err
	}
	for _, dir := range []string{d.Data, d.DataDir("projects"), d.BackupDir(), d.Cache, d.State, d.LogDir()} {
		if err := EnsureDir(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
