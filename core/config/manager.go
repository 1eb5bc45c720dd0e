package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/klikkflow/flowsync/core/collab"
	"github.com/klikkflow/flowsync/core/storage"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrManagerClosed = errors.New("config manager is closed")
)

const (
	DriverModernc = "sqlite"
	DriverCgo     = "sqlite3"
)

type Config struct {
	Collab  CollabConfig  `yaml:"collab"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

type CollabConfig struct {
	HistoryCapacity int            `yaml:"history_capacity"`
	ConflictWindow  time.Duration  `yaml:"conflict_window"`
	DefaultStrategy string         `yaml:"default_strategy"`
	MaxSessions     int            `yaml:"max_sessions"`
	JournalEntries  int            `yaml:"journal_entries"`
	Policies        []PolicyConfig `yaml:"policies"`
}

// PolicyConfig routes conflicts on paths matching Pattern to Strategy.
type PolicyConfig struct {
	Pattern  string `yaml:"pattern"`
	Strategy string `yaml:"strategy"`
}

type StorageConfig struct {
	Enabled bool `yaml:"enabled"`
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver       string `yaml:"driver"`
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	// CacheMaxCost bounds the in-memory snapshot cache, in bytes.
	CacheMaxCost int64 `yaml:"cache_max_cost"`
	// BackupRetention is how many snapshot database backups to keep.
	BackupRetention int `yaml:"backup_retention"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Collab: CollabConfig{
			HistoryCapacity: collab.DefaultHistoryCapacity,
			ConflictWindow:  collab.DefaultConflictWindow,
			DefaultStrategy: collab.StrategySmartMerge,
			MaxSessions:     collab.DefaultMaxSessions,
			JournalEntries:  10000,
		},
		Storage: StorageConfig{
			Driver:          DriverModernc,
			MaxOpenConns:    4,
			CacheMaxCost:    64 << 20,
			BackupRetention: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// PathPolicies compiles the configured policies.
func (c CollabConfig) PathPolicies() ([]collab.PathPolicy, error) {
	policies := make([]collab.PathPolicy, 0, len(c.Policies))
	for _, p := range c.Policies {
		policy, err := collab.NewPathPolicy(p.Pattern, p.Strategy)
		if err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}
	return policies, nil
}

func (c *Config) Validate() error {
	if c.Collab.HistoryCapacity <= 0 {
		return fmt.Errorf("%w: collab.history_capacity must be positive", ErrInvalidConfig)
	}
	if c.Collab.ConflictWindow <= 0 {
		return fmt.Errorf("%w: collab.conflict_window must be positive", ErrInvalidConfig)
	}
	if c.Collab.DefaultStrategy == "" {
		return fmt.Errorf("%w: collab.default_strategy is empty", ErrInvalidConfig)
	}
	for i, p := range c.Collab.Policies {
		if p.Strategy == "" {
			return fmt.Errorf("%w: collab.policies[%d] has no strategy", ErrInvalidConfig, i)
		}
	}
	if _, err := c.Collab.PathPolicies(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch c.Storage.Driver {
	case DriverModernc, DriverCgo:
	default:
		return fmt.Errorf("%w: storage.driver %q", ErrInvalidConfig, c.Storage.Driver)
	}
	if c.Storage.BackupRetention < 0 {
		return fmt.Errorf("%w: storage.backup_retention must not be negative", ErrInvalidConfig)
	}
	if _, err := c.Log.level(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: log.format %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// Manager holds the active configuration. Readers call Get; Load and Reload
// swap in a new value and notify OnChange callbacks.
type Manager struct {
	config      atomic.Pointer[Config]
	dirs        *storage.Dirs
	projectRoot string
	file        string
	overrides   *Config
	logger      *slog.Logger

	watchers  []func(*Config)
	watcherMu sync.RWMutex

	watchMu   sync.Mutex
	watcher   *fsnotify.Watcher
	stopWatch chan struct{}
	watchOnce sync.Once
	closed    bool
}

type Option func(*Manager)

// WithConfigFile adds an explicit config file, read after the standard
// locations. Unlike those, it must exist.
func WithConfigFile(path string) Option {
	return func(m *Manager) {
		m.file = path
	}
}

func WithProjectRoot(root string) Option {
	return func(m *Manager) {
		m.projectRoot = root
	}
}

// WithOverrides merges overrides on top of files and environment. Only
// non-zero fields take effect.
func WithOverrides(overrides *Config) Option {
	return func(m *Manager) {
		m.overrides = overrides
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewManager(dirs *storage.Dirs, opts ...Option) *Manager {
	m := &Manager{
		dirs:        dirs,
		projectRoot: ".",
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		stopWatch:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.config.Store(DefaultConfig())
	return m
}

func (m *Manager) Get() *Config {
	return m.config.Load()
}

// Load reads, in increasing precedence: defaults, the project config, the
// user config, the project-local config, the explicit file, FLOWSYNC_*
// environment variables and overrides.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	for _, path := range m.searchPaths() {
		if err := loadYAMLFile(path, cfg, false); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	if m.file != "" {
		if err := loadYAMLFile(m.file, cfg, true); err != nil {
			return fmt.Errorf("load %s: %w", m.file, err)
		}
	}

	applyEnvironment(cfg)
	if m.overrides != nil {
		Merge(cfg, m.overrides)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.config.Store(cfg)
	m.notifyWatchers(cfg)
	return nil
}

func (m *Manager) searchPaths() []string {
	project := storage.ResolveProjectDirs(m.projectRoot)
	paths := []string{project.Config}
	if m.dirs != nil {
		paths = append(paths, m.dirs.ConfigFile())
	}
	return append(paths, filepath.Join(project.Local, "config.yaml"))
}

func (m *Manager) watchedFiles() []string {
	paths := m.searchPaths()
	if m.file != "" {
		paths = append(paths, m.file)
	}
	return paths
}

func loadYAMLFile(path string, cfg *Config, required bool) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) && !required {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvironment(cfg *Config) {
	if v := os.Getenv("FLOWSYNC_HISTORY_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Collab.HistoryCapacity = n
		}
	}
	if v := os.Getenv("FLOWSYNC_CONFLICT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Collab.ConflictWindow = d
		}
	}
	if v := os.Getenv("FLOWSYNC_DEFAULT_STRATEGY"); v != "" {
		cfg.Collab.DefaultStrategy = v
	}
	if v := os.Getenv("FLOWSYNC_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Collab.MaxSessions = n
		}
	}
	if v := os.Getenv("FLOWSYNC_STORAGE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.Enabled = b
		}
	}
	if v := os.Getenv("FLOWSYNC_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("FLOWSYNC_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("FLOWSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FLOWSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

func (m *Manager) Reload() error {
	return m.Load()
}

// Watch reloads the configuration whenever one of the config files is
// written, until ctx is done or the manager is closed. A reload that fails
// keeps the previous configuration.
func (m *Manager) Watch(ctx context.Context) error {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if m.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}

	files := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, path := range m.watchedFiles() {
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	m.watcher = watcher
	go m.watchLoop(ctx, watcher, files)
	return nil
}

// watchLoop runs until ctx is done or the manager closes, then releases the
// watcher so a later Watch can start a new one.
func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, files map[string]bool) {
	defer func() {
		watcher.Close()
		m.watchMu.Lock()
		if m.watcher == watcher {
			m.watcher = nil
		}
		m.watchMu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopWatch:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event, files)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (m *Manager) handleEvent(event fsnotify.Event, files map[string]bool) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil || !files[abs] {
		return
	}
	if err := m.Reload(); err != nil {
		m.logger.Error("config reload failed", "file", abs, "error", err)
		return
	}
	m.logger.Info("config reloaded", "file", abs)
}

func (m *Manager) Close() error {
	m.watchMu.Lock()
	m.closed = true
	m.watchMu.Unlock()

	m.watchOnce.Do(func() {
		close(m.stopWatch)
	})
	return nil
}
