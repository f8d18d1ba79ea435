package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/pattern"
)

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
	logger   *slog.Logger
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{path: path, logger: logger}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch hot-reloads the config on file changes. A file that fails to parse
// or validate is logged and the previous config stays active.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	return watchFile(l.path, l.logger, func() {
		if _, err := l.Reload(); err != nil {
			l.logger.Warn("config reload failed, keeping previous config", "path", l.path, "err", err)
		}
	})
}

// Reload forces an immediate re-read of the config file.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	l.logger.Info("config reloaded", "path", l.path)
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", l.path, err)
	}
	if cfg.Patterns.File != "" && !filepath.IsAbs(cfg.Patterns.File) {
		cfg.Patterns.File = filepath.Join(filepath.Dir(l.path), cfg.Patterns.File)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML and applies defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeoutMs == 0 {
		cfg.Server.ShutdownTimeoutMs = 10000
	}
	for i := range cfg.Monitors {
		m := &cfg.Monitors[i]
		if m.Kind == "" {
			m.Kind = "generic"
		}
		if m.ScanIntervalMs == 0 {
			m.ScanIntervalMs = 60000
		}
		if m.ReasoningTimeoutMs == 0 {
			m.ReasoningTimeoutMs = 60000
		}
		if m.HistorySize == 0 {
			m.HistorySize = 50
		}
	}
	if cfg.Reasoning.Backend == "" {
		cfg.Reasoning.Backend = "rules"
	}
	if cfg.Reasoning.TimeoutMs == 0 {
		cfg.Reasoning.TimeoutMs = 30000
	}
	if cfg.Reasoning.MaxToolTurns == 0 {
		cfg.Reasoning.MaxToolTurns = 8
	}
	if cfg.Reasoning.APIKeyEnv == "" {
		cfg.Reasoning.APIKeyEnv = "CAMPAIGNWATCH_API_KEY"
	}
	if cfg.Pipeline.Topic == "" {
		cfg.Pipeline.Topic = "fraud.detections"
	}
	if cfg.Pipeline.KnowledgeCollection == "" {
		cfg.Pipeline.KnowledgeCollection = "detections"
	}
	if cfg.Pipeline.BroadcastThreshold == nil {
		t := 0.6
		cfg.Pipeline.BroadcastThreshold = &t
	}
	if cfg.Pipeline.RingSize == 0 {
		cfg.Pipeline.RingSize = 200
	}
	if cfg.Pipeline.SinkTimeoutMs == 0 {
		cfg.Pipeline.SinkTimeoutMs = 5000
	}
	if cfg.Tools.MaxRecords == 0 {
		cfg.Tools.MaxRecords = 5000
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "campaignwatch"
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "campaignwatch:broadcast"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "campaignwatch"
	}
	if cfg.Postgres.DSNEnv == "" {
		cfg.Postgres.DSNEnv = "CAMPAIGNWATCH_POSTGRES_DSN"
	}
	if cfg.Postgres.Table == "" {
		cfg.Postgres.Table = "records"
	}
}

// WatchPatterns reloads the pattern file on change and swaps it into cat.
// A file that fails to load is logged and the previous library stays active.
func WatchPatterns(path string, cat *pattern.Catalog, logger *slog.Logger) (stop func(), err error) {
	if logger == nil {
		logger = slog.Default()
	}
	return watchFile(path, logger, func() {
		if _, err := ReloadPatterns(path, cat); err != nil {
			logger.Warn("pattern reload failed, keeping previous library", "path", path, "err", err)
			return
		}
		logger.Info("patterns reloaded", "path", path, "patterns", cat.Library().Len())
	})
}

// ReloadPatterns loads path and swaps it into cat.
func ReloadPatterns(path string, cat *pattern.Catalog) (*pattern.Library, error) {
	lib, err := pattern.LoadFile(path)
	if err != nil {
		return nil, err
	}
	cat.Swap(lib)
	return lib, nil
}

// watchFile calls fn whenever path is written or re-created.
func watchFile(path string, logger *slog.Logger, fn func()) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("file watcher add %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					fn()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("file watcher error", "path", path, "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}
