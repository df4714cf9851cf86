package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/assischat/assischat/internal/llm"
)

// Live holds the current configuration and swaps it on file changes.
// Settings snapshots taken before a swap keep their values.
type Live struct {
	path   string
	v      *viper.Viper
	cur    atomic.Pointer[Config]
	cache  atomic.Pointer[valueCache]
	logger *slog.Logger

	mu        sync.Mutex // serializes Update and reloads
	listeners []func(*Config)
}

// NewLive loads path (or the default location when empty).
func NewLive(path string, logger *slog.Logger) (*Live, error) {
	if path == "" {
		p, err := GetConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if logger == nil {
		logger = slog.Default()
	}
	v := newViper(path)
	if err := readConfig(v); err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	l := &Live{path: path, v: v, logger: logger}
	l.cache.Store(&valueCache{})
	l.cur.Store(cfg)
	return l, nil
}

// Path is the backing file.
func (l *Live) Path() string { return l.path }

// Current returns the active configuration. Callers must not modify it; use
// Clone and Update instead.
func (l *Live) Current() *Config { return l.cur.Load() }

// SetLogger replaces the logger used for reload messages. The config has to
// be loaded before the logging settings it carries are known.
func (l *Live) SetLogger(logger *slog.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = logger
}

// Settings resolves modelRef against the active configuration. External
// references are resolved once per configuration and then served from memory.
func (l *Live) Settings(modelRef string) (llm.Settings, error) {
	return l.Current().settings(modelRef, l.cache.Load().resolve)
}

// OnChange registers fn to run after every reload or Update.
func (l *Live) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Update applies edit to a copy of the active configuration, saves it and
// makes it active.
func (l *Live) Update(edit func(*Config)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.Current().Clone()
	edit(next)
	if err := Save(l.path, next); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	l.swap(next)
	return nil
}

// Watch reloads the file whenever it changes. A reload that fails keeps the
// previous configuration. It is a no-op when the file does not exist yet.
func (l *Live) Watch() {
	if _, err := os.Stat(l.path); err != nil {
		l.logger.Debug("config file absent, not watching", "path", l.path)
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.reload(e.Name)
	})
	l.v.WatchConfig()
}

func (l *Live) reload(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := decode(l.v)
	if err != nil {
		l.logger.Warn("config reload failed, keeping previous", "path", name, "error", err)
		return
	}
	l.logger.Info("config reloaded", "path", name, "default_provider", cfg.DefaultProvider)
	l.swap(cfg)
}

// swap is called with l.mu held.
func (l *Live) swap(cfg *Config) {
	l.cache.Store(&valueCache{})
	l.cur.Store(cfg)
	for _, fn := range l.listeners {
		fn(cfg)
	}
}
