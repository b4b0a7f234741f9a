package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/goclaw/ordersaga/pkg/logger"
)

// Watcher reloads the config file when it changes and hands the new Config to the
// registered callbacks, but only when a hot-reloadable value actually moved. Everything
// else in the file needs a restart.
//
// The parent directory is watched rather than the file so that editors and config-map
// mounts that replace the file by rename are still seen.
type Watcher struct {
	path      string
	overrides map[string]any
	debounce  time.Duration
	log       logger.Logger

	mu        sync.Mutex
	callbacks []func(*Config)
	current   HotReloadableConfig
	running   bool

	fs       *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce coalesces bursts of file events; the reload runs once the file has been
// quiet for d.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithOverrides re-applies command-line overrides on every reload.
func WithOverrides(overrides map[string]any) WatcherOption {
	return func(w *Watcher) { w.overrides = overrides }
}

// WithWatcherLogger sets the logger for reload outcomes.
func WithWatcherLogger(l logger.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher prepares a watcher for path. current is the running configuration, used to
// detect whether a reload changed anything; it may be nil.
func NewWatcher(path string, current *Config, opts ...WatcherOption) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config path is required for watching")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	w := &Watcher{
		path:     abs,
		debounce: 500 * time.Millisecond,
		log:      logger.Global(),
		fs:       fsw,
		stopCh:   make(chan struct{}),
	}
	if current != nil {
		w.current = ExtractHotReloadable(current)
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("config_path", abs)
	return w, nil
}

// OnChange registers fn. Callbacks run in registration order on the watch goroutine.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

// Watch blocks until ctx is done or Stop is called.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("config watcher already running")
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			w.reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Config watcher error", "error", err)
		}
	}
}

// reload keeps the running configuration when the new file does not load or validate.
func (w *Watcher) reload() {
	cfg, err := NewLoader().Load(w.path, w.overrides)
	if err != nil {
		w.log.Error("Config reload rejected", "error", err)
		return
	}

	hot := ExtractHotReloadable(cfg)
	w.mu.Lock()
	if !hot.Changed(w.current) {
		w.mu.Unlock()
		w.log.Debug("Config file changed without hot-reloadable differences")
		return
	}
	w.current = hot
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.log.Info("Config reloaded", "log_level", hot.LogLevel, "demo_enabled", hot.DemoEnabled,
		"consumer_retries", hot.ConsumerRetries)
	for _, fn := range callbacks {
		w.notify(fn, cfg)
	}
}

func (w *Watcher) notify(fn func(*Config), cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Config callback panicked", "panic", r)
		}
	}()
	fn(cfg)
}

// Stop ends Watch and releases the file watcher. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.fs.Close()
	})
	return err
}

func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// ConfigPath returns the absolute path being watched.
func (w *Watcher) ConfigPath() string {
	return w.path
}

// HotReloadableConfig is the subset of Config applied without a restart.
type HotReloadableConfig struct {
	LogLevel        string
	DemoEnabled     bool
	DemoOrders      int
	ConsumerRetries int
}

func ExtractHotReloadable(cfg *Config) HotReloadableConfig {
	return HotReloadableConfig{
		LogLevel:        cfg.Log.Level,
		DemoEnabled:     cfg.Demo.Enabled,
		DemoOrders:      cfg.Demo.Orders,
		ConsumerRetries: cfg.Broker.Consumer.Retry.MaxRetries,
	}
}

// Changed reports whether any hot-reloadable value differs.
func (h HotReloadableConfig) Changed(other HotReloadableConfig) bool {
	return h != other
}

// ApplyLogLevel returns a callback that moves log to the reloaded level.
func ApplyLogLevel(log logger.Logger) func(*Config) {
	return func(cfg *Config) {
		level := logger.ParseLevel(cfg.Log.Level)
		if log.GetLevel() == level {
			return
		}
		log.SetLevel(level)
		log.Info("Log level reloaded", "level", level.String())
	}
}
