package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Reload is one accepted change of a watched config file.
type Reload struct {
	Old  *Config
	New  *Config
	Diff ConfigDiff
}

// Watcher polls a config file and reports content changes that decode and
// validate. Edits that leave the effective config unchanged (comments,
// reordering) update nothing and fire no callback.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func(Reload)
	log      *slog.Logger

	mu       sync.Mutex
	current  *Config
	seen     [sha256.Size]byte // last content hash, valid or not
	rejected bool              // seen failed to load

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s. Zero or negative
// disables polling; call [Watcher.Check] directly.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithWatcherLogger sets the logger. Default: [slog.Default].
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it. The file goes through the
// same environment overrides and validation as [Load]; onReload may be nil.
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current = cfg
	w.seen = sha256.Sum256(data)

	if w.interval > 0 {
		go w.poll()
	} else {
		close(w.stopped)
	}
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight check to finish. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) poll() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if _, err := w.Check(); err != nil {
				w.log.Warn("config reload rejected; keeping the previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Check reads the file once. It reports whether a new config was accepted.
// A file that fails to load returns the error the first time its content
// is seen and is ignored afterwards until it changes again.
func (w *Watcher) Check() (bool, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, fmt.Errorf("config: read %s: %w", w.path, err)
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	if sum == w.seen {
		w.mu.Unlock()
		return false, nil
	}
	w.seen = sum
	cfg, err := parse(data)
	if err != nil {
		w.rejected = true
		w.mu.Unlock()
		return false, err
	}
	w.rejected = false
	old := w.current
	d := Diff(old, cfg)
	if !d.Changed() {
		w.mu.Unlock()
		return false, nil
	}
	w.current = cfg
	w.mu.Unlock()

	w.log.Info("configuration reloaded", "path", w.path, "log_level_changed", d.LogLevelChanged, "restart_required", d.RestartRequired)
	// Outside the lock so the callback may call Current.
	if w.onReload != nil {
		w.onReload(Reload{Old: old, New: cfg, Diff: d})
	}
	return true, nil
}

// Rejected reports whether the latest content of the file failed to load.
func (w *Watcher) Rejected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rejected
}

func parse(data []byte) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
