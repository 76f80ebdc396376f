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

// ChangeFunc is called after a successful reload with the previous config,
// the new one and their [Diff].
type ChangeFunc func(old, new *Config, d ConfigDiff)

// Watcher polls a config file and calls a [ChangeFunc] whenever its content
// changes and still validates. Invalid edits are logged and the previous
// config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	sum     [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and starts polling it in a background
// goroutine. The initial load must succeed.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.mtime, w.sum = snap.cfg, snap.mtime, snap.sum

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Reload re-reads the file immediately, ignoring the modification time, and
// reports whether a new config was applied.
func (w *Watcher) Reload() (bool, error) {
	return w.apply(true)
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if _, err := w.apply(false); err != nil {
				slog.Warn("config watcher: reload failed, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// apply loads the file if it looks modified (or force is set) and swaps it in
// when its content hash differs from the current one.
func (w *Watcher) apply(force bool) (bool, error) {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return false, fmt.Errorf("config: stat %q: %w", w.path, err)
		}
		w.mu.Lock()
		unchanged := info.ModTime().Equal(w.mtime)
		w.mu.Unlock()
		if unchanged {
			return false, nil
		}
	}

	snap, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	w.mtime = snap.mtime
	if snap.sum == w.sum {
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.sum = snap.cfg, snap.sum
	w.mu.Unlock()

	d := Diff(old, snap.cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"stream_changed", d.StreamChanged,
		"vocabulary_changed", d.VocabularyChanged,
	)
	if d.RestartRequired {
		slog.Warn("config watcher: provider, store or server changes need a restart to take effect", "path", w.path)
	}

	// Called without the lock so the callback may use Current.
	if w.onChange != nil {
		w.onChange(old, snap.cfg, d)
	}
	return true, nil
}

type fileSnapshot struct {
	cfg   *Config
	mtime time.Time
	sum   [sha256.Size]byte
}

// read parses and validates the file and returns it with its SHA-256 sum and
// modification time.
func (w *Watcher) read() (fileSnapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return fileSnapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fileSnapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return fileSnapshot{}, err
	}
	return fileSnapshot{cfg: cfg, mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
