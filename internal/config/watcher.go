package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// fingerprint identifies one observed version of the config file. The
// modification time gates re-reading; the digest decides whether the
// content actually changed.
type fingerprint struct {
	modTime time.Time
	digest  [sha256.Size]byte
}

// Watcher polls a config file and hands every valid new version to a
// callback. Polling works on bind mounts and network filesystems where
// change notifications are unreliable.
//
// An edit that fails to parse or validate is logged and skipped; the last
// good config stays current until the file is fixed.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, updated *Config)

	mu      sync.Mutex
	current *Config
	seen    fingerprint

	stop     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultWatchInterval]. Non-positive values are
// ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher reads path once and fails if it does not hold a valid config.
// onChange may be nil. Call [Watcher.Run] to start polling.
func NewWatcher(path string, onChange func(old, updated *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := readVersion(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, fp
	return w, nil
}

// Current returns the last valid config read from the file.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx ends or [Watcher.Stop] is called. It always returns
// nil so it can sit in an errgroup beside other long-running loops.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stop:
			return nil
		case <-t.C:
			if old, updated := w.poll(); updated != nil {
				slog.Info("config reloaded", "path", w.path)
				if w.onChange != nil {
					w.onChange(old, updated)
				}
			}
		}
	}
}

// Stop ends [Watcher.Run]. It is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// poll returns the previous and new config when the file changed to a valid
// config, and a nil updated config otherwise.
func (w *Watcher) poll() (old, updated *Config) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watch: stat failed", "path", w.path, "err", err)
		return nil, nil
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.modTime)
	w.mu.Unlock()
	if unchanged {
		return nil, nil
	}

	cfg, fp, err := readVersion(w.path)
	if err != nil {
		slog.Warn("config watch: keeping previous config", "path", w.path, "err", err)
		return nil, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	sameContent := fp.digest == w.seen.digest
	w.seen = fp
	if sameContent {
		return nil, nil
	}
	old, w.current = w.current, cfg
	return old, cfg
}

// readVersion parses and validates the file at path and fingerprints it.
func readVersion(path string) (*Config, fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{modTime: info.ModTime(), digest: sha256.Sum256(data)}, nil
}
