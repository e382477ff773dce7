package knowledge

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Watcher polls the registered documents for changes and reloads the
// registry when any of them is added, removed, or modified. It uses polling
// (not fsnotify) to keep dependencies minimal; the stat-based fingerprint
// makes each idle poll cheap.
type Watcher struct {
	registry *Registry
	interval time.Duration
	onReload func()

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 30 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher starts watching the registry's documents in a background
// goroutine. The registry should already be loaded; onReload, if non-nil,
// runs after every successful reload.
func NewWatcher(registry *Registry, onReload func(), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		registry: registry,
		interval: 30 * time.Second,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	go w.poll()
	return w
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

// poll runs in a background goroutine, checking the documents periodically.
func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check compares the current document fingerprint against the loaded
// snapshot's and reloads on mismatch. A failed reload keeps the old
// snapshot serving.
func (w *Watcher) check() {
	snap := w.registry.snap.Load()
	if snap == nil {
		return
	}
	if w.registry.statFingerprint() == snap.fingerprint {
		return
	}

	if err := w.registry.Load(context.Background()); err != nil {
		slog.Warn("knowledge watcher: reload failed, keeping previous snapshot", "err", err)
		return
	}

	slog.Info("knowledge watcher: context documents reloaded")
	if w.onReload != nil {
		w.onReload()
	}
}
