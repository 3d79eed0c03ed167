// Package lockscreen tracks whether the local session is locked.
//
// On Linux the state is fed by the desktop screensaver over D-Bus. On
// other platforms the watcher reports unlocked unless overridden, which
// keeps the notification pipeline usable everywhere.
package lockscreen

import (
	"context"
	"sync"

	"islandd/internal/logging"
)

// Watcher reports the lock state of the local session.
type Watcher struct {
	logger *logging.Logger

	mu        sync.RWMutex
	locked    bool
	overriden bool
	listeners []func(locked bool)

	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewWatcher creates a watcher. It reports unlocked until Start has
// probed the platform state.
func NewWatcher(logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Watcher{logger: logger.WithComponent("lockscreen")}
}

// Start begins watching the platform lock state. Errors from the
// platform probe are logged, not fatal: without a desktop bus the
// watcher simply stays unlocked.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.stop = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.watchPlatform(ctx); err != nil {
			w.logger.Warn("lock state unavailable, assuming unlocked", "error", err)
		}
	}()
}

// Stop ends watching and waits for the platform loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	cancel := w.stop
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

// Locked reports the current lock state.
func (w *Watcher) Locked() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.locked
}

// OnChange registers a listener invoked on every lock state transition.
// Listeners run on the watcher goroutine and must not block.
func (w *Watcher) OnChange(fn func(locked bool)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// SetLocked overrides the lock state. Subsequent platform updates are
// ignored; intended for tests and headless deployments.
func (w *Watcher) SetLocked(locked bool) {
	w.mu.Lock()
	w.overriden = true
	w.mu.Unlock()
	w.update(locked, true)
}

// update applies a state change and notifies listeners. Platform
// updates are dropped once an override is in place.
func (w *Watcher) update(locked, override bool) {
	w.mu.Lock()
	if w.overriden && !override {
		w.mu.Unlock()
		return
	}
	if w.locked == locked {
		w.mu.Unlock()
		return
	}
	w.locked = locked
	listeners := make([]func(bool), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()

	w.logger.Debug("lock state changed", "locked", locked)
	for _, fn := range listeners {
		fn(locked)
	}
}
