package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk. Only the
// filter section is expected to change at runtime; the reload callback
// receives the full re-parsed config and decides what to apply.
type Watcher struct {
	path     string
	debounce time.Duration

	onReload func(*Config)
	onError  func(error)

	fsWatcher *fsnotify.Watcher
	mu        sync.Mutex
	pending   *time.Timer
	wg        sync.WaitGroup
}

// NewWatcher creates a watcher for the given config path. onReload is
// called with the freshly loaded config after each change; onError may
// be nil.
func NewWatcher(path string, onReload func(*Config), onError func(error)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:      path,
		debounce:  250 * time.Millisecond,
		onReload:  onReload,
		onError:   onError,
		fsWatcher: fsWatcher,
	}

	// Watch the directory, not the file: editors rename over the file
	// and the original inode stops receiving events.
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return w, nil
}

// Start runs the watch loop until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-w.fsWatcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.scheduleReload()

			case err, ok := <-w.fsWatcher.Errors:
				if !ok {
					return
				}
				if w.onError != nil {
					w.onError(err)
				}
			}
		}
	}()
}

// Stop closes the watcher and waits for the loop to exit.
func (w *Watcher) Stop() error {
	err := w.fsWatcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()

	return err
}

// scheduleReload debounces bursts of write events into one reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	w.onReload(cfg)
}
