// Package filewatcher reports debounced changes to files under a set of
// directories. Editors and atomic writers produce bursts of create, write and
// rename events for one logical change; the watcher folds a burst into a
// single Change once the file has been quiet for the debounce period.
package filewatcher

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change describes one settled file change.
type Change struct {
	Path string
	// Removed is set when the file no longer exists once the burst settled.
	Removed bool
}

// Watcher watches directories and reports settled changes to callbacks.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dirs     []string
	patterns []string
	debounce time.Duration
	logger   *slog.Logger

	callbacksMu sync.RWMutex
	callbacks   []func(Change)

	changesMu sync.Mutex
	changes   map[string]time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Watcher. Nothing is watched until Start.
func New(opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsw,
		dirs:     []string{"."},
		patterns: []string{"*"},
		debounce: 300 * time.Millisecond,
		logger:   slog.Default(),
		changes:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "filewatcher")
	return w, nil
}

// OnChange adds a callback. Callbacks run on the watcher goroutine.
func (w *Watcher) OnChange(fn func(Change)) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins watching the configured directories.
func (w *Watcher) Start() error {
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.logger.Debug("Watching directory", "dir", dir)
	}
	go w.loop()
	return nil
}

// Stop ends watching. Pending changes are discarded. Safe to call twice.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.tick())
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod || !w.matches(event.Name) {
				continue
			}
			w.changesMu.Lock()
			w.changes[event.Name] = time.Now()
			w.changesMu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)
		case <-ticker.C:
			w.settle()
		}
	}
}

// tick polls for settled changes a few times per debounce period.
func (w *Watcher) tick() time.Duration {
	if t := w.debounce / 4; t > 10*time.Millisecond {
		return t
	}
	return 10 * time.Millisecond
}

func (w *Watcher) settle() {
	now := time.Now()
	var settled []string
	w.changesMu.Lock()
	for path, at := range w.changes {
		if now.Sub(at) >= w.debounce {
			settled = append(settled, path)
			delete(w.changes, path)
		}
	}
	w.changesMu.Unlock()

	for _, path := range settled {
		_, err := os.Stat(path)
		change := Change{Path: path, Removed: errors.Is(err, fs.ErrNotExist)}
		w.logger.Debug("File changed", "file", path, "removed", change.Removed)
		w.notify(change)
	}
}

func (w *Watcher) notify(change Change) {
	w.callbacksMu.RLock()
	callbacks := append([]func(Change){}, w.callbacks...)
	w.callbacksMu.RUnlock()

	for _, fn := range callbacks {
		fn(change)
	}
}

func (w *Watcher) matches(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.patterns {
		matched, err := filepath.Match(pattern, base)
		if err != nil {
			w.logger.Error("Pattern match error", "pattern", pattern, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
