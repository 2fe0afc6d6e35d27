package filewatcher

import (
	"log/slog"
	"time"
)

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDirs sets the directories to watch. Subdirectories are not included.
func WithDirs(dirs ...string) Option {
	return func(w *Watcher) {
		if len(dirs) > 0 {
			w.dirs = dirs
		}
	}
}

// WithPatterns restricts changes to base names matching any of the
// filepath.Match patterns.
func WithPatterns(patterns ...string) Option {
	return func(w *Watcher) {
		if len(patterns) > 0 {
			w.patterns = patterns
		}
	}
}

// WithDebounce sets how long a file must be quiet before its change is
// reported.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}
