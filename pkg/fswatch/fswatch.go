// Package fswatch reports debounced changes to files below a set of paths.
//
// Files are watched through their parent directory, so editors that save by
// writing a temporary file and renaming it over the original are still seen.
// Directories are watched recursively as they exist when the watch starts.
package fswatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long a burst of events must be quiet before a
// change is reported.
const DefaultDebounce = 500 * time.Millisecond

// relevant are the operations that can change what a loader reads.
const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

// Watcher watches paths and reports debounced changes on C.
type Watcher struct {
	fsw      *fsnotify.Watcher
	match    func(name string) bool
	debounce time.Duration
	logger   zerolog.Logger

	// C receives a value after each quiet burst of matching events. A
	// change that arrives while the previous one is still unread is folded
	// into it.
	C chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithMatch only reports events for names accepted by match.
func WithMatch(match func(name string) bool) Option {
	return func(w *Watcher) { w.match = match }
}

// WithDebounce sets the quiet period. Non-positive values keep the default.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// New starts watching the directories for paths. Paths that do not exist
// are skipped with a warning.
func New(paths []string, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		match:    func(string) bool { return true },
		debounce: DefaultDebounce,
		logger:   zerolog.Nop(),
		C:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, dir := range Dirs(paths) {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn().Err(err).Str("path", dir).Msg("Failed to watch directory")
		}
	}
	return w, nil
}

// Run delivers changes until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&relevant == 0 || !w.match(event.Name) {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("File changed")
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Watcher error")

		case <-timer.C:
			select {
			case w.C <- struct{}{}:
			default:
			}
		}
	}
}

// Dirs returns the directories to watch for paths: the parent of each file
// and every directory below each directory.
func Dirs(paths []string) []string {
	seen := make(map[string]bool)
	var dirs []string
	add := func(dir string) {
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			add(filepath.Dir(p))
			continue
		}
		_ = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err == nil && d.IsDir() {
				add(path)
			}
			return nil
		})
	}
	return dirs
}
