package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce is how long a burst of file events is coalesced before
// the callback runs.
const defaultDebounce = 500 * time.Millisecond

// watchedExtensions are the project files that trigger a reload.
var watchedExtensions = []string{".xml", ".yaml", ".yml", ".env"}

// Watcher reruns a callback when project files change.
type Watcher struct {
	dirs     []string
	callback func()
	debounce time.Duration
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher watches every directory holding one of files. Directories
// are watched rather than files so editors that replace files on save are
// still seen.
func NewWatcher(files []string, callback func(), logger *slog.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	var dirs []string
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}
		dir := filepath.Dir(abs)
		if slices.Contains(dirs, dir) {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch directory: %w", err)
		}
		dirs = append(dirs, dir)
	}

	return &Watcher{
		dirs:     dirs,
		callback: callback,
		debounce: defaultDebounce,
		logger:   logger,
		watcher:  watcher,
	}, nil
}

// Dirs returns the watched directories.
func (w *Watcher) Dirs() []string { return w.dirs }

// Run delivers debounced callbacks until ctx is done, then closes the
// underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	var debounceCh <-chan time.Time

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			w.logger.Debug("file changed", "file", event.Name, "op", event.Op.String())
			// Debounce: reset timer on each event
			timer.Reset(w.debounce)
			debounceCh = timer.C

		case <-debounceCh:
			w.callback()
			debounceCh = nil

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)

		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	return slices.Contains(watchedExtensions, filepath.Ext(event.Name))
}
