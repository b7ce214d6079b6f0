package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDebounce is how long the watcher waits after the last write.
var reloadDebounce = 500 * time.Millisecond

// Reloader watches files for changes and calls reload after each burst of
// writes. It watches the parent directories so editors that replace a file
// by rename are still seen.
type Reloader struct {
	watcher *fsnotify.Watcher
	reload  func() error
	logger  zerolog.Logger
	files   map[string]bool
}

// NewReloader creates a file watcher for the given paths. Empty and
// missing paths are skipped.
func NewReloader(reload func() error, logger zerolog.Logger, paths ...string) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	files := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		files[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
		}
		dirs[dir] = true
	}

	return &Reloader{
		watcher: watcher,
		reload:  reload,
		logger:  logger.With().Str("component", "reloader").Logger(),
		files:   files,
	}, nil
}

// Watching returns the number of files being watched.
func (r *Reloader) Watching() int { return len(r.files) }

// Run watches for file changes and reloads. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if !r.files[filepath.Clean(event.Name)] {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					if err := r.reload(); err != nil {
						r.logger.Error().Err(err).Str("file", event.Name).Msg("hot-reload failed")
					} else {
						r.logger.Info().Str("file", event.Name).Msg("hot-reload: rules reloaded")
					}
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn().Err(err).Msg("file watcher error")
		}
	}
}
