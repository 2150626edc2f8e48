// Package watcher triggers a pipeline run when the export file changes on
// disk. Exports are usually replaced atomically (write temp, rename), so
// the parent directory is watched and events are filtered by name and
// debounced before a run fires.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher debounces filesystem events on one export path into run
// triggers.
type Watcher struct {
	path     string
	debounce time.Duration
	log      zerolog.Logger
}

// New builds a watcher for the export at path.
func New(path string, debounce time.Duration, log zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		log:      log.With().Str("component", "watcher").Logger(),
	}
}

// Watch blocks until ctx is done, invoking onChange after each debounced
// burst of writes to the export. A failing run is logged and the watch
// continues; the next export refresh retries it.
func (w *Watcher) Watch(ctx context.Context, onChange func(context.Context) error) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsWatcher.Close()

	dir := filepath.Dir(w.path)
	if err := fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.log.Info().Str("path", w.path).Dur("debounce", w.debounce).Msg("watching export")

	base := filepath.Base(w.path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watch error")

		case <-timerC:
			timer = nil
			timerC = nil
			w.log.Info().Str("path", w.path).Msg("export changed, running")
			if err := onChange(ctx); err != nil {
				w.log.Error().Err(err).Msg("triggered run failed")
			}
		}
	}
}
