// Package watch re-triggers compositing when new frames land next to a glob pattern.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"startrails/internal/fsutil"
)

// Watcher monitors the directory of a glob pattern and reports batches of matching
// files once writes have settled for the debounce interval.
type Watcher struct {
	watcher  *fsnotify.Watcher
	pattern  string
	dir      string
	debounce time.Duration
	ignore   map[string]struct{}
	log      *slog.Logger
}

// New watches the directory holding pattern. Paths in ignore (typically the composite
// output itself) never trigger.
func New(pattern string, debounce time.Duration, ignore []string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, err
	}
	dir, _ := fsutil.SplitPattern(pattern)
	if !fsutil.IsDir(dir) {
		return nil, errors.New("watch directory does not exist: " + dir)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		pattern:  absOrClean(pattern),
		dir:      dir,
		debounce: debounce,
		ignore:   make(map[string]struct{}, len(ignore)),
		log:      logger,
	}
	for _, p := range ignore {
		w.ignore[absOrClean(p)] = struct{}{}
	}
	logger.Info("watching directory", "dir", dir, "pattern", pattern, "debounce", debounce)
	return w, nil
}

// Run delivers settled batches of changed files to trigger until ctx is cancelled. The
// watcher is closed when Run returns.
func (w *Watcher) Run(ctx context.Context, trigger func(changed []string)) error {
	defer w.watcher.Close()

	pending := make(map[string]struct{})
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			pending[absOrClean(event.Name)] = struct{}{}
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			clear(pending)
			w.log.Debug("new frames settled", "files", len(changed))
			trigger(changed)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}
	name := absOrClean(event.Name)
	if _, skip := w.ignore[name]; skip {
		return false
	}
	return fsutil.MatchesPattern(w.pattern, name)
}

func absOrClean(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
