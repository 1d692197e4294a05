package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentworkforce/doclist/internal/doclist"
	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 200 * time.Millisecond

// ViewWatcher rebuilds the view whenever its filter file changes and hands
// the result to OnChange. Invalid edits are logged and skipped so the
// running view stays in place.
type ViewWatcher struct {
	view     ViewConfig
	onChange func(doclist.View)
	logger   doclist.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
	last  string
}

func NewViewWatcher(view ViewConfig, onChange func(doclist.View), logger doclist.Logger) *ViewWatcher {
	return &ViewWatcher{
		view:     view,
		onChange: onChange,
		logger:   logger,
		debounce: defaultWatchDebounce,
	}
}

// SetDebounce overrides the quiet period between the last file event and
// the reload.
func (w *ViewWatcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Run watches until ctx ends. The parent directory is watched rather than
// the file so editors that replace the file by rename are still seen.
func (w *ViewWatcher) Run(ctx context.Context) error {
	path := w.view.FilterFile
	if path == "" {
		return fmt.Errorf("%w: no filter file to watch", doclist.ErrInvalidInput)
	}
	if current, err := w.view.BuildView(); err == nil {
		w.last = current.Key()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("view watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("view watcher add %s: %w", filepath.Dir(path), err)
	}
	defer w.stopTimer()

	name := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.trigger()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logf("view watcher error: %v", err)
		}
	}
}

func (w *ViewWatcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *ViewWatcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *ViewWatcher) reload() {
	view, err := w.view.BuildView()
	if err != nil {
		w.logf("view file %s rejected: %v", w.view.FilterFile, err)
		return
	}
	key := view.Key()
	w.mu.Lock()
	unchanged := key == w.last
	w.last = key
	w.mu.Unlock()
	if unchanged {
		return
	}
	w.logf("view file %s changed, switching to %s", w.view.FilterFile, key)
	if w.onChange != nil {
		w.onChange(view)
	}
}

func (w *ViewWatcher) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}
