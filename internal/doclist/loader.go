package doclist

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type inflightLoad struct {
	generation uint64
	cancel     context.CancelFunc
}

// Loader fetches snapshot pages. At most one request per (view key, page)
// is outstanding; completions from a superseded view are dropped.
type Loader struct {
	store   *Store
	pages   PageSource
	logger  Logger
	metrics *Metrics

	mu       sync.Mutex
	inFlight map[string]inflightLoad
}

func NewLoader(store *Store, pages PageSource, logger Logger, metrics *Metrics) *Loader {
	return &Loader{
		store:    store,
		pages:    pages,
		logger:   logger,
		metrics:  metrics,
		inFlight: map[string]inflightLoad{},
	}
}

func loadKey(view View, page int) string {
	return fmt.Sprintf("%s:%d", view.Key(), page)
}

// LoadPage fetches one page for the current view. A duplicate call while the
// same page is in flight returns nil without issuing a request.
func (l *Loader) LoadPage(ctx context.Context, page int) error {
	if page < 1 {
		return fmt.Errorf("%w: page %d", ErrInvalidInput, page)
	}
	view, generation, _ := l.store.current()
	key := loadKey(view, page)

	l.mu.Lock()
	if _, busy := l.inFlight[key]; busy {
		l.mu.Unlock()
		return nil
	}
	loadCtx, cancel := context.WithCancel(ctx)
	l.inFlight[key] = inflightLoad{generation: generation, cancel: cancel}
	l.mu.Unlock()

	defer func() {
		cancel()
		l.mu.Lock()
		if entry, ok := l.inFlight[key]; ok && entry.generation == generation {
			delete(l.inFlight, key)
		}
		l.mu.Unlock()
	}()

	result, err := l.pages.ListPage(loadCtx, pageRequest(view, page))
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			l.metrics.pageLoad("stale")
			return nil
		}
		l.metrics.pageLoad("error")
		message := err.Error()
		applied, _ := l.store.update(generation, func(state ViewState, _ View) (ViewState, error) {
			state.LastError = message
			return state, nil
		})
		if !applied {
			return nil
		}
		return fmt.Errorf("load page %d: %w", page, err)
	}
	if result.Number == 0 {
		result.Number = page
	}
	applied, err := l.store.update(generation, func(state ViewState, view View) (ViewState, error) {
		return mergePage(state, view, result), nil
	})
	if err != nil {
		return err
	}
	if !applied {
		l.metrics.pageLoad("stale")
		l.logf("dropping stale page %d for %s", page, view.Key())
		return nil
	}
	l.metrics.pageLoad("ok")
	return nil
}

// FetchNextPage loads the page after the last one reached, if any remain.
func (l *Loader) FetchNextPage(ctx context.Context) error {
	state := l.store.Snapshot()
	if state.LastPage == 0 {
		return l.LoadPage(ctx, 1)
	}
	if state.LastPage >= state.PageCount {
		return nil
	}
	return l.LoadPage(ctx, state.LastPage+1)
}

func (l *Loader) HasMore() bool {
	state := l.store.Snapshot()
	return state.LastPage == 0 || state.LastPage < state.PageCount
}

// CancelAll aborts every outstanding page request.
func (l *Loader) CancelAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, entry := range l.inFlight {
		entry.cancel()
		delete(l.inFlight, key)
	}
}

// RefreshSnapshot empties the view and reloads pages 1..N, N being the page
// count reached before the refresh. A non-empty cursor is adopted as the
// applied feed position of the new snapshot.
func (l *Loader) RefreshSnapshot(ctx context.Context, cursor string) error {
	view, _, previous := l.store.current()
	pages := previous.LastPage
	if pages < 1 {
		pages = 1
	}
	l.CancelAll()
	initial := EmptyViewState()
	initial.Cursor = cursor
	initial.ChangesCursor = cursor
	// Rows still uploading keep their progress across the reload.
	for id, r := range previous.RecordsByID {
		if r.UploadProgress != nil {
			initial.RecordsByID[id] = r.Clone()
		}
	}
	generation := l.store.reset(view, initial)

	for page := 1; page <= pages; page++ {
		if err := l.LoadPage(ctx, page); err != nil {
			return err
		}
		state := l.store.Snapshot()
		if state.PageCount > 0 && page >= state.PageCount {
			break
		}
	}
	_, err := l.store.update(generation, func(state ViewState, view View) (ViewState, error) {
		return relistUploads(state, view, previous), nil
	})
	return err
}

// relistUploads puts back uploading rows the reloaded pages did not return,
// so a held row is never missing from the order it matches. Without a local
// ordering only rows that were listed before come back, in their old order.
func relistUploads(state ViewState, view View, previous ViewState) ViewState {
	if view.SortSupported() {
		for id := range previous.RecordsByID {
			if held, ok := state.RecordsByID[id]; ok && held.UploadProgress != nil && state.IndexOf(id) < 0 {
				state, _ = place(state, view, held)
			}
		}
		return state
	}
	for _, id := range previous.OrderedIDs {
		if held, ok := state.RecordsByID[id]; ok && held.UploadProgress != nil && state.IndexOf(id) < 0 {
			state, _ = placeLocal(state, view, held, -1)
		}
	}
	return state
}

func (l *Loader) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}
