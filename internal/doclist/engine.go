package doclist

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Options struct {
	Remote  Remote
	Cursors CursorStore
	Logger  Logger
	Metrics *Metrics
	Clock   Clock
	Random  func() float64

	BaseDelay          time.Duration
	MaxDelay           time.Duration
	Jitter             float64
	HydrateConcurrency int
	// HydrateLimit paces row-by-id fetches; zero means unlimited.
	HydrateLimit    rate.Limit
	HydrateBurst    int
	RefreshDebounce time.Duration
	ArchiveDelay    time.Duration
	NewToken        func() string
	OnFeedState     func(FeedState)
}

const defaultRefreshDebounce = time.Second

// Engine owns one live document list: the store, its loader, the change
// feed consumer and the mutation coordinator. Consumers read rows and call
// the exported operations; none of them touch state directly.
type Engine struct {
	store     *Store
	loader    *Loader
	hydrator  *Hydrator
	consumer  *Consumer
	mutations *Coordinator
	refresher *debouncer
	cursors   CursorStore
	logger    Logger
	metrics   *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	scrollMu sync.Mutex
	scroll   ScrollPosition

	savedMu sync.Mutex
	saved   string
}

func NewEngine(view View, opts Options) (*Engine, error) {
	if opts.Remote == nil {
		return nil, fmt.Errorf("%w: remote is required", ErrInvalidInput)
	}
	view.Workspace = strings.TrimSpace(view.Workspace)
	if view.Workspace == "" {
		return nil, fmt.Errorf("%w: workspace is required", ErrInvalidInput)
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Jitter == 0 {
		opts.Jitter = defaultJitter
	}
	if opts.RefreshDebounce <= 0 {
		opts.RefreshDebounce = defaultRefreshDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:   NewStore(view),
		cursors: opts.Cursors,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		scroll:  TopOfList(),
	}
	e.store.Observe(e.metrics.observe)
	e.loader = NewLoader(e.store, opts.Remote, opts.Logger, opts.Metrics)
	e.refresher = newDebouncer(opts.Clock, opts.RefreshDebounce, func() {
		if err := e.RefreshSnapshot(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logf("debounced refresh failed: %v", err)
		}
	})
	var limiter *rate.Limiter
	if opts.HydrateLimit > 0 {
		burst := opts.HydrateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.HydrateLimit, burst)
	}
	e.hydrator = NewHydrator(opts.Remote, limiter, e.requestRefresh, opts.Logger)
	e.mutations = NewCoordinator(e.store, opts.Remote, CoordinatorOptions{
		ArchiveDelay: opts.ArchiveDelay,
		Clock:        opts.Clock,
		NewToken:     opts.NewToken,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
	})
	e.consumer = newConsumer(opts.Remote, e, ConsumerOptions{
		BaseDelay:          opts.BaseDelay,
		MaxDelay:           opts.MaxDelay,
		Jitter:             opts.Jitter,
		HydrateConcurrency: opts.HydrateConcurrency,
		Clock:              opts.Clock,
		Random:             opts.Random,
		Logger:             opts.Logger,
		Metrics:            opts.Metrics,
		OnStateChange:      opts.OnFeedState,
	})
	return e, nil
}

// Start restores the persisted cursor for the view and loads the first
// page.
func (e *Engine) Start(ctx context.Context) error {
	view := e.store.View()
	initial := EmptyViewState()
	initial.Cursor = e.loadCursor(ctx, view)
	e.store.reset(view, initial)
	if err := e.loader.LoadPage(ctx, 1); err != nil {
		return err
	}
	e.persistCursor(ctx)
	e.consumer.Wake()
	return nil
}

// Run consumes the change feed until ctx ends or the engine is closed.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()
	return e.consumer.Run(runCtx)
}

// Close tears the engine down: open connections, pending page loads and the
// debounced refresh are abandoned and no later event reaches the store.
func (e *Engine) Close() {
	e.cancel()
	e.refresher.Stop()
	e.loader.CancelAll()
	e.store.invalidate()
}

// SetView switches to a new view: state is cleared, loads for the old view
// are abandoned, and the feed reconnects for the new key.
func (e *Engine) SetView(ctx context.Context, view View) error {
	view.Workspace = strings.TrimSpace(view.Workspace)
	if view.Workspace == "" {
		return fmt.Errorf("%w: workspace is required", ErrInvalidInput)
	}
	e.loader.CancelAll()
	initial := EmptyViewState()
	initial.Cursor = e.loadCursor(ctx, view)
	e.savedMu.Lock()
	e.saved = ""
	e.savedMu.Unlock()
	e.store.reset(view, initial)
	e.consumer.Restart()
	if err := e.loader.LoadPage(ctx, 1); err != nil {
		return err
	}
	e.persistCursor(ctx)
	e.consumer.Wake()
	return nil
}

func (e *Engine) View() View {
	return e.store.View()
}

func (e *Engine) State() ViewState {
	return e.store.Snapshot()
}

func (e *Engine) Rows() []Record {
	return e.store.Snapshot().Rows()
}

func (e *Engine) FeedState() FeedState {
	return e.consumer.State()
}

func (e *Engine) FetchNextPage(ctx context.Context) error {
	return e.loader.FetchNextPage(ctx)
}

func (e *Engine) HasMore() bool {
	return e.loader.HasMore()
}

// RefreshSnapshot reloads every page reached so far and reconnects the feed
// from the new snapshot's position.
func (e *Engine) RefreshSnapshot(ctx context.Context) error {
	e.metrics.refresh()
	if err := e.loader.RefreshSnapshot(ctx, ""); err != nil {
		return err
	}
	e.consumer.Restart()
	e.persistCursor(ctx)
	return nil
}

func (e *Engine) requestRefresh() {
	e.refresher.Trigger()
}

// UpdateRow changes a held row locally, e.g. to track upload progress. It
// reports whether the row exists.
func (e *Engine) UpdateRow(id string, fn func(*Record)) bool {
	found := false
	_, _ = e.store.update(0, func(state ViewState, view View) (ViewState, error) {
		held, ok := state.RecordsByID[id]
		if !ok {
			return state, nil
		}
		found = true
		r := held.Clone()
		fn(&r)
		r.ID = id
		next, _ := place(state, view, r)
		return next, nil
	})
	return found
}

func (e *Engine) SetUploadProgress(id string, progress *float64) bool {
	return e.UpdateRow(id, func(r *Record) {
		r.UploadProgress = progress
	})
}

// UpsertRow inserts or replaces a row locally without a version check.
func (e *Engine) UpsertRow(r Record) error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: row id is required", ErrInvalidInput)
	}
	_, err := e.store.update(0, func(state ViewState, view View) (ViewState, error) {
		row := normalizeRecord(r.Clone())
		if _, held := state.RecordsByID[row.ID]; held {
			next, _ := place(state, view, row)
			return next, nil
		}
		next, _ := placeLocal(state, view, row, -1)
		return next, nil
	})
	return err
}

func (e *Engine) RemoveRow(id string) {
	_, _ = e.store.update(0, func(state ViewState, _ View) (ViewState, error) {
		return dropQueued(ApplyDelete(state, id), id), nil
	})
}

// SetScroll records the viewport; returning to the head of the list replays
// any withheld changes.
func (e *Engine) SetScroll(pos ScrollPosition) error {
	e.scrollMu.Lock()
	e.scroll = pos
	e.scrollMu.Unlock()
	if pos.AnchoredTop {
		return e.ApplyQueuedChanges()
	}
	return nil
}

func (e *Engine) scrollPosition() ScrollPosition {
	e.scrollMu.Lock()
	defer e.scrollMu.Unlock()
	return e.scroll
}

func (e *Engine) QueuedChanges() []HydratedChange {
	return append([]HydratedChange(nil), e.store.Snapshot().QueuedChanges...)
}

func (e *Engine) HasQueued() bool {
	return len(e.store.Snapshot().QueuedChanges) > 0
}

// ApplyQueuedChanges replays withheld changes in cursor order ("show
// updates").
func (e *Engine) ApplyQueuedChanges() error {
	refresh := false
	_, err := e.store.update(0, func(state ViewState, view View) (ViewState, error) {
		next, requiresRefresh, err := applyQueued(state, view)
		refresh = requiresRefresh
		return next, err
	})
	if err != nil {
		return err
	}
	if refresh {
		e.requestRefresh()
	}
	e.persistCursor(e.ctx)
	return nil
}

func (e *Engine) Assign(ctx context.Context, id string, assignee *Identity) (Record, error) {
	return e.mutations.Assign(ctx, id, assignee)
}

func (e *Engine) ToggleTag(ctx context.Context, id, tag string) (Record, error) {
	return e.mutations.ToggleTag(ctx, id, tag)
}

func (e *Engine) Archive(ctx context.Context, id string) (Record, error) {
	return e.mutations.Archive(ctx, id)
}

func (e *Engine) UndoArchive(id string) error {
	return e.mutations.UndoArchive(id)
}

func (e *Engine) Restore(ctx context.Context, id string) (Record, error) {
	return e.mutations.Restore(ctx, id)
}

func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.mutations.Delete(ctx, id)
}

func (e *Engine) IsPending(id string) bool {
	return e.mutations.IsPending(id)
}

func (e *Engine) PendingCount() int {
	return e.mutations.PendingCount()
}

func (e *Engine) subscription() (SubscribeRequest, uint64, bool) {
	view, generation, state := e.store.current()
	cursor := state.Cursor
	if cursor == "" {
		cursor = state.ChangesCursor
	}
	if cursor == "" {
		return SubscribeRequest{}, generation, false
	}
	return subscribeRequest(view, cursor), generation, true
}

func (e *Engine) hydrate(ctx context.Context, change ChangeEvent) ChangeEvent {
	return e.hydrator.Hydrate(ctx, e.store.View().Workspace, change)
}

func isStale(state ViewState, change HydratedChange) bool {
	held, ok := state.RecordsByID[change.DocumentID]
	return ok && held.Version > 0 && incomingVersion(change) <= held.Version
}

// apply routes one hydrated event: echoes of local writes only consume
// their token, deletes and below-window changes apply at once, and changes
// that would shift rows above the viewport are queued.
func (e *Engine) apply(ctx context.Context, generation uint64, change HydratedChange) error {
	if e.mutations.consumeEcho(change.ClientRequestID) {
		applied, _ := e.store.update(generation, func(state ViewState, _ View) (ViewState, error) {
			return advanceCursor(state, change.Cursor, change.Seq), nil
		})
		if applied {
			e.metrics.event("echo")
			e.persistCursor(ctx)
		}
		return nil
	}

	scroll := e.scrollPosition()
	outcome := "applied"
	refresh := false
	applied, _ := e.store.update(generation, func(state ViewState, view View) (ViewState, error) {
		switch {
		case change.Type == ChangeDeleted:
			outcome = "deleted"
			next := dropQueued(ApplyDelete(state, change.DocumentID), change.DocumentID)
			return advanceCursor(next, change.Cursor, change.Seq), nil
		case !change.Hydrated():
			outcome = "unhydrated"
			refresh = true
			return advanceCursor(state, change.Cursor, change.Seq), nil
		case isStale(state, change):
			outcome = "stale"
			return advanceCursor(state, change.Cursor, change.Seq), nil
		case shouldDefer(state, view, change, scroll):
			outcome = "queued"
			return enqueue(state, change), nil
		}
		next, requiresRefresh, err := ApplyUpsert(state, view, change)
		if err != nil {
			outcome = "dropped"
			e.logf("dropping change %s for %s: %v", change.Cursor, change.DocumentID, err)
			return advanceCursor(state, change.Cursor, change.Seq), nil
		}
		refresh = requiresRefresh
		return advanceCursor(next, change.Cursor, change.Seq), nil
	})
	if !applied {
		return nil
	}
	e.metrics.event(outcome)
	if refresh {
		e.requestRefresh()
	}
	e.persistCursor(ctx)
	return nil
}

func (e *Engine) resync(ctx context.Context, cursor string) error {
	e.metrics.refresh()
	if err := e.loader.RefreshSnapshot(ctx, cursor); err != nil {
		return err
	}
	e.persistCursor(ctx)
	return nil
}

func (e *Engine) loadCursor(ctx context.Context, view View) string {
	if e.cursors == nil {
		return ""
	}
	cursor, err := e.cursors.LoadCursor(ctx, view.Key())
	if err != nil {
		e.logf("load cursor for %s failed: %v", view.Workspace, err)
		return ""
	}
	return cursor
}

func (e *Engine) persistCursor(ctx context.Context) {
	if e.cursors == nil {
		return
	}
	view, _, state := e.store.current()
	cursor := state.Cursor
	if cursor == "" {
		cursor = state.ChangesCursor
	}
	e.savedMu.Lock()
	defer e.savedMu.Unlock()
	if cursor == "" || cursor == e.saved {
		return
	}
	if err := e.cursors.SaveCursor(context.WithoutCancel(ctx), view.Key(), cursor); err != nil {
		e.logf("save cursor for %s failed: %v", view.Workspace, err)
		return
	}
	e.saved = cursor
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
