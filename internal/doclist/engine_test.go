package doclist

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mutationResult struct {
	record Record
	err    error
}

func newTestEngine(t *testing.T, remote *fakeRemote, configure func(*Options)) (*Engine, *fakeClock, *memoryCursors) {
	t.Helper()
	clock := newFakeClock()
	cursors := newMemoryCursors()
	opts := Options{
		Remote:   remote,
		Cursors:  cursors,
		Clock:    clock,
		Random:   func() float64 { return 0 },
		NewToken: func() string { return "tok-1" },
	}
	if configure != nil {
		configure(&opts)
	}
	engine, err := NewEngine(View{Workspace: "ws_1"}, opts)
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, clock, cursors
}

func seedTwoRows(remote *fakeRemote) {
	remote.setPage(Page{
		Number:        1,
		PageCount:     1,
		Total:         2,
		ChangesCursor: "c0",
		Records: []Record{
			newRecord("a", "Apple", 1, 2*time.Hour),
			newRecord("b", "Banana", 1, time.Hour),
		},
	})
}

func startEngine(t *testing.T, engine *Engine) {
	t.Helper()
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start engine failed: %v", err)
	}
}

func applyChange(t *testing.T, engine *Engine, change HydratedChange) {
	t.Helper()
	if err := engine.apply(context.Background(), engine.store.Generation(), change); err != nil {
		t.Fatalf("apply change failed: %v", err)
	}
}

func TestNewEngineRequiresRemoteAndWorkspace(t *testing.T) {
	if _, err := NewEngine(View{Workspace: "ws_1"}, Options{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected missing remote to be rejected, got %v", err)
	}
	if _, err := NewEngine(View{Workspace: "  "}, Options{Remote: newFakeRemote()}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected blank workspace to be rejected, got %v", err)
	}
}

func TestEngineStartLoadsFirstPageAndPersistsCursor(t *testing.T) {
	remote := newFakeRemote()
	remote.setPage(Page{Number: 1, PageCount: 2, Total: 3, ChangesCursor: "c0", Records: []Record{
		newRecord("a", "Apple", 1, 2*time.Hour),
		newRecord("b", "Banana", 1, time.Hour),
	}})
	remote.setPage(Page{Number: 2, PageCount: 2, Total: 3, ChangesCursor: "c0", Records: []Record{
		newRecord("c", "Cherry", 1, 0),
	}})
	engine, _, cursors := newTestEngine(t, remote, nil)
	startEngine(t, engine)

	if got := orderedIDs(engine.Rows()); !sameIDs(got, []string{"a", "b"}) {
		t.Fatalf("expected [a b] after first page, got %v", got)
	}
	if got := cursors.get(engine.View().Key()); got != "c0" {
		t.Fatalf("expected snapshot cursor c0 to be persisted, got %q", got)
	}
	if !engine.HasMore() {
		t.Fatalf("expected more pages")
	}
	if err := engine.FetchNextPage(context.Background()); err != nil {
		t.Fatalf("fetch next page failed: %v", err)
	}
	if got := orderedIDs(engine.Rows()); !sameIDs(got, []string{"a", "b", "c"}) {
		t.Fatalf("expected [a b c] after second page, got %v", got)
	}
	if engine.HasMore() {
		t.Fatalf("expected no more pages")
	}
	if err := engine.FetchNextPage(context.Background()); err != nil {
		t.Fatalf("fetch past the end failed: %v", err)
	}
	if got := remote.listCount(); got != 2 {
		t.Fatalf("expected 2 page requests, got %d", got)
	}
}

func TestEngineResumesFromPersistedCursor(t *testing.T) {
	remote := newFakeRemote()
	seedTwoRows(remote)
	engine, _, cursors := newTestEngine(t, remote, nil)
	cursors.cursors[engine.View().Key()] = "c5"
	startEngine(t, engine)

	req, _, ok := engine.subscription()
	if !ok || req.Cursor != "c5" {
		t.Fatalf("expected subscription from c5, got %+v ok=%v", req, ok)
	}
	if req.Workspace != "ws_1" || req.Sort != "" {
		t.Fatalf("unexpected subscription request %+v", req)
	}
}

func TestEngineAppliesFeedEventsAndPersistsCursor(t *testing.T) {
	remote := newFakeRemote()
	seedTwoRows(remote)
	engine, _, cursors := newTestEngine(t, remote, nil)
	startEngine(t, engine)

	applyChange(t, engine, changedEvent(t, newRecord("n", "Newest", 1, 3*time.Hour), "c1", 1))
	if got := orderedIDs(engine.Rows()); !sameIDs(got, []string{"n", "a", "b"}) {
		t.Fatalf("expected [n a b], got %v", got)
	}
	applyChange(t, engine, HydratedChange{ChangeEvent: ChangeEvent{Type: ChangeDeleted, DocumentID: "a", Cursor: "c2"}, Seq: 2})
	if got := orderedIDs(engine.Rows()); !sameIDs(got, []string{"n", "b"}) {
		t.Fatalf("expected [n b] after delete, got %v", got)
	}
	applyChange(t, engine, changedEvent(t, newRecord("b", "Stale", 1, time.Hour), "c3", 3))
	if got := engine.State().RecordsByID["b"].Name; got != "Banana" {
		t.Fatalf("expected stale change to be ignored, got %q", got)
	}
	if got := engine.State().Cursor; got != "c3" {
		t.Fatalf("expected cursor c3, got %q", got)
	}
	if got := cursors.get(engine.View().Key()); got != "c3" {
		t.Fatalf("expected persisted cursor c3, got %q", got)
	}
}

func TestEngineDropsEventsAfterClose(t *testing.T) {
	remote := newFakeRemote()
	seedTwoRows(remote)
	engine, _, _ := newTestEngine(t, remote, nil)
	startEngine(t, engine)
	generation := engine.store.Generation()
	engine.Close()

	if err := engine.apply(context.Background(), generation, changedEvent(t, newRecord("n", "Late", 1, 3*time.Hour), "c1", 1)); err != nil {
		t.Fatalf("apply after close failed: %v", err)
	}
	if engine.State().IndexOf("n") >= 0 {
		t.Fatalf("expected no event to land after close")
	}
}

func TestEngineDefersChangesAboveViewport(t *testing.T) {
	remote := newFakeRemote()
	seedTwoRows(remote)
	engine, _, _ := newTestEngine(t, remote, nil)
	startEngine(t, engine)
	if err := engine.SetScroll(ScrollPosition{FirstVisible: 1}); err != nil {
		t.Fatalf("set scroll failed: %v", err)
	}

	applyChange(t, engine, changedEvent(t, newRecord("n", "Newest", 1, 3*time.Hour), "c1", 1))
	if got := orderedIDs(engine.Rows()); !sameIDs(got, []string{"a", "b"}) {
		t.Fatalf("expected insert above viewport to be withheld, got %v", got)
	}
	if !engine.HasQueued() || len(engine.QueuedChanges()) != 1 {
		t.Fatalf("expected one queued change")
	}
	if got := engine.State().Cursor; got != "" {
		t.Fatalf("expected cursor to wait for the queued change, got %q", got)
	}

	renamed := newRecord("b", "Banana v2", 2, time.Hour)
	applyChange(t, engine, changedEvent(t, renamed, "c2", 2))
	if got := engine.State().RecordsByID["b"].Name; got != "Banana v2" {
		t.Fatalf("expected in-place update to apply immediately, got %q", got)
	}
	if got := engine.State().Cursor; got != "c2" {
		t.Fatalf("expected cursor c2, got %q", got)
	}

	if err := engine.SetScroll(TopOfList()); err != nil {
		t.Fatalf("scroll to top failed: %v", err)
	}
	if got := orderedIDs(engine.Rows()); !sameIDs(got, []string{"n", "a", "b"}) {
		t.Fatalf("expected queued insert applied at top, got %v", got)
	}
	if engine.HasQueued() {
		t.Fatalf("expected queue to be drained")
	}
	if got := engine.State().Cursor; got != "c2" {
		t.Fatalf("expected cursor to stay at c2 after replaying an older change, got %q", got)
	}
}

func TestEngineDeleteDropsQueuedChange(t *testing.T) {
	remote := newFakeRemote()
	seedTwoRows(remote)
	engine, _, _ := newTestEngine(t, remote, nil)
	startEngine(t, engine)
	if err := engine.SetScroll(ScrollPosition{FirstVisible: 2}); err != nil {
		t.Fatalf("set scroll failed: %v", err)
	}

	applyChange(t, engine, changedEvent(t, newRecord("n", "Newest", 1, 3*time.Hour), "c1", 1))
	applyChange(t, engine, HydratedChange{ChangeEvent: ChangeEvent{Type: ChangeDeleted, DocumentID: "n", Cursor: "c2"}, Seq: 2})
	if engine.HasQueued() {
		t.Fatalf("expected delete to drop the queued change")
	}
	if err := engine.ApplyQueuedChanges(); err != nil {
		t.Fatalf("apply queued failed: %v", err)
	}
	if engine.State().IndexOf("n") >= 0 {
		t.Fatalf("expected deleted row not to be resurrected")
	}
}

func TestEngineSuppressesEchoOfPendingMutation(t *testing.T) {
	remote := newFakeRemote()
	seedTwoRows(remote)
	gate := make(chan struct{})
	remote.mutateGate = gate
	remote.mutateFn = func(req MutationRequest) (Record, error) {
		r := newRecord("a", "Apple", 2, 2*time.Hour)
		r.Assignee = req.Assignee
		return r, nil
	}
	engine, _, _ := newTestEngine(t, remote, nil)
	startEngine(t, engine)

	done := make(chan mutationResult, 1)
	go func() {
		r, err := engine.Assign(context.Background(), "a", &Identity{ID: "u_9", Name: "Grace"})
		done <- mutationResult{r, err}
	}()
	waitFor(t, "mutation request", func() bool { return remote.mutationCount() == 1 })

	if got := engine.State().RecordsByID["a"].Assignee; got == nil || got.ID != "u_9" {
		t.Fatalf("expected optimistic assignee, got %+v", got)
	}
	if !engine.IsPending("a") || engine.PendingCount() != 1 {
		t.Fatalf("expected a pending mutation for a")
	}
	req := remote.mutations[0]
	if req.ETag != DefaultETag("a", 1) || req.ClientRequestID != "tok-1" || req.Action != ActionAssign {
		t.Fatalf("unexpected mutation request %+v", req)
	}

	echo := changedEvent(t, newRecord("a", "Renamed elsewhere", 2, 2*time.Hour), "c1", 1)
	echo.ClientRequestID = "tok-1"
	applyChange(t, engine, echo)
	if got := engine.State().RecordsByID["a"]; got.Name != "Apple" || got.Version != 1 {
		t.Fatalf("expected echo not to re-apply, got %+v", got)
	}
	if got := engine.State().Cursor; got != "c1" {
		t.Fatalf("expected echo to advance the cursor, got %q", got)
	}
	if engine.IsPending("a") || engine.PendingCount() != 0 {
		t.Fatalf("expected the echo to retire the request token")
	}
	replayed := changedEvent(t, newRecord("a", "Renamed elsewhere", 2, 2*time.Hour), "c2", 2)
	replayed.ClientRequestID = "tok-1"
	applyChange(t, engine, replayed)
	if got := engine.State().RecordsByID["a"].Name; got != "Renamed elsewhere" {
		t.Fatalf("expected a second copy of the echo to apply, got %q", got)
	}

	close(gate)
	result := <-done
	if result.err != nil {
		t.Fatalf("assign failed: %v", result.err)
	}
	got := engine.State().RecordsByID["a"]
	if got.Version != 2 || got.Assignee == nil || got.Assignee.ID != "u_9" {
		t.Fatalf("expected confirmed row at version 2, got %+v", got)
	}
	if engine.PendingCount() != 0 || engine.IsPending("a") {
		t.Fatalf("expected no pending mutations after confirmation")
	}
}

func TestEngineRollsBackOnConflict(t *testing.T) {
	remote := newFakeRemote()
	seedTwoRows(remote)
	remote.mutateFn = func(req MutationRequest) (Record, error) {
		return Record{}, &ConflictError{ID: req.ID}
	}
	engine, _, _ := newTestEngine(t, remote, nil)
	startEngine(t, engine)

	_, err := engine.ToggleTag(context.Background(), "a", "urgent")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if engine.State().RecordsByID["a"].HasTag("urgent") {
		t.Fatalf("expected optimistic tag to be rolled back")
	}
	if engine.PendingCount() != 0 {
		t.Fatalf("expected no pending mutations after rollback")
	}
	if remote.mutations[0].Action != ActionAddTag {
		t.Fatalf("expected tag.add, got %s", remote.mutations[0].Action)
	}
}

func TestEngineRollbackKeepsLaterLocalEdit(t *testing.T) {
	remote := newFakeRemote()
	seedTwoRows(remote)
	gate := make(chan struct{})
	remote.mutateGate = gate
	remote.mutateFn = func(req MutationRequest) (Record, error) {
		return Record{}, &ConflictError{ID: req.ID}
	}
	engine, _, _ := newTestEngine(t, remote, nil)
	startEngine(t, engine)

	done := make(chan mutationResult, 1)
	go func() {
		r, err := engine.Assign(context.Background(), "a", &Identity{ID: "u_9"})
		done <- mutationResult{r, err}
	}()
	waitFor(t, "mutation request", func() bool { return remote.mutationCount() == 1 })
	if !engine.UpdateRow("a", func(r *Record) { r.Assignee = &Identity{ID: "u_7"} }) {
		t.Fatalf("expected row a to exist")
	}
	close(gate)
	if result := <-done; !errors.Is(result.err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", result.err)
	}
	if got := engine.State().RecordsByID["a"].Assignee; got == nil || got.ID != "u_7" {
		t.Fatalf("expected later local edit to survive the rollback, got %+v", got)
	}
}

func TestEngineDeleteRollsBackRow(t *testing.T) {
	remote := newFakeRemote()
	seedTwoRows(remote)
	remote.mutateFn = func(MutationRequest) (Record, error) {
		return Record{}, &HTTPError{StatusCode: 500, Message: "boom"}
	}
	engine, _, _ := newTestEngine(t, remote, nil)
	startEngine(t, engine)

	if err := engine.Delete(context.Background(), "b"); err == nil {
		t.Fatalf("expected delete to fail")
	}
	if got := orderedIDs(engine.Rows()); !sameIDs(got, []string{"a", "b"}) {
		t.Fatalf("expected b restored after failed delete, got %v", got)
	}

	remote.mu.Lock()
	remote.mutateFn = nil
	remote.mu.Unlock()
	if err := engine.Delete(context.Background(), "b"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if got := orderedIDs(engine.Rows()); !sameIDs(got, []string{"a"}) {
		t.Fatalf("expected [a] after delete, got %v", got)
	}
}

func TestEngineArchiveUndoInsideWindow(t *testing.T) {
	remote := newFakeRemote()
	seedTwoRows(remote)
	engine, clock, _ := newTestEngine(t, remote, func(o *Options) {
		o.ArchiveDelay = 5 * time.Second
	})
	startEngine(t, engine)

	done := make(chan mutationResult, 1)
	go func() {
		r, err := engine.Archive(context.Background(), "a")
		done <- mutationResult{r, err}
	}()
	waitFor(t, "archive window", func() bool { return len(clock.Pending()) == 1 })
	if !engine.State().RecordsByID["a"].Archived {
		t.Fatalf("expected optimistic archive")
	}
	if err := engine.UndoArchive("a"); err != nil {
		t.Fatalf("undo archive failed: %v", err)
	}
	result := <-done
	if result.err != nil {
		t.Fatalf("archive failed: %v", result.err)
	}
	if engine.State().RecordsByID["a"].Archived {
		t.Fatalf("expected archive to be undone")
	}
	if remote.mutationCount() != 0 {
		t.Fatalf("expected no request for an undone archive")
	}
	if err := engine.UndoArchive("a"); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("expected nothing to undo, got %v", err)
	}
}

func TestEngineArchiveSendsAfterWindow(t *testing.T) {
	remote := newFakeRemote()
	seedTwoRows(remote)
	remote.mutateFn = func(MutationRequest) (Record, error) {
		r := newRecord("a", "Apple", 2, 2*time.Hour)
		r.Archived = true
		return r, nil
	}
	engine, clock, _ := newTestEngine(t, remote, func(o *Options) {
		o.ArchiveDelay = 5 * time.Second
	})
	startEngine(t, engine)

	done := make(chan mutationResult, 1)
	go func() {
		r, err := engine.Archive(context.Background(), "a")
		done <- mutationResult{r, err}
	}()
	waitFor(t, "archive window", func() bool { return len(clock.Pending()) == 1 })
	clock.Advance(5 * time.Second)
	result := <-done
	if result.err != nil {
		t.Fatalf("archive failed: %v", result.err)
	}
	if !result.record.Archived || result.record.Version != 2 {
		t.Fatalf("expected confirmed archived row, got %+v", result.record)
	}
	if remote.mutationCount() != 1 || remote.mutations[0].Action != ActionArchive {
		t.Fatalf("expected one archive request, got %+v", remote.mutations)
	}
}

func TestEngineRefreshesAfterHydrationFailure(t *testing.T) {
	remote := newFakeRemote()
	seedTwoRows(remote)
	remote.rowErr = &HTTPError{StatusCode: 503, Message: "unavailable"}
	engine, clock, _ := newTestEngine(t, remote, func(o *Options) {
		o.RefreshDebounce = time.Second
	})
	startEngine(t, engine)

	thin := engine.hydrate(context.Background(), ChangeEvent{Type: ChangeChanged, DocumentID: "x", Cursor: "c1"})
	if thin.Row != nil {
		t.Fatalf("expected hydration to fail")
	}
	applyChange(t, engine, HydratedChange{ChangeEvent: thin, Seq: 1})
	if got := engine.State().Cursor; got != "c1" {
		t.Fatalf("expected unhydrated change to advance the cursor, got %q", got)
	}

	before := remote.listCount()
	clock.Advance(time.Second)
	if got := remote.listCount(); got != before+1 {
		t.Fatalf("expected one debounced refresh request, got %d", got-before)
	}
}

func TestEngineSetViewReloadsWithNewFilter(t *testing.T) {
	remote := newFakeRemote()
	seedTwoRows(remote)
	engine, _, _ := newTestEngine(t, remote, nil)
	startEngine(t, engine)

	view := View{Workspace: "ws_1", Sort: SortSpec{{Field: "name"}}, Filter: mustFilter(t, RawFilter{Predicates: []RawPredicate{{
		ID: "status", Operator: "eq", Value: rawValue(t, "ready"),
	}}})}
	remote.setPage(Page{Number: 1, PageCount: 1, ChangesCursor: "c7", Records: []Record{
		newRecord("b", "Banana", 1, time.Hour),
		newRecord("a", "Apple", 1, 2*time.Hour),
	}})
	if err := engine.SetView(context.Background(), view); err != nil {
		t.Fatalf("set view failed: %v", err)
	}
	if got := orderedIDs(engine.Rows()); !sameIDs(got, []string{"a", "b"}) {
		t.Fatalf("expected name order [a b], got %v", got)
	}
	remote.mu.Lock()
	last := remote.listCalls[len(remote.listCalls)-1]
	remote.mu.Unlock()
	if last.Sort != "name" || last.Filter == "" {
		t.Fatalf("expected new view parameters on request, got %+v", last)
	}
	if got := engine.State().ChangesCursor; got != "c7" {
		t.Fatalf("expected new snapshot cursor c7, got %q", got)
	}
}

func TestEngineUploadProgressSurvivesRefresh(t *testing.T) {
	remote := newFakeRemote()
	seedTwoRows(remote)
	engine, _, _ := newTestEngine(t, remote, nil)
	startEngine(t, engine)

	progress := 0.25
	if !engine.SetUploadProgress("a", &progress) {
		t.Fatalf("expected row a to exist")
	}
	if err := engine.RefreshSnapshot(context.Background()); err != nil {
		t.Fatalf("refresh snapshot failed: %v", err)
	}
	if got := engine.State().RecordsByID["a"]; got.UploadProgress == nil || *got.UploadProgress != 0.25 {
		t.Fatalf("expected upload progress to survive the refresh, got %v", got.UploadProgress)
	}

	remote.setPage(Page{Number: 1, PageCount: 1, Total: 1, ChangesCursor: "c0", Records: []Record{
		newRecord("b", "Banana", 1, time.Hour),
	}})
	if err := engine.RefreshSnapshot(context.Background()); err != nil {
		t.Fatalf("refresh snapshot failed: %v", err)
	}
	if got := orderedIDs(engine.Rows()); !sameIDs(got, []string{"a", "b"}) {
		t.Fatalf("expected uploading row to stay listed when the snapshot omits it, got %v", got)
	}
	applyChange(t, engine, changedEvent(t, newRecord("a", "Apple v2", 2, 2*time.Hour), "c1", 1))
	got := engine.State().RecordsByID["a"]
	if got.UploadProgress == nil || *got.UploadProgress != 0.25 {
		t.Fatalf("expected upload progress to survive the merge, got %v", got.UploadProgress)
	}
}

func TestEngineDeleteRollbackKeepsRelevanceOrder(t *testing.T) {
	remote := newFakeRemote()
	seedTwoRows(remote)
	engine, _, _ := newTestEngine(t, remote, nil)
	startEngine(t, engine)
	if err := engine.SetView(context.Background(), View{Workspace: "ws_1", Filter: FilterSpec{Query: "fruit"}}); err != nil {
		t.Fatalf("set view failed: %v", err)
	}
	if engine.View().SortSupported() {
		t.Fatalf("expected a query view without a sort to keep server order")
	}

	remote.mu.Lock()
	remote.mutateFn = func(req MutationRequest) (Record, error) {
		return Record{}, &ConflictError{ID: req.ID}
	}
	remote.mu.Unlock()
	if err := engine.Delete(context.Background(), "a"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := orderedIDs(engine.Rows()); !sameIDs(got, []string{"a", "b"}) {
		t.Fatalf("expected a restored to its old position, got %v", got)
	}

	if err := engine.UpsertRow(newRecord("u", "Upload", 1, 0)); err != nil {
		t.Fatalf("upsert row failed: %v", err)
	}
	if got := orderedIDs(engine.Rows()); !sameIDs(got, []string{"a", "b", "u"}) {
		t.Fatalf("expected local row appended, got %v", got)
	}
	if err := engine.UpsertRow(newRecord("u", "Upload renamed", 1, 0)); err != nil {
		t.Fatalf("upsert row failed: %v", err)
	}
	if got := orderedIDs(engine.Rows()); !sameIDs(got, []string{"a", "b", "u"}) {
		t.Fatalf("expected update of a held local row to keep its slot, got %v", got)
	}
}

func TestEngineUnhydratedChangeRequestsRefresh(t *testing.T) {
	remote := newFakeRemote()
	seedTwoRows(remote)
	engine, clock, _ := newTestEngine(t, remote, func(o *Options) {
		o.RefreshDebounce = time.Second
	})
	startEngine(t, engine)

	applyChange(t, engine, HydratedChange{ChangeEvent: ChangeEvent{Type: ChangeChanged, DocumentID: "x", Cursor: "c1"}, Seq: 1})
	if got := engine.State().Cursor; got != "c1" {
		t.Fatalf("expected unhydrated change to advance the cursor, got %q", got)
	}
	if pending := clock.Pending(); len(pending) != 1 || pending[0] != time.Second {
		t.Fatalf("expected a debounced refresh to be scheduled, got %v", pending)
	}
	before := remote.listCount()
	clock.Advance(time.Second)
	if got := remote.listCount(); got != before+1 {
		t.Fatalf("expected one refresh request, got %d", got-before)
	}
}

func TestEngineUndoDuringArchiveRequestRestores(t *testing.T) {
	remote := newFakeRemote()
	seedTwoRows(remote)
	gate := make(chan struct{})
	remote.mutateGate = gate
	remote.mutateFn = func(req MutationRequest) (Record, error) {
		r := newRecord("a", "Apple", 2, 2*time.Hour)
		r.ETag = "etag-after-archive"
		r.Archived = true
		if req.Action == ActionRestore {
			r.Version = 3
			r.ETag = "etag-after-restore"
			r.Archived = false
		}
		return r, nil
	}
	engine, _, _ := newTestEngine(t, remote, nil)
	startEngine(t, engine)

	done := make(chan mutationResult, 1)
	go func() {
		r, err := engine.Archive(context.Background(), "a")
		done <- mutationResult{r, err}
	}()
	waitFor(t, "archive request", func() bool { return remote.mutationCount() == 1 })
	if err := engine.UndoArchive("a"); err != nil {
		t.Fatalf("undo archive failed: %v", err)
	}
	close(gate)
	result := <-done
	if result.err != nil {
		t.Fatalf("archive failed: %v", result.err)
	}

	remote.mu.Lock()
	mutations := append([]MutationRequest(nil), remote.mutations...)
	remote.mu.Unlock()
	if len(mutations) != 2 {
		t.Fatalf("expected archive then restore, got %+v", mutations)
	}
	if mutations[0].Action != ActionArchive || mutations[1].Action != ActionRestore {
		t.Fatalf("expected archive then restore, got %s then %s", mutations[0].Action, mutations[1].Action)
	}
	if got := mutations[1].ETag; got != "etag-after-archive" {
		t.Fatalf("expected restore to carry the archive response etag, got %q", got)
	}
	if result.record.Archived || engine.State().RecordsByID["a"].Archived {
		t.Fatalf("expected row a restored")
	}
}

func TestEngineAppliesMoveBelowViewportImmediately(t *testing.T) {
	remote := newFakeRemote()
	remote.setPage(Page{Number: 1, PageCount: 1, Total: 3, ChangesCursor: "c0", Records: []Record{
		newRecord("a", "Apple", 1, 3*time.Hour),
		newRecord("b", "Banana", 1, 2*time.Hour),
		newRecord("c", "Cherry", 1, time.Hour),
	}})
	engine, _, _ := newTestEngine(t, remote, nil)
	startEngine(t, engine)
	if err := engine.SetScroll(ScrollPosition{FirstVisible: 1}); err != nil {
		t.Fatalf("set scroll failed: %v", err)
	}

	applyChange(t, engine, changedEvent(t, newRecord("a", "Apple v2", 2, 0), "c1", 1))
	if engine.HasQueued() {
		t.Fatalf("expected a row leaving the area above the viewport not to be withheld")
	}
	if got := orderedIDs(engine.Rows()); !sameIDs(got, []string{"b", "c", "a"}) {
		t.Fatalf("expected a moved below the viewport, got %v", got)
	}
	if got := engine.State().Cursor; got != "c1" {
		t.Fatalf("expected cursor c1, got %q", got)
	}
}
