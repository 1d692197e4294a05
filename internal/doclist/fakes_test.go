package doclist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newRecord(id, name string, version int64, createdOffset time.Duration) Record {
	return Record{
		ID:        id,
		Version:   version,
		Name:      name,
		Status:    StatusReady,
		CreatedAt: baseTime.Add(createdOffset),
		UpdatedAt: baseTime.Add(createdOffset),
	}
}

func changedEvent(t *testing.T, r Record, cursor string, seq uint64) HydratedChange {
	t.Helper()
	patch, err := PatchFromRecord(r)
	if err != nil {
		t.Fatalf("encode row failed: %v", err)
	}
	return HydratedChange{
		ChangeEvent: ChangeEvent{
			Type:            ChangeChanged,
			DocumentID:      r.ID,
			DocumentVersion: r.Version,
			Row:             patch,
			Cursor:          cursor,
		},
		Seq: seq,
	}
}

func rawValue(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal value failed: %v", err)
	}
	return data
}

func mustFilter(t *testing.T, raw RawFilter) FilterSpec {
	t.Helper()
	spec, err := ParseFilter(raw)
	if err != nil {
		t.Fatalf("parse filter failed: %v", err)
	}
	return spec
}

func orderedIDs(rows []Record) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ID)
	}
	return out
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	delay   time.Duration
	ch      chan time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: baseTime}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, at: c.now.Add(d), delay: d, ch: make(chan time.Time, 1)}
	c.timers = append(c.timers, timer)
	return timer.ch
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, at: c.now.Add(d), delay: d, fn: f}
	c.timers = append(c.timers, timer)
	return timer
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

// Advance moves time forward and fires every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	kept := c.timers[:0]
	for _, timer := range c.timers {
		switch {
		case timer.stopped || timer.fired:
		case !timer.at.After(c.now):
			timer.fired = true
			due = append(due, timer)
		default:
			kept = append(kept, timer)
		}
	}
	c.timers = kept
	now := c.now
	c.mu.Unlock()
	for _, timer := range due {
		if timer.fn != nil {
			timer.fn()
			continue
		}
		timer.ch <- now
	}
}

// Pending returns the delays of timers not yet fired or stopped.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired {
			out = append(out, timer.delay)
		}
	}
	return out
}

type streamItem struct {
	event ChangeEvent
	err   error
}

type fakeStream struct {
	items  chan streamItem
	mu     sync.Mutex
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{items: make(chan streamItem, 16)}
}

func (s *fakeStream) send(event ChangeEvent) {
	s.items <- streamItem{event: event}
}

func (s *fakeStream) fail(err error) {
	s.items <- streamItem{err: err}
}

func (s *fakeStream) Next(ctx context.Context) (ChangeEvent, error) {
	select {
	case item := <-s.items:
		return item.event, item.err
	case <-ctx.Done():
		return ChangeEvent{}, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeRemote struct {
	mu sync.Mutex

	pages     map[int]Page
	listCalls []PageRequest
	listGate  chan struct{}

	rows    map[string]Record
	rowErr  error
	rowHits int
	rowGate chan struct{}

	mutations  []MutationRequest
	mutateFn   func(MutationRequest) (Record, error)
	mutateGate chan struct{}

	streams      chan *fakeStream
	subscribeErr []error
	subscribes   []SubscribeRequest
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		pages:   map[int]Page{},
		rows:    map[string]Record{},
		streams: make(chan *fakeStream, 4),
	}
}

func (f *fakeRemote) setPage(page Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[page.Number] = page
}

func (f *fakeRemote) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listCalls)
}

func (f *fakeRemote) ListPage(ctx context.Context, req PageRequest) (Page, error) {
	f.mu.Lock()
	f.listCalls = append(f.listCalls, req)
	gate := f.listGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Page{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[req.Page]
	if !ok {
		return Page{}, &HTTPError{StatusCode: 500, Message: fmt.Sprintf("no page %d", req.Page)}
	}
	return page, nil
}

func (f *fakeRemote) GetRow(ctx context.Context, _ string, id string) (Record, error) {
	f.mu.Lock()
	f.rowHits++
	gate := f.rowGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rowErr != nil {
		return Record{}, f.rowErr
	}
	r, ok := f.rows[id]
	if !ok {
		return Record{}, &NotFoundError{ID: id}
	}
	return r, nil
}

func (f *fakeRemote) mutationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mutations)
}

func (f *fakeRemote) Mutate(ctx context.Context, req MutationRequest) (Record, error) {
	f.mu.Lock()
	f.mutations = append(f.mutations, req)
	gate := f.mutateGate
	fn := f.mutateFn
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
	if fn != nil {
		return fn(req)
	}
	return Record{}, nil
}

func (f *fakeRemote) Subscribe(ctx context.Context, req SubscribeRequest) (Stream, error) {
	f.mu.Lock()
	f.subscribes = append(f.subscribes, req)
	var err error
	if len(f.subscribeErr) > 0 {
		err = f.subscribeErr[0]
		f.subscribeErr = f.subscribeErr[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	select {
	case stream := <-f.streams:
		return stream, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeRemote) subscribeCursors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subscribes))
	for _, req := range f.subscribes {
		out = append(out, req.Cursor)
	}
	return out
}

type memoryCursors struct {
	mu      sync.Mutex
	cursors map[string]string
	saves   int
}

func newMemoryCursors() *memoryCursors {
	return &memoryCursors{cursors: map[string]string{}}
}

func (m *memoryCursors) LoadCursor(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[key], nil
}

func (m *memoryCursors) SaveCursor(_ context.Context, key, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[key] = cursor
	m.saves++
	return nil
}

func (m *memoryCursors) get(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[key]
}
