package doclist

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type CoordinatorOptions struct {
	// ArchiveDelay holds an optimistic archive locally before the request is
	// sent; an undo inside the window never reaches the server.
	ArchiveDelay time.Duration
	Clock        Clock
	NewToken     func() string
	Logger       Logger
	Metrics      *Metrics
}

type pendingMutation struct {
	id string
}

type archiveEntry struct {
	inFlight      bool
	undoRequested bool
	undo          chan struct{}
}

// Coordinator applies user mutations optimistically, sends them with the
// record's etag and a fresh idempotency token, and either confirms them with
// the server's record or rolls them back.
type Coordinator struct {
	store   *Store
	mutator Mutator
	opts    CoordinatorOptions

	mu       sync.Mutex
	pending  map[string]*pendingMutation
	locks    map[string]chan struct{}
	archives map[string]*archiveEntry
}

func NewCoordinator(store *Store, mutator Mutator, opts CoordinatorOptions) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.NewToken == nil {
		opts.NewToken = func() string { return ulid.Make().String() }
	}
	return &Coordinator{
		store:    store,
		mutator:  mutator,
		opts:     opts,
		pending:  map[string]*pendingMutation{},
		locks:    map[string]chan struct{}{},
		archives: map[string]*archiveEntry{},
	}
}

// mutationSpec describes one action: how to apply it optimistically and how
// to undo it. rollback only restores a field the user has not changed again
// since.
type mutationSpec struct {
	action   MutationAction
	id       string
	assignee *Identity
	tag      string
	apply    func(r *Record)
	rollback func(cur *Record, prior, optimistic Record)
}

type inflightMutation struct {
	c          *Coordinator
	spec       mutationSpec
	generation uint64
	prior      Record
	priorIndex int
	optimistic Record
	token      string
	resolved   bool
}

func (c *Coordinator) begin(spec mutationSpec) (*inflightMutation, error) {
	_, generation, _ := c.store.current()
	m := &inflightMutation{c: c, spec: spec, generation: generation}
	applied, err := c.store.update(generation, func(state ViewState, view View) (ViewState, error) {
		held, ok := state.RecordsByID[spec.id]
		if !ok {
			return state, &NotFoundError{ID: spec.id}
		}
		m.prior = held.Clone()
		m.priorIndex = state.IndexOf(spec.id)
		if spec.action == ActionDelete {
			return dropQueued(ApplyDelete(state, spec.id), spec.id), nil
		}
		m.optimistic = held.Clone()
		spec.apply(&m.optimistic)
		next, _ := place(state, view, m.optimistic)
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: view changed before %s on %s", ErrInvalidInput, spec.action, spec.id)
	}
	m.token = c.opts.NewToken()
	c.mu.Lock()
	c.pending[m.token] = &pendingMutation{id: spec.id}
	c.mu.Unlock()
	return m, nil
}

func (c *Coordinator) acquire(ctx context.Context, id string) (func(), error) {
	c.mu.Lock()
	sem, ok := c.locks[id]
	if !ok {
		sem = make(chan struct{}, 1)
		c.locks[id] = sem
	}
	c.mu.Unlock()
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send issues the request and resolves the mutation. Requests for the same
// record are sent one at a time, each with the etag held when it is sent.
func (m *inflightMutation) send(ctx context.Context) (Record, error) {
	c := m.c
	release, err := c.acquire(ctx, m.spec.id)
	if err != nil {
		m.rollback("cancelled")
		return Record{}, err
	}
	defer release()

	etag := m.prior.ETag
	if held, ok := c.store.Snapshot().RecordsByID[m.spec.id]; ok && held.ETag != "" {
		etag = held.ETag
	}
	result, err := c.mutator.Mutate(ctx, MutationRequest{
		Workspace:       c.store.View().Workspace,
		ID:              m.spec.id,
		Action:          m.spec.action,
		ETag:            etag,
		ClientRequestID: m.token,
		Assignee:        m.spec.assignee,
		Tag:             m.spec.tag,
	})
	if err != nil {
		c.logf("%s %s failed, rolling back: %v", m.spec.action, m.spec.id, err)
		m.rollback("rolled_back")
		return Record{}, fmt.Errorf("%s %s: %w", m.spec.action, m.spec.id, err)
	}
	return m.confirm(result), nil
}

func (m *inflightMutation) confirm(result Record) Record {
	if m.resolved {
		return result
	}
	m.resolved = true
	defer m.c.clearToken(m.token)
	m.c.opts.Metrics.mutation(m.spec.action, "confirmed")

	id := m.spec.id
	var confirmed Record
	_, _ = m.c.store.update(m.generation, func(state ViewState, view View) (ViewState, error) {
		if m.spec.action == ActionDelete {
			return dropQueued(ApplyDelete(state, id), id), nil
		}
		held, ok := state.RecordsByID[id]
		if ok && held.Version > result.Version {
			confirmed = held.Clone()
			return state, nil
		}
		r := result.Clone()
		if r.ID == "" {
			r.ID = id
		}
		r = normalizeRecord(r)
		if ok {
			r.UploadProgress = held.UploadProgress
		}
		confirmed = r.Clone()
		next, _ := place(state, view, r)
		return next, nil
	})
	return confirmed
}

func (m *inflightMutation) rollback(outcome string) {
	if m.resolved {
		return
	}
	m.resolved = true
	defer m.c.clearToken(m.token)
	m.c.opts.Metrics.mutation(m.spec.action, outcome)

	id := m.spec.id
	_, _ = m.c.store.update(m.generation, func(state ViewState, view View) (ViewState, error) {
		if m.spec.action == ActionDelete {
			if _, ok := state.RecordsByID[id]; ok {
				return state, nil
			}
			if m.priorIndex < 0 {
				next, _ := place(state, view, m.prior)
				return next, nil
			}
			next, _ := placeLocal(state, view, m.prior, m.priorIndex)
			return next, nil
		}
		held, ok := state.RecordsByID[id]
		if !ok {
			return state, nil
		}
		restored := held.Clone()
		m.spec.rollback(&restored, m.prior, m.optimistic)
		next, _ := place(state, view, restored)
		return next, nil
	})
}

func (c *Coordinator) run(ctx context.Context, spec mutationSpec) (Record, error) {
	m, err := c.begin(spec)
	if err != nil {
		return Record{}, err
	}
	return m.send(ctx)
}

func (c *Coordinator) clearToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, token)
}

// consumeEcho reports whether a feed event with this client request id is
// the echo of a mutation still pending here, and retires the token so a
// replayed copy of the echo is not suppressed twice.
func (c *Coordinator) consumeEcho(token string) bool {
	if token == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[token]; !ok {
		return false
	}
	delete(c.pending, token)
	return true
}

func (c *Coordinator) IsPending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pending {
		if p.id == id {
			return true
		}
	}
	return false
}

func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func identityEqual(a, b *Identity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

func cloneIdentity(id *Identity) *Identity {
	if id == nil {
		return nil
	}
	out := *id
	return &out
}

func (c *Coordinator) Assign(ctx context.Context, id string, assignee *Identity) (Record, error) {
	return c.run(ctx, mutationSpec{
		action:   ActionAssign,
		id:       id,
		assignee: cloneIdentity(assignee),
		apply: func(r *Record) {
			r.Assignee = cloneIdentity(assignee)
		},
		rollback: func(cur *Record, prior, optimistic Record) {
			if identityEqual(cur.Assignee, optimistic.Assignee) {
				cur.Assignee = cloneIdentity(prior.Assignee)
			}
		},
	})
}

func setTag(r *Record, tag string, on bool) {
	kept := r.Tags[:0:0]
	for _, t := range r.Tags {
		if !strings.EqualFold(t, tag) {
			kept = append(kept, t)
		}
	}
	if on {
		kept = append(kept, tag)
	}
	r.Tags = kept
}

// ToggleTag adds tag when the row lacks it and removes it otherwise.
func (c *Coordinator) ToggleTag(ctx context.Context, id, tag string) (Record, error) {
	held, ok := c.store.Snapshot().RecordsByID[id]
	if !ok {
		return Record{}, &NotFoundError{ID: id}
	}
	on := !held.HasTag(tag)
	action := ActionAddTag
	if !on {
		action = ActionRemoveTag
	}
	return c.run(ctx, mutationSpec{
		action: action,
		id:     id,
		tag:    tag,
		apply: func(r *Record) {
			setTag(r, tag, on)
		},
		rollback: func(cur *Record, prior, optimistic Record) {
			if cur.HasTag(tag) == optimistic.HasTag(tag) {
				setTag(cur, tag, prior.HasTag(tag))
			}
		},
	})
}

func archivedSpec(action MutationAction, id string, archived bool) mutationSpec {
	return mutationSpec{
		action: action,
		id:     id,
		apply: func(r *Record) {
			r.Archived = archived
		},
		rollback: func(cur *Record, prior, optimistic Record) {
			if cur.Archived == optimistic.Archived {
				cur.Archived = prior.Archived
			}
		},
	}
}

func (c *Coordinator) Restore(ctx context.Context, id string) (Record, error) {
	return c.run(ctx, archivedSpec(ActionRestore, id, false))
}

func (c *Coordinator) Delete(ctx context.Context, id string) error {
	_, err := c.run(ctx, mutationSpec{action: ActionDelete, id: id})
	return err
}

// Archive archives id optimistically. If UndoArchive fires before the
// request is sent, the row is reverted locally; if it fires while the
// request is in flight, a compensating restore follows the confirmation.
func (c *Coordinator) Archive(ctx context.Context, id string) (Record, error) {
	entry := &archiveEntry{undo: make(chan struct{})}
	c.mu.Lock()
	if _, busy := c.archives[id]; busy {
		c.mu.Unlock()
		return Record{}, fmt.Errorf("%w: archive of %s already pending", ErrInvalidInput, id)
	}
	c.archives[id] = entry
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.archives, id)
		c.mu.Unlock()
	}()

	m, err := c.begin(archivedSpec(ActionArchive, id, true))
	if err != nil {
		return Record{}, err
	}
	if c.opts.ArchiveDelay > 0 {
		select {
		case <-c.opts.Clock.After(c.opts.ArchiveDelay):
		case <-entry.undo:
		case <-ctx.Done():
			m.rollback("cancelled")
			return Record{}, ctx.Err()
		}
	}

	c.mu.Lock()
	undone := entry.undoRequested
	entry.inFlight = !undone
	c.mu.Unlock()
	if undone {
		m.rollback("undone")
		return c.store.Snapshot().RecordsByID[id].Clone(), nil
	}

	result, err := m.send(ctx)
	if err != nil {
		return Record{}, err
	}
	c.mu.Lock()
	undone = entry.undoRequested
	c.mu.Unlock()
	if undone {
		return c.Restore(ctx, id)
	}
	return result, nil
}

func (c *Coordinator) UndoArchive(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.archives[id]
	if !ok {
		return fmt.Errorf("%w: no archive pending for %s", ErrNothingToUndo, id)
	}
	if entry.undoRequested {
		return nil
	}
	entry.undoRequested = true
	if !entry.inFlight {
		close(entry.undo)
	}
	return nil
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.opts.Logger == nil {
		return
	}
	c.opts.Logger.Printf(format, args...)
}
