package doclist

import (
	"sync"
)

// Store holds the only mutable reference to a view's state. Every mutation
// goes through update, so the ordering invariants hold after each one.
type Store struct {
	mu         sync.RWMutex
	view       View
	generation uint64
	state      ViewState
	observers  []func(ViewState)
}

func NewStore(view View) *Store {
	return &Store{
		view:       view,
		generation: 1,
		state:      EmptyViewState(),
	}
}

func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Snapshot returns the current state. The returned value must be treated as
// read-only; Rows returns copies safe to modify.
func (s *Store) Snapshot() ViewState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Store) current() (View, uint64, ViewState) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view, s.generation, s.state
}

func (s *Store) Observe(fn func(ViewState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// update applies fn when generation still matches (0 matches any). It
// reports whether the transition ran.
func (s *Store) update(generation uint64, fn func(ViewState, View) (ViewState, error)) (bool, error) {
	s.mu.Lock()
	if generation != 0 && generation != s.generation {
		s.mu.Unlock()
		return false, nil
	}
	next, err := fn(s.state, s.view)
	if err != nil {
		s.mu.Unlock()
		return true, err
	}
	s.state = next
	observers := s.observers
	s.mu.Unlock()
	for _, observe := range observers {
		observe(next)
	}
	return true, nil
}

// reset replaces the view and clears state to empty, invalidating every
// operation started under the previous generation.
func (s *Store) reset(view View, initial ViewState) uint64 {
	s.mu.Lock()
	s.view = view
	s.generation++
	if initial.RecordsByID == nil {
		initial.RecordsByID = map[string]Record{}
	}
	s.state = initial
	generation := s.generation
	observers := s.observers
	s.mu.Unlock()
	for _, observe := range observers {
		observe(initial)
	}
	return generation
}

// invalidate bumps the generation without touching state, so nothing
// started before it can apply afterwards.
func (s *Store) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
}
