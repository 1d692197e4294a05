package doclist

import (
	"sort"
)

// ScrollPosition is what the consuming view reports about its viewport.
type ScrollPosition struct {
	AnchoredTop  bool
	FirstVisible int
}

func TopOfList() ScrollPosition {
	return ScrollPosition{AnchoredTop: true}
}

// shouldDefer reports whether applying change now would insert or move a row
// at or above the first visible index while the viewer is scrolled away
// from the head.
func shouldDefer(state ViewState, view View, change HydratedChange, scroll ScrollPosition) bool {
	if scroll.AnchoredTop || change.Type != ChangeChanged || change.Row == nil {
		return false
	}
	if !view.SortSupported() {
		return false
	}
	next, _, err := ApplyUpsert(state, view, change)
	if err != nil {
		return false
	}
	idx := next.IndexOf(change.DocumentID)
	if idx < 0 || idx > scroll.FirstVisible {
		return false
	}
	return state.IndexOf(change.DocumentID) != idx
}

// enqueue withholds change, ignoring a second copy of the same cursor.
func enqueue(state ViewState, change HydratedChange) ViewState {
	for _, queued := range state.QueuedChanges {
		if queued.Cursor == change.Cursor {
			return state
		}
	}
	next := state.clone()
	next.QueuedChanges = append(next.QueuedChanges, change)
	return next
}

// dropQueued forgets withheld changes for id, so a later replay cannot
// resurrect a deleted row.
func dropQueued(state ViewState, id string) ViewState {
	kept := state.QueuedChanges[:0:0]
	for _, queued := range state.QueuedChanges {
		if queued.DocumentID != id {
			kept = append(kept, queued)
		}
	}
	if len(kept) == len(state.QueuedChanges) {
		return state
	}
	next := state.clone()
	next.QueuedChanges = kept
	return next
}

// applyQueued replays withheld changes in cursor order and moves the
// applied cursor to the last of them.
func applyQueued(state ViewState, view View) (ViewState, bool, error) {
	if len(state.QueuedChanges) == 0 {
		return state, false, nil
	}
	queued := append([]HydratedChange(nil), state.QueuedChanges...)
	sort.SliceStable(queued, func(i, j int) bool { return queued[i].Seq < queued[j].Seq })

	next := state.clone()
	next.QueuedChanges = nil
	requiresRefresh := false
	for _, change := range queued {
		applied, refresh, err := ApplyUpsert(next, view, change)
		if err != nil {
			return state, false, err
		}
		next = applied
		requiresRefresh = requiresRefresh || refresh
	}
	last := queued[len(queued)-1]
	next = advanceCursor(next, last.Cursor, last.Seq)
	return next, requiresRefresh, nil
}
