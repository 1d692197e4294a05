package doclist

import (
	"encoding/json"
	"maps"
	"sort"
)

// ViewState is the full local picture of one view. Transitions never modify
// a ViewState in place; they return a new one sharing nothing mutable with
// the old.
type ViewState struct {
	RecordsByID map[string]Record
	// OrderedIDs holds the ids matching the filter, in sort order.
	OrderedIDs []string
	// Cursor is the last feed position fully applied; CursorSeq is the local
	// arrival number of that event.
	Cursor    string
	CursorSeq uint64
	// ChangesCursor is the feed position the current snapshot was taken at.
	ChangesCursor string
	QueuedChanges []HydratedChange

	LastPage  int
	PageCount int
	Total     int
	LastError string
}

func EmptyViewState() ViewState {
	return ViewState{RecordsByID: map[string]Record{}}
}

func (s ViewState) clone() ViewState {
	out := s
	out.RecordsByID = maps.Clone(s.RecordsByID)
	if out.RecordsByID == nil {
		out.RecordsByID = map[string]Record{}
	}
	out.OrderedIDs = append([]string(nil), s.OrderedIDs...)
	out.QueuedChanges = append([]HydratedChange(nil), s.QueuedChanges...)
	return out
}

// Rows returns the records of OrderedIDs in order.
func (s ViewState) Rows() []Record {
	out := make([]Record, 0, len(s.OrderedIDs))
	for _, id := range s.OrderedIDs {
		if r, ok := s.RecordsByID[id]; ok {
			out = append(out, r.Clone())
		}
	}
	return out
}

func (s ViewState) IndexOf(id string) int {
	for i, candidate := range s.OrderedIDs {
		if candidate == id {
			return i
		}
	}
	return -1
}

func removeID(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// insertOrdered places id by binary search over ids. The position search is
// O(log n); the splice is O(n).
func insertOrdered(ids []string, records map[string]Record, r Record, spec SortSpec) []string {
	idx := sort.Search(len(ids), func(i int) bool {
		return Compare(records[ids[i]], r, spec) > 0
	})
	return insertAt(ids, idx, r.ID)
}

func insertAt(ids []string, idx int, id string) []string {
	if idx < 0 || idx > len(ids) {
		idx = len(ids)
	}
	ids = append(ids, "")
	copy(ids[idx+1:], ids[idx:])
	ids[idx] = id
	return ids
}

// place stores r and repositions it under view. It is the single path every
// row mutation takes, remote or local.
func place(state ViewState, view View, r Record) (ViewState, bool) {
	next := state.clone()
	next.RecordsByID[r.ID] = r
	if !view.SortSupported() {
		return next, true
	}
	match, requiresRefresh := Matches(r, view.Filter)
	next.OrderedIDs = removeID(next.OrderedIDs, r.ID)
	if match {
		next.OrderedIDs = insertOrdered(next.OrderedIDs, next.RecordsByID, r, view.EffectiveSort())
	}
	return next, requiresRefresh
}

// placeLocal is place for a row the user put in the list: a new local row
// or one restored after a failed delete. Without a local ordering the row
// goes back to index at, or last when at is negative, instead of vanishing
// from the list until the next refresh.
func placeLocal(state ViewState, view View, r Record, at int) (ViewState, bool) {
	next, requiresRefresh := place(state, view, r)
	if view.SortSupported() || next.IndexOf(r.ID) >= 0 {
		return next, requiresRefresh
	}
	next.OrderedIDs = insertAt(next.OrderedIDs, at, r.ID)
	return next, requiresRefresh
}

func incomingVersion(change HydratedChange) int64 {
	if change.DocumentVersion > 0 {
		return change.DocumentVersion
	}
	if raw, ok := change.Row["version"]; ok {
		var v int64
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return 0
}

// ApplyUpsert merges one hydrated changed-event. Unhydrated and stale events
// return state unchanged. requiresRefresh is set when the result cannot be
// ordered or filtered locally.
func ApplyUpsert(state ViewState, view View, change HydratedChange) (ViewState, bool, error) {
	if change.Type != ChangeChanged || change.Row == nil {
		return state, false, nil
	}
	version := incomingVersion(change)
	existing, ok := state.RecordsByID[change.DocumentID]
	if ok && existing.Version > 0 && version <= existing.Version {
		return state, false, nil
	}
	if !ok {
		existing = Record{ID: change.DocumentID}
	}
	merged, err := mergeRecord(existing, change.Row)
	if err != nil {
		return state, false, err
	}
	merged.ID = change.DocumentID
	if merged.Version < version {
		merged.Version = version
		if _, hasETag := change.Row["etag"]; !hasETag {
			merged.ETag = DefaultETag(merged.ID, merged.Version)
		}
	}
	next, requiresRefresh := place(state, view, merged)
	return next, requiresRefresh, nil
}

// ApplyDelete removes id from the store and the ordering. Unknown ids are a
// no-op.
func ApplyDelete(state ViewState, id string) ViewState {
	if _, ok := state.RecordsByID[id]; !ok && state.IndexOf(id) < 0 {
		return state
	}
	next := state.clone()
	delete(next.RecordsByID, id)
	next.OrderedIDs = removeID(next.OrderedIDs, id)
	return next
}

// advanceCursor moves the applied cursor forward; events older than the one
// already applied never move it back.
func advanceCursor(state ViewState, cursor string, seq uint64) ViewState {
	if cursor == "" || (seq != 0 && seq <= state.CursorSeq) {
		return state
	}
	state.Cursor = cursor
	if seq != 0 {
		state.CursorSeq = seq
	}
	return state
}

// mergePage folds one snapshot page into state. Held rows keep their
// UploadProgress and are never replaced by an older version.
func mergePage(state ViewState, view View, page Page) ViewState {
	next := state.clone()
	if page.Number <= 1 {
		next.OrderedIDs = nil
	}
	sorted := view.SortSupported()
	effective := view.EffectiveSort()
	for _, incoming := range page.Records {
		r := normalizeRecord(incoming.Clone())
		if existing, ok := next.RecordsByID[r.ID]; ok {
			if existing.Version > r.Version {
				r = existing
			} else {
				r.UploadProgress = existing.UploadProgress
			}
		}
		next.RecordsByID[r.ID] = r
		next.OrderedIDs = removeID(next.OrderedIDs, r.ID)
		if sorted {
			next.OrderedIDs = insertOrdered(next.OrderedIDs, next.RecordsByID, r, effective)
			continue
		}
		next.OrderedIDs = append(next.OrderedIDs, r.ID)
	}
	if page.Number > next.LastPage {
		next.LastPage = page.Number
	}
	next.PageCount = page.PageCount
	next.Total = page.Total
	next.LastError = ""
	if next.Cursor == "" && next.ChangesCursor == "" && page.ChangesCursor != "" {
		next.ChangesCursor = page.ChangesCursor
	}
	return next
}
