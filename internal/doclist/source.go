package doclist

import (
	"context"
)

type PageRequest struct {
	Workspace string
	Page      int
	PerPage   int
	Sort      string
	Filter    string
	Join      string
	Query     string
}

type Page struct {
	Number        int      `json:"page"`
	Records       []Record `json:"records"`
	PageCount     int      `json:"pageCount"`
	Total         int      `json:"total"`
	ChangesCursor string   `json:"changesCursor"`
}

type SubscribeRequest struct {
	Workspace string
	Cursor    string
	Sort      string
	Filter    string
	Join      string
	Query     string
}

// Stream yields change events in cursor order. Next returns a *GoneError
// when the server can no longer resume from the requested cursor.
type Stream interface {
	Next(ctx context.Context) (ChangeEvent, error)
	Close() error
}

type MutationAction string

const (
	ActionAssign    MutationAction = "assign"
	ActionAddTag    MutationAction = "tag.add"
	ActionRemoveTag MutationAction = "tag.remove"
	ActionArchive   MutationAction = "archive"
	ActionRestore   MutationAction = "restore"
	ActionDelete    MutationAction = "delete"
)

type MutationRequest struct {
	Workspace       string
	ID              string
	Action          MutationAction
	ETag            string
	ClientRequestID string
	Assignee        *Identity
	Tag             string
}

type PageSource interface {
	ListPage(ctx context.Context, req PageRequest) (Page, error)
}

// RowSource returns a *NotFoundError when the row no longer exists.
type RowSource interface {
	GetRow(ctx context.Context, workspace, id string) (Record, error)
}

type FeedSource interface {
	Subscribe(ctx context.Context, req SubscribeRequest) (Stream, error)
}

// Mutator returns the updated record, or the zero Record for a delete. A
// failed precondition is reported as a *ConflictError.
type Mutator interface {
	Mutate(ctx context.Context, req MutationRequest) (Record, error)
}

type Remote interface {
	PageSource
	RowSource
	FeedSource
	Mutator
}

// CursorStore persists the applied feed cursor per view across sessions.
type CursorStore interface {
	LoadCursor(ctx context.Context, key string) (string, error)
	SaveCursor(ctx context.Context, key, cursor string) error
}

type Logger interface {
	Printf(format string, args ...any)
}

func pageRequest(view View, page int) PageRequest {
	return PageRequest{
		Workspace: view.Workspace,
		Page:      page,
		PerPage:   view.perPage(),
		Sort:      view.Sort.String(),
		Filter:    view.Filter.Encode(),
		Join:      string(view.Filter.Join),
		Query:     view.Filter.Query,
	}
}

func subscribeRequest(view View, cursor string) SubscribeRequest {
	return SubscribeRequest{
		Workspace: view.Workspace,
		Cursor:    cursor,
		Sort:      view.Sort.String(),
		Filter:    view.Filter.Encode(),
		Join:      string(view.Filter.Join),
		Query:     view.Filter.Query,
	}
}
