package doclist

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrConflict       = errors.New("precondition conflict")
	ErrNotFound       = errors.New("record not found")
	ErrGone           = errors.New("cursor gone")
	ErrNothingToUndo  = errors.New("nothing to undo")
)

type ConflictError struct {
	ID string
}

func (e *ConflictError) Error() string {
	if e.ID == "" {
		return "precondition conflict"
	}
	return fmt.Sprintf("precondition conflict for %s", e.ID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return "record not found"
	}
	return fmt.Sprintf("record %s not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// GoneError reports that the held cursor can no longer be resumed. Cursor is
// the server's current position when it supplied one.
type GoneError struct {
	Cursor string
}

func (e *GoneError) Error() string {
	if e.Cursor == "" {
		return "change feed cursor gone"
	}
	return fmt.Sprintf("change feed cursor gone (current %s)", e.Cursor)
}

func (e *GoneError) Is(target error) bool {
	return target == ErrGone
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}
