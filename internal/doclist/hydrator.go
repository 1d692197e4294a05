package doclist

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// Hydrator turns thin changed-events into events carrying a full row.
type Hydrator struct {
	rows      RowSource
	limiter   *rate.Limiter
	onFailure func()
	logger    Logger
}

// NewHydrator builds a hydrator. limiter may be nil; onFailure is called
// whenever a fetch fails for a reason other than not-found.
func NewHydrator(rows RowSource, limiter *rate.Limiter, onFailure func(), logger Logger) *Hydrator {
	return &Hydrator{
		rows:      rows,
		limiter:   limiter,
		onFailure: onFailure,
		logger:    logger,
	}
}

func (h *Hydrator) Hydrate(ctx context.Context, workspace string, change ChangeEvent) ChangeEvent {
	if change.Type == ChangeDeleted || change.Row != nil {
		return change
	}
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return change
		}
	}
	record, err := h.rows.GetRow(ctx, workspace, change.DocumentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			change.Type = ChangeDeleted
			return change
		}
		if ctx.Err() == nil {
			h.logf("hydrate %s failed: %v", change.DocumentID, err)
			if h.onFailure != nil {
				h.onFailure()
			}
		}
		return change
	}
	if record.ID == "" {
		record.ID = change.DocumentID
	}
	patch, err := PatchFromRecord(record)
	if err != nil {
		h.logf("hydrate %s encode failed: %v", change.DocumentID, err)
		if h.onFailure != nil {
			h.onFailure()
		}
		return change
	}
	change.Row = patch
	if change.DocumentVersion == 0 {
		change.DocumentVersion = record.Version
	}
	return change
}

func (h *Hydrator) logf(format string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}
