package doclist

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type RunSummary struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Record is one document row. UploadProgress is client-only: it is never
// serialized and survives every merge.
type Record struct {
	ID         string      `json:"id"`
	Version    int64       `json:"version"`
	ETag       string      `json:"etag,omitempty"`
	Name       string      `json:"name"`
	Status     Status      `json:"status"`
	Archived   bool        `json:"archived"`
	Tags       []string    `json:"tags"`
	Assignee   *Identity   `json:"assignee"`
	Uploader   *Identity   `json:"uploader"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
	ActivityAt *time.Time  `json:"activityAt"`
	LastRun    *RunSummary `json:"lastRun"`

	UploadProgress *float64 `json:"-"`
}

// DefaultETag is the concurrency token used when the server omits one.
func DefaultETag(id string, version int64) string {
	return fmt.Sprintf(`W/"%s-%d"`, id, version)
}

func (r Record) Clone() Record {
	out := r
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	if r.Assignee != nil {
		a := *r.Assignee
		out.Assignee = &a
	}
	if r.Uploader != nil {
		u := *r.Uploader
		out.Uploader = &u
	}
	if r.ActivityAt != nil {
		t := *r.ActivityAt
		out.ActivityAt = &t
	}
	if r.LastRun != nil {
		run := *r.LastRun
		out.LastRun = &run
	}
	if r.UploadProgress != nil {
		p := *r.UploadProgress
		out.UploadProgress = &p
	}
	return out
}

func (r Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func normalizeRecord(r Record) Record {
	if r.ETag == "" && r.ID != "" {
		r.ETag = DefaultETag(r.ID, r.Version)
	}
	return r
}

// RowPatch is a partial row as carried inline on the change feed. Keys absent
// from the patch leave the held field untouched.
type RowPatch map[string]json.RawMessage

func PatchFromRecord(r Record) (RowPatch, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var patch RowPatch
	if err := json.Unmarshal(data, &patch); err != nil {
		return nil, err
	}
	return patch, nil
}

// mergeRecord overlays patch onto existing field by field. The result keeps
// existing's UploadProgress and never carries an etag computed for an older
// version.
func mergeRecord(existing Record, patch RowPatch) (Record, error) {
	base, err := PatchFromRecord(existing)
	if err != nil {
		return Record{}, err
	}
	for key, value := range patch {
		base[key] = value
	}
	data, err := json.Marshal(base)
	if err != nil {
		return Record{}, err
	}
	var merged Record
	if err := json.Unmarshal(data, &merged); err != nil {
		return Record{}, fmt.Errorf("%w: row patch: %v", ErrInvalidInput, err)
	}
	if _, hasETag := patch["etag"]; !hasETag && merged.Version != existing.Version {
		merged.ETag = ""
	}
	merged.UploadProgress = existing.Clone().UploadProgress
	return normalizeRecord(merged), nil
}

type ChangeType string

const (
	ChangeChanged ChangeType = "record.changed"
	ChangeDeleted ChangeType = "record.deleted"
)

type ChangeEvent struct {
	Type            ChangeType `json:"type"`
	DocumentID      string     `json:"documentId"`
	DocumentVersion int64      `json:"documentVersion,omitempty"`
	Row             RowPatch   `json:"row,omitempty"`
	Cursor          string     `json:"cursor"`
	OccurredAt      time.Time  `json:"occurredAt"`
	ClientRequestID string     `json:"clientRequestId,omitempty"`
}

// HydratedChange is a feed event after hydration. Seq is the local arrival
// order, used to keep the applied cursor monotonic.
type HydratedChange struct {
	ChangeEvent
	Seq uint64
}

func (c HydratedChange) Hydrated() bool {
	return c.Type == ChangeDeleted || c.Row != nil
}
