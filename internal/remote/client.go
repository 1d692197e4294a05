package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/doclist/internal/doclist"
	"github.com/oklog/ulid/v2"
)

// Client talks to the document service: paged listing, row-by-id, the
// mutation endpoints and the change feed.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     doclist.Logger
}

var _ doclist.Remote = (*Client)(nil)

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// SetLogger routes client diagnostics, such as skipped feed frames, to l.
func (c *Client) SetLogger(l doclist.Logger) {
	c.logger = l
}

func documentsPath(workspace string) string {
	return fmt.Sprintf("/v1/workspaces/%s/documents", url.PathEscape(workspace))
}

func documentPath(workspace, id string) string {
	return documentsPath(workspace) + "/" + url.PathEscape(id)
}

func (c *Client) ListPage(ctx context.Context, req doclist.PageRequest) (doclist.Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(req.Page))
	if req.PerPage > 0 {
		q.Set("perPage", strconv.Itoa(req.PerPage))
	}
	setIfPresent(q, "sort", req.Sort)
	setIfPresent(q, "filter", req.Filter)
	setIfPresent(q, "join", req.Join)
	setIfPresent(q, "q", req.Query)
	var out doclist.Page
	err := c.do(ctx, read(documentsPath(req.Workspace)+"?"+q.Encode()), &out)
	if err != nil {
		return doclist.Page{}, err
	}
	if out.Number == 0 {
		out.Number = req.Page
	}
	return out, nil
}

func (c *Client) GetRow(ctx context.Context, workspace, id string) (doclist.Record, error) {
	var out doclist.Record
	err := c.do(ctx, read(documentPath(workspace, id)), &out)
	if err != nil {
		var httpErr *doclist.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return doclist.Record{}, &doclist.NotFoundError{ID: id}
		}
		return doclist.Record{}, err
	}
	return out, nil
}

// Mutate sends one action. The etag travels as If-Match. A client request id
// doubles as the idempotency key, and only a keyed mutation is resent after
// a server error or a dropped connection, since the first attempt may
// already have been applied.
func (c *Client) Mutate(ctx context.Context, req doclist.MutationRequest) (doclist.Record, error) {
	method, requestPath, body, err := mutationRoute(req)
	if err != nil {
		return doclist.Record{}, err
	}
	headers := map[string]string{}
	if req.ClientRequestID != "" {
		headers["Idempotency-Key"] = req.ClientRequestID
		headers["X-Client-Request-Id"] = req.ClientRequestID
	}
	if req.ETag != "" {
		headers["If-Match"] = req.ETag
	}
	var out doclist.Record
	err = c.do(ctx, call{
		method:     method,
		path:       requestPath,
		headers:    headers,
		body:       body,
		replayable: req.ClientRequestID != "",
	}, &out)
	if err != nil {
		var httpErr *doclist.HTTPError
		if errors.As(err, &httpErr) {
			switch httpErr.StatusCode {
			case http.StatusConflict, http.StatusPreconditionFailed:
				return doclist.Record{}, &doclist.ConflictError{ID: req.ID}
			case http.StatusNotFound:
				return doclist.Record{}, &doclist.NotFoundError{ID: req.ID}
			}
		}
		return doclist.Record{}, err
	}
	if req.Action == doclist.ActionDelete {
		return doclist.Record{}, nil
	}
	return out, nil
}

func mutationRoute(req doclist.MutationRequest) (method, requestPath string, body any, err error) {
	if strings.TrimSpace(req.ID) == "" {
		return "", "", nil, fmt.Errorf("%w: mutation without document id", doclist.ErrInvalidInput)
	}
	base := documentPath(req.Workspace, req.ID)
	switch req.Action {
	case doclist.ActionAssign:
		return http.MethodPost, base + "/assign", map[string]any{"assignee": req.Assignee}, nil
	case doclist.ActionAddTag:
		return http.MethodPost, base + "/tags", map[string]any{"tag": req.Tag}, nil
	case doclist.ActionRemoveTag:
		return http.MethodDelete, base + "/tags/" + url.PathEscape(req.Tag), nil, nil
	case doclist.ActionArchive:
		return http.MethodPost, base + "/archive", nil, nil
	case doclist.ActionRestore:
		return http.MethodPost, base + "/restore", nil, nil
	case doclist.ActionDelete:
		return http.MethodDelete, base, nil, nil
	default:
		return "", "", nil, fmt.Errorf("%w: mutation %q", doclist.ErrNotImplemented, req.Action)
	}
}

func setIfPresent(q url.Values, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		q.Set(key, value)
	}
}

// call is one request to the document service.
type call struct {
	method  string
	path    string
	headers map[string]string
	body    any
	// replayable marks a request the service can receive twice without
	// acting twice: reads, and mutations carrying an idempotency key.
	replayable bool
}

func read(path string) call {
	return call{method: http.MethodGet, path: path, replayable: true}
}

// retryable reports whether an attempt that ended with status may be sent
// again; status 0 means no response arrived. A 429 is refused before any
// work is done, so even an unkeyed mutation may repeat it.
func (rc call) retryable(status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return rc.replayable && (status == 0 || status >= 500)
}

func (c *Client) do(ctx context.Context, rc call, out any) error {
	var payload []byte
	if rc.body != nil {
		encoded, err := json.Marshal(rc.body)
		if err != nil {
			return err
		}
		payload = encoded
	}
	for attempt := 1; ; attempt++ {
		status, body, retryAfter, err := c.send(ctx, rc, payload)
		switch {
		case err == nil && status >= 200 && status <= 299:
			if out == nil || len(body) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("%w: decode %s response: %v", doclist.ErrInvalidInput, rc.path, err)
			}
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case attempt > c.maxRetries || !rc.retryable(status):
			if err != nil {
				return err
			}
			return decodeHTTPError(status, body)
		}
		c.logf("%s %s attempt %d failed (status %d, err %v); retrying", rc.method, rc.path, attempt, status, err)
		if err := sleep(ctx, c.retryDelay(attempt, retryAfter)); err != nil {
			return err
		}
	}
}

// send makes one attempt. status is 0 when err is a transport failure.
func (c *Client) send(ctx context.Context, rc call, payload []byte) (status int, body []byte, retryAfter string, err error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, rc.method, c.baseURL+rc.path, reader)
	if err != nil {
		return 0, nil, "", err
	}
	c.authorize(req.Header)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range rc.headers {
		req.Header.Set(key, value)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, "", err
	}
	return resp.StatusCode, body, resp.Header.Get("Retry-After"), nil
}

func (c *Client) authorize(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	h.Set("X-Correlation-Id", correlationID())
}

func decodeHTTPError(status int, payload []byte) *doclist.HTTPError {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	if errPayload.Message == "" {
		errPayload.Message = http.StatusText(status)
	}
	return &doclist.HTTPError{
		StatusCode: status,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}

func correlationID() string {
	return "doclist_" + ulid.Make().String()
}

// retryDelay is the pause before retry number attempt: the server's
// Retry-After when it sent one, otherwise base doubled per attempt, capped
// at the client maximum either way.
func (c *Client) retryDelay(attempt int, retryAfter string) time.Duration {
	limit := c.maxDelay
	if limit <= 0 {
		limit = 2 * time.Second
	}
	delay := parseRetryAfter(retryAfter)
	if delay <= 0 {
		delay = c.baseDelay
		if delay <= 0 {
			delay = 100 * time.Millisecond
		}
		if attempt > 1 {
			delay <<= min(attempt-1, 16)
		}
	}
	return min(delay, limit)
}

// parseRetryAfter accepts either form of Retry-After: seconds or an HTTP date.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(max(seconds, 0)) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
