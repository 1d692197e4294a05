package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/agentworkforce/doclist/internal/doclist"
	"nhooyr.io/websocket"
)

// StatusCursorGone is the close code the server uses when the subscribed
// cursor has fallen out of its retention window. The close reason carries
// the current cursor, if any.
const StatusCursorGone websocket.StatusCode = 4410

const maxFrameBytes = 1 << 20

// Subscribe opens the change feed at req.Cursor. A 410 on the handshake is
// reported as *doclist.GoneError.
func (c *Client) Subscribe(ctx context.Context, req doclist.SubscribeRequest) (doclist.Stream, error) {
	q := url.Values{}
	setIfPresent(q, "cursor", req.Cursor)
	setIfPresent(q, "sort", req.Sort)
	setIfPresent(q, "filter", req.Filter)
	setIfPresent(q, "join", req.Join)
	setIfPresent(q, "q", req.Query)
	header := http.Header{}
	c.authorize(header)

	// The websocket dialer rejects clients with a Timeout; ctx bounds the
	// handshake instead.
	httpClient := *c.httpClient
	httpClient.Timeout = 0
	conn, resp, err := websocket.Dial(ctx, c.baseURL+documentsPath(req.Workspace)+"/changes?"+q.Encode(), &websocket.DialOptions{
		HTTPClient: &httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, handshakeError(resp)
		}
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)
	return &feedStream{conn: conn, logger: c.logger}, nil
}

func handshakeError(resp *http.Response) error {
	var payload []byte
	if resp.Body != nil {
		payload, _ = io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
	}
	if resp.StatusCode == http.StatusGone {
		var body struct {
			Cursor string `json:"cursor"`
		}
		_ = json.Unmarshal(payload, &body)
		return &doclist.GoneError{Cursor: body.Cursor}
	}
	return decodeHTTPError(resp.StatusCode, payload)
}

type feedStream struct {
	conn   *websocket.Conn
	logger doclist.Logger
}

// Next returns the next valid event. Frames that fail validation are
// skipped; replaying them after a reconnect would fail the same way.
func (s *feedStream) Next(ctx context.Context) (doclist.ChangeEvent, error) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == StatusCursorGone {
				var closeErr websocket.CloseError
				errors.As(err, &closeErr)
				return doclist.ChangeEvent{}, &doclist.GoneError{Cursor: closeErr.Reason}
			}
			return doclist.ChangeEvent{}, fmt.Errorf("read change feed: %w", err)
		}
		event, err := doclist.DecodeChangeEvent(data)
		if err != nil {
			if s.logger != nil {
				s.logger.Printf("skipping change feed frame: %v", err)
			}
			continue
		}
		return event, nil
	}
}

func (s *feedStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
