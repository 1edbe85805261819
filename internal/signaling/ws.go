package signaling

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
)

// WSSignaler exchanges the envelopes over ws(s)://host/api/streams/{id}/ws:
// the offer goes out as one text frame and the answer comes back as one.
type WSSignaler struct {
	base    string
	timeout time.Duration
}

// NewWS creates a WSSignaler for the server at baseURL (http or https).
func NewWS(baseURL string, timeout time.Duration) *WSSignaler {
	return &WSSignaler{base: trimBase(baseURL), timeout: timeout}
}

// Exchange implements Signaler.
func (s *WSSignaler) Exchange(ctx context.Context, streamID, offer string) (answer string, err error) {
	defer err2.Handle(&err)

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	conn := try.To1(connect(ctx, try.To1(s.endpoint(streamID))))
	defer conn.Close()

	// Unblock the read below when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	try.To(conn.WriteMessage(websocket.TextMessage, []byte(offer)))

	typ, data, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	if typ != websocket.TextMessage {
		return "", fmt.Errorf("unexpected frame type %d", typ)
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	return string(data), nil
}

// endpoint maps the server base URL to the stream's WebSocket URL.
func (s *WSSignaler) endpoint(streamID string) (string, error) {
	u, err := url.Parse(s.base)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q", s.base)
	}

	scheme := "ws"
	if u.Scheme == "https" || u.Scheme == "wss" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/api/streams/%s/ws", scheme, u.Host, url.PathEscape(streamID)), nil
}

// connect dials the given WebSocket URL and returns the connection.
func connect(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return conn, nil
}
