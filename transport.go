package convsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// ErrCleanClose is returned by TransportConn.Read when the peer closed the
// connection with a normal-closure status.
var ErrCleanClose = errors.New("convsync: connection closed cleanly")

// DialTarget identifies the session a transport connects for.
type DialTarget struct {
	URL    string
	UserID string
	Token  string
}

// Transport opens persistent connections.
type Transport interface {
	Dial(ctx context.Context, target DialTarget) (TransportConn, error)
}

// TransportConn is one open connection. Read is called from a single
// goroutine; Write may be called concurrently with Read.
type TransportConn interface {
	// Read blocks for the next message. It returns ErrCleanClose when the
	// peer closed normally and any other error for an unexpected close.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// Close closes with a normal-closure status.
	Close(reason string) error
	// Abort closes with a non-normal status, so the reader observes an
	// unexpected close.
	Abort(reason string) error
}

// Pinger is implemented by connections that support a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WebSocketTransport dials WebSocket connections.
type WebSocketTransport struct {
	HTTPClient *http.Client
	// ReadLimit caps the size of one inbound message. Zero keeps the
	// library default.
	ReadLimit int64
}

func (t *WebSocketTransport) Dial(ctx context.Context, target DialTarget) (TransportConn, error) {
	u, err := websocketURL(target)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if target.Token != "" {
		header.Set("Authorization", "Bearer "+target.Token)
	}
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if t.ReadLimit > 0 {
		conn.SetReadLimit(t.ReadLimit)
	}
	return &wsConn{conn: conn}, nil
}

func websocketURL(target DialTarget) (string, error) {
	raw := strings.Replace(target.URL, "https://", "wss://", 1)
	raw = strings.Replace(raw, "http://", "ws://", 1)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	if target.Token != "" {
		q.Set("token", target.Token)
	}
	if target.UserID != "" {
		q.Set("user_id", target.UserID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil, ErrCleanClose
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

func (c *wsConn) Abort(reason string) error {
	return c.conn.Close(websocket.StatusGoingAway, reason)
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}
