// ABOUTME: Transport abstraction for the fulfillment service connection
// ABOUTME: WebSocketDialer implements it over github.com/coder/websocket

package upstream

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// Conn is one established connection to the fulfillment service.
// Read is only called from a single goroutine; the other methods may be
// called concurrently with it.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens new connections. The context bounds the handshake.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketDialer dials the fulfillment service over a websocket.
type WebSocketDialer struct {
	URL       string
	Header    http.Header
	ReadLimit int64
}

// Dial performs the websocket handshake.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	c, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, frame []byte) error {
	return w.c.Write(ctx, websocket.MessageText, frame)
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "closing")
}
