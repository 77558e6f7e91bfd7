package push

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn represents a WebSocket connection carrying JSON frames.
type Conn interface {
	// WriteJSON sends a JSON-encoded frame over the wire.
	WriteJSON(v interface{}) error
	// ReadMessage blocks until a raw frame is received.
	ReadMessage() ([]byte, error)
	// Close closes the underlying connection.
	Close() error
	// Ping sends a WebSocket-level ping frame.
	Ping() error
	// SetReadDeadline sets the read deadline on the underlying connection.
	SetReadDeadline(t time.Time) error
}

// Dialer creates connections to the push broker.
type Dialer interface {
	Dial(ctx context.Context, endpoint, bearer string) (Conn, error)
}

// --- WebSocket Conn implementation ---

type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex // protects writes
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{ws: ws}
	ws.SetPongHandler(func(appData string) error {
		return ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	return c
}

func (c *wsConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("push: write: %w", err)
	}
	return nil
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("push: read: %w", err)
	}
	return data, nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(5*time.Second))
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// --- Broker Dialer ---

// BrokerDialer connects to the cloud push broker over WebSocket.
type BrokerDialer struct {
	log *slog.Logger
}

// NewBrokerDialer creates a WebSocket dialer for the push broker.
func NewBrokerDialer(log *slog.Logger) *BrokerDialer {
	return &BrokerDialer{log: log}
}

// Dial connects to the broker endpoint with the bearer attached.
func (d *BrokerDialer) Dial(ctx context.Context, endpoint, bearer string) (Conn, error) {
	header := http.Header{}
	if bearer != "" {
		header.Set("Authorization", "Bearer "+bearer)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	d.log.Debug("dialing push broker", "endpoint", endpoint)

	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("push: dial %s: HTTP %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("push: dial %s: %w", endpoint, err)
	}

	return newWSConn(ws), nil
}
