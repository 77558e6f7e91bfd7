// Package push maintains the long-lived publish/subscribe connection to the
// cloud broker. It reconnects with capped exponential backoff, restores the
// full subscription set after every reconnect, and hands per-device payloads
// to registered handlers.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// State is the connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives the raw payload of a push message for one device.
type Handler func(deviceID string, payload json.RawMessage)

// Config holds push client tuning. Zero values fall back to the wire-contract
// defaults.
type Config struct {
	Endpoint    string
	TopicPrefix string
	BackoffBase time.Duration // default 2000ms
	BackoffCap  time.Duration // default 60s
	MaxAttempts int           // default 20 consecutive failures before giving up
	Keepalive   time.Duration // default 25s
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2000 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 20
	}
	if c.Keepalive <= 0 {
		c.Keepalive = 25 * time.Second
	}
	return c
}

// Delay computes the reconnect backoff for a retry attempt, starting at 0 for
// the first retry: min(base * 2^attempt, cap).
func Delay(attempt int, base, limit time.Duration) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(limit) || d < 0 {
		return limit
	}
	return time.Duration(d)
}

// Topic derives the broker topic for a device: exact, case-sensitive
// concatenation of the prefix and the device identifier.
func Topic(prefix, deviceID string) string {
	return prefix + "/" + deviceID
}

// frame is the broker wire format: control frames carry an action, data
// frames carry a topic and payload.
type frame struct {
	Action  string          `json:"action,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client is the resilient push connection. The subscription set survives
// disconnects and is replayed to the broker after every successful reconnect;
// broker-side subscription state is assumed not to survive the transport.
type Client struct {
	cfg    Config
	dialer Dialer
	bearer func() string
	log    *slog.Logger

	mu       sync.Mutex
	conn     Conn
	state    State
	attempt  int
	subs     map[string]struct{}
	handlers map[string]Handler
	closed   bool

	cancel  context.CancelFunc
	stopped chan struct{}
	running atomic.Bool
	fatalCh chan error
}

// NewClient creates a push client. bearer is called on every dial so a
// refreshed token is always used.
func NewClient(cfg Config, dialer Dialer, bearer func() string, log *slog.Logger) *Client {
	return &Client{
		cfg:      cfg.withDefaults(),
		dialer:   dialer,
		bearer:   bearer,
		log:      log,
		subs:     make(map[string]struct{}),
		handlers: make(map[string]Handler),
		fatalCh:  make(chan error, 1),
	}
}

// Connect starts the connection loop. It returns immediately; connection
// failures are retried with backoff until the attempt ceiling is reached, at
// which point a fatal error is delivered on Fatal().
func (c *Client) Connect(ctx context.Context) error {
	if c.running.Load() {
		return fmt.Errorf("push: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})
	c.running.Store(true)

	go c.run(ctx)
	return nil
}

// Disconnect closes the transport and suppresses further reconnects.
// Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if c.stopped != nil {
		<-c.stopped
	}
	c.running.Store(false)
}

// Fatal delivers the terminal error once the reconnect ceiling is exceeded.
func (c *Client) Fatal() <-chan error {
	return c.fatalCh
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Register installs the handler for one device's messages. Only messages on
// that device's topic reach the handler.
func (c *Client) Register(deviceID string, h Handler) {
	c.mu.Lock()
	c.handlers[deviceID] = h
	c.mu.Unlock()
}

// Subscribe adds the device's topic to the subscription set. When connected
// the subscribe request is sent immediately; otherwise the topic is picked up
// by the resubscribe pass on the next successful connect. The set never
// shrinks implicitly.
func (c *Client) Subscribe(deviceID string) {
	topic := Topic(c.cfg.TopicPrefix, deviceID)

	c.mu.Lock()
	c.subs[topic] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.WriteJSON(frame{Action: "subscribe", Topic: topic}); err != nil {
		// The read loop will notice the dead connection; the topic is in the
		// set and will be resubscribed after reconnect.
		c.log.Warn("push subscribe failed", "topic", topic, "error", err)
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.stopped)

	for {
		if ctx.Err() != nil || c.isClosed() {
			return
		}

		c.setState(Connecting)
		conn, err := c.dialer.Dial(ctx, c.cfg.Endpoint, c.bearer())
		if err == nil {
			c.adopt(conn)
			c.resubscribe(conn)

			err = c.readLoop(ctx, conn)
			c.drop(conn)
			if ctx.Err() != nil || c.isClosed() {
				return
			}
			c.log.Warn("push connection lost", "error", err)
		} else {
			c.setState(Disconnected)
			if ctx.Err() != nil || c.isClosed() {
				return
			}
			c.log.Warn("push connect failed", "error", err)
		}

		attempt := c.bumpAttempt()
		if attempt >= c.cfg.MaxAttempts {
			c.surfaceFatal(fmt.Errorf("push: gave up after %d reconnect attempts: %w", attempt, err))
			return
		}

		delay := Delay(attempt-1, c.cfg.BackoffBase, c.cfg.BackoffCap)
		c.log.Info("push reconnect scheduled", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// adopt installs a freshly dialed connection. Success resets the attempt
// counter; this is the only place it resets.
func (c *Client) adopt(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = Connected
	c.attempt = 0
	c.mu.Unlock()
}

func (c *Client) drop(conn Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.state = Disconnected
	c.mu.Unlock()
}

// resubscribe replays the full subscription set. Topics added concurrently
// either land in the snapshot or are sent directly by Subscribe, which sees
// the connection already installed; a duplicate subscribe is harmless.
func (c *Client) resubscribe(conn Conn) {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	for _, t := range topics {
		if err := conn.WriteJSON(frame{Action: "subscribe", Topic: t}); err != nil {
			c.log.Warn("push resubscribe failed", "topic", t, "error", err)
			return
		}
	}
	c.log.Info("push connected, subscriptions restored", "topics", len(topics))
}

func (c *Client) readLoop(ctx context.Context, conn Conn) error {
	keepaliveCtx, keepaliveCancel := context.WithCancel(ctx)
	defer keepaliveCancel()
	go c.keepaliveLoop(keepaliveCtx, conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		c.handleMessage(data)
	}
}

func (c *Client) keepaliveLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(c.cfg.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				c.log.Warn("push keepalive failed, closing connection", "error", err)
				conn.Close()
				return
			}
		}
	}
}

// handleMessage dispatches one broker frame. A malformed message is logged
// and dropped; it must never take down the connection.
func (c *Client) handleMessage(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Warn("malformed push message dropped", "error", err)
		return
	}
	if f.Topic == "" {
		// control acknowledgements and keepalives carry no topic
		return
	}

	deviceID, ok := strings.CutPrefix(f.Topic, c.cfg.TopicPrefix+"/")
	if !ok || deviceID == "" {
		c.log.Warn("push message on unexpected topic dropped", "topic", f.Topic)
		return
	}
	if len(f.Payload) == 0 {
		c.log.Warn("push message without payload dropped", "topic", f.Topic)
		return
	}

	c.mu.Lock()
	h := c.handlers[deviceID]
	c.mu.Unlock()

	if h == nil {
		c.log.Debug("push message for unregistered device dropped", "device_id", deviceID)
		return
	}
	h(deviceID, f.Payload)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) bumpAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt++
	return c.attempt
}

func (c *Client) surfaceFatal(err error) {
	c.setState(Disconnected)
	c.log.Error("push client giving up", "error", err)
	select {
	case c.fatalCh <- err:
	default:
	}
}
