package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// --- fakes ---

type fakeConn struct {
	mu     sync.Mutex
	frames []frame
	readCh chan []byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{readCh: make(chan []byte, 16)}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	f, ok := v.(frame)
	if !ok {
		return fmt.Errorf("unexpected frame type %T", v)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed conn")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	data, ok := <-c.readCh
	if !ok {
		return nil, errors.New("connection closed")
	}
	return data, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.readCh)
	}
	return nil
}

func (c *fakeConn) Ping() error                     { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) sentFrames() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]frame, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeConn) deliver(t *testing.T, data []byte) {
	t.Helper()
	select {
	case c.readCh <- data:
	case <-time.After(time.Second):
		t.Fatal("timed out delivering frame")
	}
}

type fakeDialer struct {
	mu        sync.Mutex
	calls     int
	failFirst int // fail the first N dials
	conns     []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.failFirst {
		return nil, fmt.Errorf("dial refused (call %d)", d.calls)
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func testConfig() Config {
	return Config{
		Endpoint:    "wss://broker.test/live",
		TopicPrefix: "device-updates",
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, cfg Config, d Dialer) *Client {
	t.Helper()
	c := NewClient(cfg, d, func() string { return "bearer-token" }, testLogger())
	t.Cleanup(c.Disconnect)
	return c
}

// --- backoff and topics ---

func TestDelay_Formula(t *testing.T) {
	base := 2000 * time.Millisecond
	limit := 60000 * time.Millisecond

	for attempt := 0; attempt <= 100; attempt++ {
		want := math.Min(2000*math.Pow(2, float64(attempt)), 60000)
		got := Delay(attempt, base, limit)
		assert.Equal(t, time.Duration(want)*time.Millisecond, got, "attempt %d", attempt)
		assert.LessOrEqual(t, got, limit)
	}
}

func TestDelay_FirstRetries(t *testing.T) {
	base := 2000 * time.Millisecond
	limit := 60 * time.Second

	assert.Equal(t, 2*time.Second, Delay(0, base, limit))
	assert.Equal(t, 4*time.Second, Delay(1, base, limit))
	assert.Equal(t, 8*time.Second, Delay(2, base, limit))
	assert.Equal(t, 60*time.Second, Delay(5, base, limit))
	assert.Equal(t, 60*time.Second, Delay(6, base, limit))
}

func TestTopic_Derivation(t *testing.T) {
	assert.Equal(t, "device-updates/abc123", Topic("device-updates", "abc123"))

	ids := []string{"a", "b", "A", "ab", "a/b"}
	seen := make(map[string]struct{})
	for _, id := range ids {
		seen[Topic("prefix", id)] = struct{}{}
	}
	assert.Len(t, seen, len(ids), "distinct identifiers derive distinct topics")
}

// --- reconnect behavior ---

func TestConnect_GivesUpAfterCeiling(t *testing.T) {
	dialer := &fakeDialer{failFirst: 25}
	c := newTestClient(t, testConfig(), dialer)

	require.NoError(t, c.Connect(context.Background()))

	select {
	case err := <-c.Fatal():
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a fatal error")
	}

	assert.Equal(t, 20, dialer.callCount(), "stops attempting after the 20th")
	assert.Equal(t, Disconnected, c.State())
}

func TestConnect_SuccessResetsAttemptAndResubscribes(t *testing.T) {
	dialer := &fakeDialer{failFirst: 4} // success on attempt 5
	c := newTestClient(t, testConfig(), dialer)

	c.Subscribe("dev-1")
	c.Subscribe("dev-2")
	c.Subscribe("dev-3")

	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return c.State() == Connected
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, 5, dialer.callCount())

	c.mu.Lock()
	attempt := c.attempt
	c.mu.Unlock()
	assert.Equal(t, 0, attempt, "attempt counter resets on successful connect")

	counts := make(map[string]int)
	for _, f := range dialer.lastConn().sentFrames() {
		require.Equal(t, "subscribe", f.Action)
		counts[f.Topic]++
	}
	assert.Equal(t, map[string]int{
		"device-updates/dev-1": 1,
		"device-updates/dev-2": 1,
		"device-updates/dev-3": 1,
	}, counts, "every registered topic resubscribed exactly once")
}

func TestConnect_ReconnectRestoresSubscriptions(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, testConfig(), dialer)

	c.Subscribe("dev-1")
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool { return c.State() == Connected }, time.Second, time.Millisecond)
	first := dialer.lastConn()

	// Drop the connection; the client must reconnect and resubscribe.
	first.Close()

	require.Eventually(t, func() bool {
		return dialer.callCount() == 2 && c.State() == Connected
	}, 5*time.Second, time.Millisecond)

	second := dialer.lastConn()
	require.NotSame(t, first, second)
	require.Eventually(t, func() bool {
		return len(second.sentFrames()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "device-updates/dev-1", second.sentFrames()[0].Topic)
}

func TestSubscribe_WhileConnectedSendsImmediately(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, testConfig(), dialer)

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return c.State() == Connected }, time.Second, time.Millisecond)

	c.Subscribe("late-device")

	frames := dialer.lastConn().sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, frame{Action: "subscribe", Topic: "device-updates/late-device"}, frames[0])
}

func TestSubscribe_WhileDisconnectedIsPickedUpOnConnect(t *testing.T) {
	dialer := &fakeDialer{failFirst: 2}
	c := newTestClient(t, testConfig(), dialer)

	require.NoError(t, c.Connect(context.Background()))
	c.Subscribe("queued-device")

	require.Eventually(t, func() bool { return c.State() == Connected }, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return len(dialer.lastConn().sentFrames()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "device-updates/queued-device", dialer.lastConn().sentFrames()[0].Topic)
}

// --- message handling ---

func TestHandleMessage_DispatchesToRegisteredDevice(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, testConfig(), dialer)

	received := make(chan json.RawMessage, 1)
	c.Register("dev-9", func(deviceID string, payload json.RawMessage) {
		assert.Equal(t, "dev-9", deviceID)
		received <- payload
	})

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return c.State() == Connected }, time.Second, time.Millisecond)

	msg, err := json.Marshal(frame{Topic: "device-updates/dev-9", Payload: json.RawMessage(`{"gpm":1.5}`)})
	require.NoError(t, err)
	dialer.lastConn().deliver(t, msg)

	select {
	case payload := <-received:
		assert.JSONEq(t, `{"gpm":1.5}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("handler never received the payload")
	}
}

func TestHandleMessage_MalformedPayloadNeverDisconnects(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, testConfig(), dialer)

	received := make(chan json.RawMessage, 4)
	c.Register("dev-1", func(_ string, payload json.RawMessage) {
		received <- payload
	})

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return c.State() == Connected }, time.Second, time.Millisecond)
	conn := dialer.lastConn()

	conn.deliver(t, []byte("{not json"))
	conn.deliver(t, []byte(`{"topic":"other-prefix/dev-1","payload":{}}`))
	conn.deliver(t, []byte(`{"topic":"device-updates/dev-1"}`))

	// A good message after the bad ones still arrives on the same connection.
	good, err := json.Marshal(frame{Topic: "device-updates/dev-1", Payload: json.RawMessage(`{"psi":60}`)})
	require.NoError(t, err)
	conn.deliver(t, good)

	select {
	case payload := <-received:
		assert.JSONEq(t, `{"psi":60}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("good message never arrived")
	}
	assert.Empty(t, received, "malformed messages were dropped")
	assert.Equal(t, 1, dialer.callCount(), "no reconnect was triggered")
	assert.Equal(t, Connected, c.State())
}

func TestHandleMessage_UnrelatedDeviceNotDispatched(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, testConfig(), dialer)

	called := make(chan struct{}, 1)
	c.Register("dev-1", func(string, json.RawMessage) { called <- struct{}{} })

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return c.State() == Connected }, time.Second, time.Millisecond)

	msg, _ := json.Marshal(frame{Topic: "device-updates/dev-2", Payload: json.RawMessage(`{}`)})
	dialer.lastConn().deliver(t, msg)

	select {
	case <-called:
		t.Fatal("handler for dev-1 received dev-2 traffic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	dialer := &fakeDialer{}
	c := NewClient(testConfig(), dialer, func() string { return "" }, testLogger())

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return c.State() == Connected }, time.Second, time.Millisecond)

	c.Disconnect()
	c.Disconnect()

	assert.Equal(t, 1, dialer.callCount(), "no reconnect after an explicit disconnect")
}
