package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2e_messenger/internal/model"
)

const waitFor = 2 * time.Second
const tick = 2 * time.Millisecond

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("use of closed connection")
	default:
	}
	f.mu.Lock()
	f.writes = append(f.writes, string(data))
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

type fakeDialer struct {
	mu    sync.Mutex
	calls int
	fail  bool
	gate  chan struct{}
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	gate := d.gate
	fail := d.fail
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("connection refused")
	}

	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) Conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) reconnectAttempts() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int
	for _, s := range l.states {
		if s.Kind == Reconnecting {
			out = append(out, s.Attempt)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fastConfig() Config {
	return Config{
		URL:       "ws://relay.test/ws",
		BaseDelay: time.Millisecond,
		MaxDelay:  10 * time.Millisecond,
	}
}

func waitState(t *testing.T, c *Connection, kind Kind) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State().Kind == kind }, waitFor, tick, "want %s, have %s", kind, c.State())
}

func TestConnectIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{gate: make(chan struct{})}
	c := New(fastConfig(), dialer)

	c.Connect()
	c.Connect()
	c.Connect()
	assert.Equal(t, Connecting, c.State().Kind)

	close(dialer.gate)
	waitState(t, c, Connected)

	c.Connect()
	assert.Equal(t, 1, dialer.Calls())
	c.Disconnect()
}

func TestSendRequiresConnected(t *testing.T) {
	dialer := &fakeDialer{}
	c := New(fastConfig(), dialer)

	assert.False(t, c.Send("early"))
	assert.ErrorIs(t, c.SendFrame(model.TypePing, "", model.PingPayload{}), ErrNotConnected)

	c.Connect()
	waitState(t, c, Connected)
	assert.True(t, c.Send("hello"))
	assert.Equal(t, []string{"hello"}, dialer.Conn(0).Writes())

	c.Disconnect()
	assert.False(t, c.Send("late"))
}

func TestUnexpectedCloseReconnects(t *testing.T) {
	dialer := &fakeDialer{}
	log := &stateLog{}
	c := New(fastConfig(), dialer)
	c.OnStateChange(log.record)

	c.Connect()
	waitState(t, c, Connected)

	dialer.Conn(0).Close()
	require.Eventually(t, func() bool {
		return dialer.Calls() == 2 && c.State().Kind == Connected
	}, waitFor, tick)
	assert.Equal(t, []int{1}, log.reconnectAttempts())
	c.Disconnect()
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	t.Run("while connected", func(t *testing.T) {
		dialer := &fakeDialer{}
		c := New(fastConfig(), dialer)
		c.Connect()
		waitState(t, c, Connected)

		c.Disconnect()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, Disconnected, c.State().Kind)
		assert.Equal(t, 1, dialer.Calls())
	})

	t.Run("while reconnecting", func(t *testing.T) {
		dialer := &fakeDialer{fail: true}
		cfg := fastConfig()
		cfg.BaseDelay = 20 * time.Millisecond
		cfg.MaxDelay = 20 * time.Millisecond
		c := New(cfg, dialer)
		c.Connect()
		waitState(t, c, Reconnecting)

		c.Disconnect()
		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, Disconnected, c.State().Kind)
		assert.Equal(t, 1, dialer.Calls())
	})
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{fail: true}
	log := &stateLog{}
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	c := New(cfg, dialer)
	c.OnStateChange(log.record)

	c.Connect()
	require.Eventually(t, func() bool {
		return dialer.Calls() == 4 && c.State().Kind == Disconnected
	}, waitFor, tick)
	assert.Equal(t, []int{1, 2, 3}, log.reconnectAttempts())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, dialer.Calls())
}

func TestStableConnectionResetsAttemptCounter(t *testing.T) {
	dialer := &fakeDialer{}
	log := &stateLog{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cfg := fastConfig()
	cfg.Now = clock.Now
	c := New(cfg, dialer)
	c.OnStateChange(log.record)

	c.Connect()
	waitState(t, c, Connected)

	// flaky: drops right after connecting keep growing the counter
	dialer.Conn(0).Close()
	require.Eventually(t, func() bool { return dialer.Calls() == 2 && c.State().Kind == Connected }, waitFor, tick)
	dialer.Conn(1).Close()
	require.Eventually(t, func() bool { return dialer.Calls() == 3 && c.State().Kind == Connected }, waitFor, tick)

	// stable for longer than MaxDelay before the drop
	clock.Advance(time.Hour)
	dialer.Conn(2).Close()
	require.Eventually(t, func() bool { return dialer.Calls() == 4 && c.State().Kind == Connected }, waitFor, tick)

	assert.Equal(t, []int{1, 2, 1}, log.reconnectAttempts())
	c.Disconnect()
}

func TestAuthExpiredSuppressesReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	c := New(fastConfig(), dialer)
	c.Connect()
	waitState(t, c, Connected)

	c.MarkAuthExpired()
	dialer.Conn(0).Close()
	waitState(t, c, Disconnected)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.Calls())

	c.Connect()
	waitState(t, c, Connected)
	assert.Equal(t, 2, dialer.Calls())
	c.Disconnect()
}

func TestFramesDispatchedAndPongConsumed(t *testing.T) {
	dialer := &fakeDialer{}
	c := New(fastConfig(), dialer)

	var mu sync.Mutex
	var got []string
	c.OnFrame(func(f *model.Frame) {
		mu.Lock()
		got = append(got, f.Type)
		mu.Unlock()
	})

	c.Connect()
	waitState(t, c, Connected)
	conn := dialer.Conn(0)
	conn.in <- []byte(`{"type":"pong","payload":{"timestamp":1,"serverTime":2}}`)
	conn.in <- []byte(`not json`)
	conn.in <- []byte(`{"type":"message_accepted","payload":{"messageId":"m1","status":"sent"}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{model.TypeMessageAccepted}, got)
	c.Disconnect()
}

func TestHeartbeatSendsPing(t *testing.T) {
	dialer := &fakeDialer{}
	cfg := fastConfig()
	cfg.Heartbeat = 5 * time.Millisecond
	c := New(cfg, dialer)

	c.Connect()
	waitState(t, c, Connected)
	require.Eventually(t, func() bool {
		for _, w := range dialer.Conn(0).Writes() {
			if strings.Contains(w, `"type":"ping"`) {
				return true
			}
		}
		return false
	}, waitFor, tick)
	c.Disconnect()
}

func TestDelay(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2, Rand: func() float64 { return 0.5 }}
	c := New(cfg, &fakeDialer{})

	assert.Equal(t, time.Second, c.Delay(1))
	assert.Equal(t, 4*time.Second, c.Delay(3))
	assert.Equal(t, 30*time.Second, c.Delay(10))

	c.cfg.Rand = func() float64 { return 0.999 }
	assert.LessOrEqual(t, c.Delay(10), 36*time.Second)
	assert.Greater(t, c.Delay(10), 30*time.Second)
}

func TestWebsocketDialerAgainstServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(cfg, WebsocketDialer{})

	frames := make(chan *model.Frame, 1)
	c.OnFrame(func(f *model.Frame) { frames <- f })

	c.Connect()
	waitState(t, c, Connected)
	require.NoError(t, c.SendFrame(model.TypeMessageAccepted, "req-1", model.MessageAcceptedPayload{MessageID: "m1", Status: "sent"}))

	select {
	case f := <-frames:
		assert.Equal(t, model.TypeMessageAccepted, f.Type)
		assert.Equal(t, "req-1", f.RequestID)
	case <-time.After(waitFor):
		t.Fatal("echo not received")
	}
	c.Disconnect()
}
