package connection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"e2e_messenger/internal/metrics"
	"e2e_messenger/internal/model"
	"e2e_messenger/internal/utils/backoff"
)

var ErrNotConnected = errors.New("connection: not connected")

type Kind int

const (
	Disconnected Kind = iota
	Connecting
	Connected
	Reconnecting
)

func (k Kind) String() string {
	switch k {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// State is the observable connection state. Attempt is set only while Reconnecting.
type State struct {
	Kind    Kind
	Attempt int
}

func (s State) String() string {
	if s.Kind == Reconnecting {
		return fmt.Sprintf("RECONNECTING(%d)", s.Attempt)
	}
	return s.Kind.String()
}

type Config struct {
	URL         string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	MaxAttempts int // 0 means unlimited
	Heartbeat   time.Duration
	DialTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	Rand    func() float64
}

func (c *Config) setDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = 30 * time.Second
		if c.MaxDelay < c.BaseDelay {
			c.MaxDelay = c.BaseDelay
		}
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
}

// Connection owns the transport handle. Other components only get Send.
type Connection struct {
	cfg    Config
	dialer Dialer
	log    *zap.Logger

	mu          sync.Mutex
	state       State
	attempt     int
	gen         uint64
	conn        Conn
	timer       *time.Timer
	connectedAt time.Time
	authExpired bool

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	onFrame    func(*model.Frame)
	observers  []func(State)
}

func New(cfg Config, dialer Dialer) *Connection {
	cfg.setDefaults()
	return &Connection{
		cfg:    cfg,
		dialer: dialer,
		log:    cfg.Logger.With(zap.String("component", "connection")),
	}
}

// OnFrame sets the handler for every decoded inbound frame except pong.
func (c *Connection) OnFrame(fn func(*model.Frame)) {
	c.handlersMu.Lock()
	c.onFrame = fn
	c.handlersMu.Unlock()
}

// OnStateChange registers an observer called after every transition.
func (c *Connection) OnStateChange(fn func(State)) {
	c.handlersMu.Lock()
	c.observers = append(c.observers, fn)
	c.handlersMu.Unlock()
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts a dial unless one is in flight or the link is up.
func (c *Connection) Connect() {
	c.mu.Lock()
	if c.state.Kind == Connecting || c.state.Kind == Connected {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.authExpired = false
	c.attempt = 0
	c.gen++
	gen := c.gen
	st := c.setStateLocked(State{Kind: Connecting})
	c.mu.Unlock()

	c.notify(st)
	go c.dial(gen)
}

// Disconnect closes the transport and cancels any pending reconnect.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	c.attempt = 0
	changed := c.state.Kind != Disconnected
	st := c.setStateLocked(State{Kind: Disconnected})
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if changed {
		c.log.Info("disconnected by user")
		c.notify(st)
	}
}

// MarkAuthExpired stops reconnection until the next explicit Connect.
func (c *Connection) MarkAuthExpired() {
	c.mu.Lock()
	c.authExpired = true
	if c.state.Kind != Reconnecting {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.stopTimerLocked()
	c.attempt = 0
	st := c.setStateLocked(State{Kind: Disconnected})
	c.mu.Unlock()

	c.notify(st)
}

// Send writes text to the transport. It never queues: false means not delivered to the socket.
func (c *Connection) Send(text string) bool {
	c.mu.Lock()
	conn := c.conn
	ok := c.state.Kind == Connected && conn != nil
	c.mu.Unlock()
	if !ok {
		return false
	}

	c.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, []byte(text))
	c.writeMu.Unlock()
	if err != nil {
		c.log.Warn("write failed", zap.Error(err))
		// the read loop observes the close and schedules the reconnect
		_ = conn.Close()
		return false
	}
	return true
}

// SendFrame encodes and sends a frame.
func (c *Connection) SendFrame(msgType, requestID string, payload any) error {
	text, err := model.EncodeFrame(msgType, requestID, payload)
	if err != nil {
		return err
	}
	if !c.Send(text) {
		return ErrNotConnected
	}
	return nil
}

// Delay returns the jittered reconnect delay for attempt.
func (c *Connection) Delay(attempt int) time.Duration {
	d := backoff.Exponential(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
	return backoff.Jitter(d, c.cfg.Jitter, c.cfg.Rand())
}

func (c *Connection) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	conn, err := c.dialer.Dial(ctx, c.cfg.URL)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.log.Warn("dial failed", zap.Error(err), zap.Int("attempt", c.attempt))
		st := c.scheduleReconnectLocked(0)
		c.mu.Unlock()
		c.notify(st)
		return
	}

	c.conn = conn
	c.connectedAt = c.cfg.Now()
	st := c.setStateLocked(State{Kind: Connected})
	c.mu.Unlock()

	c.log.Info("connected", zap.String("url", c.cfg.URL))
	done := make(chan struct{})
	go c.readLoop(gen, conn, done)
	if c.cfg.Heartbeat > 0 {
		go c.heartbeat(done)
	}
	c.notify(st)
}

func (c *Connection) readLoop(gen uint64, conn Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped(gen, conn, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Connection) dropped(gen uint64, conn Conn, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	connectedFor := c.cfg.Now().Sub(c.connectedAt)
	st := c.scheduleReconnectLocked(connectedFor)
	c.mu.Unlock()

	_ = conn.Close()
	c.log.Warn("connection lost",
		zap.Error(cause),
		zap.Duration("connected_for", connectedFor),
		zap.Stringer("state", st),
	)
	c.notify(st)
}

// scheduleReconnectLocked moves to Reconnecting(n) with a timer armed, or to
// Disconnected when reconnection is not allowed.
func (c *Connection) scheduleReconnectLocked(connectedFor time.Duration) State {
	if c.authExpired {
		c.attempt = 0
		return c.setStateLocked(State{Kind: Disconnected})
	}
	if connectedFor > c.cfg.MaxDelay {
		c.attempt = 0
	}
	c.attempt++
	if c.cfg.MaxAttempts > 0 && c.attempt > c.cfg.MaxAttempts {
		c.log.Warn("reconnect attempts exhausted", zap.Int("max_attempts", c.cfg.MaxAttempts))
		c.attempt = 0
		return c.setStateLocked(State{Kind: Disconnected})
	}

	delay := c.Delay(c.attempt)
	gen := c.gen
	c.stopTimerLocked()
	c.timer = time.AfterFunc(delay, func() { c.retry(gen) })
	c.cfg.Metrics.RecordReconnect()
	c.log.Debug("reconnect scheduled", zap.Int("attempt", c.attempt), zap.Duration("delay", delay))
	return c.setStateLocked(State{Kind: Reconnecting, Attempt: c.attempt})
}

func (c *Connection) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state.Kind != Reconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	c.dial(gen)
}

func (c *Connection) heartbeat(done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ping := model.PingPayload{Timestamp: c.cfg.Now().UnixMilli()}
			if err := c.SendFrame(model.TypePing, "", ping); err != nil {
				c.log.Debug("heartbeat skipped", zap.Error(err))
			}
		}
	}
}

func (c *Connection) dispatch(data []byte) {
	frame, err := model.DecodeFrame(data)
	if err != nil {
		c.log.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	if frame.Type == model.TypePong {
		return
	}

	c.handlersMu.RLock()
	fn := c.onFrame
	c.handlersMu.RUnlock()
	if fn != nil {
		fn(frame)
	}
}

func (c *Connection) setStateLocked(s State) State {
	c.state = s
	c.cfg.Metrics.SetConnectionState(int(s.Kind))
	return s
}

func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connection) notify(s State) {
	c.handlersMu.RLock()
	observers := slices.Clone(c.observers)
	c.handlersMu.RUnlock()
	for _, fn := range observers {
		fn(s)
	}
}
