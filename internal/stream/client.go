// Package stream maintains the WebSocket feeds the books are built from. A
// Client owns one persistent connection per channel, resubscribes after
// every reconnect, and queues decoded events on a Messenger for the book
// consumer to drain.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/1vbutkus/fish-sub000/internal/clob"
)

var (
	ErrConnect            = errors.New("stream connect failed")
	ErrEmptySubscription  = errors.New("market channel needs at least one asset id")
	ErrPingTimeout        = errors.New("ping timed out")
	ErrClosed             = errors.New("stream client closed")
	ErrStalled            = errors.New("no content frames")
	ErrMissingCredentials = errors.New("house orders channel needs credentials")
)

var (
	pingFrame = []byte("PING")
	pongFrame = []byte("PONG")
)

// CircuitState is the connection health consumed by the trading gate.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota // healthy
	CircuitOpen                       // unhealthy, do not trade
)

// State is the connection lifecycle.
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

// Auth is the user-channel credential block.
type Auth struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// AuthSource yields the credentials sent in the HouseOrders subscribe
// payload. It is consulted on every (re)subscribe.
type AuthSource interface {
	WSAuth() (Auth, error)
}

type marketSubscribe struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

type userSubscribe struct {
	Markets []string `json:"markets"`
	Type    string   `json:"type"`
	Auth    Auth     `json:"auth"`
}

// Client is a resilient WebSocket subscription to one channel.
type Client struct {
	cfg     Config
	channel Channel
	items   []string
	auth    AuthSource
	log     *zap.Logger
	msgs    *Messenger

	circuit atomic.Int32
	state   atomic.Int32

	// lastContent and lastPong hold unix nanos of the latest frame of each
	// kind in the current session.
	lastContent atomic.Int64
	lastPong    atomic.Int64
	pongs       chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	session string

	writeMu sync.Mutex

	cancel   context.CancelFunc
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	nowFunc func() time.Time
}

// New creates a client for channel. The Market channel requires at least one
// asset id; HouseOrders accepts zero or more condition ids and a non-nil
// auth source. A nil logger disables logging.
func New(cfg Config, channel Channel, items []string, auth AuthSource, log *zap.Logger) (*Client, error) {
	switch channel {
	case Market:
		if len(items) == 0 {
			return nil, ErrEmptySubscription
		}
	case HouseOrders:
		if auth == nil {
			return nil, ErrMissingCredentials
		}
	default:
		return nil, fmt.Errorf("unknown channel %q", channel)
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		cfg:     cfg,
		channel: channel,
		items:   append([]string{}, items...),
		auth:    auth,
		log:     log.With(zap.String("channel", string(channel))),
		msgs:    NewMessenger(),
		pongs:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
	c.circuit.Store(int32(CircuitOpen))
	return c, nil
}

func (c *Client) Channel() Channel { return c.channel }

// Messages is the queue decoded events and lifecycle events are pushed to.
func (c *Client) Messages() *Messenger { return c.msgs }

// Circuit returns the current circuit breaker state.
func (c *Client) Circuit() CircuitState { return CircuitState(c.circuit.Load()) }

func (c *Client) State() State { return State(c.state.Load()) }

// Session returns the id of the current connection, empty when down.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Start dials, subscribes, and launches the connection loop. It blocks for
// at most ConnectTimeout and fails with ErrConnect if the first connection
// cannot be established.
func (c *Client) Start(ctx context.Context) error {
	// cancel is published before started so a concurrent Stop that sees
	// started also sees cancel.
	c.mu.Lock()
	if c.started.Load() {
		c.mu.Unlock()
		return fmt.Errorf("%w: already started", ErrConnect)
	}
	ctx, c.cancel = context.WithCancel(ctx)
	stop := c.cancel
	c.started.Store(true)
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, err := c.connect(dialCtx)
	cancel()
	if err != nil {
		stop()
		close(c.done)
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	go c.loop(ctx, conn)
	return nil
}

// Stop closes the transport and waits for the loop to exit. It is safe to
// call more than once and before Start.
func (c *Client) Stop() {
	if !c.started.Load() {
		return
	}
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.cancel()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
		<-c.done
	})
}

// Done is closed once the connection loop has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Ping sends a probe and waits for the matching PONG.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || c.State() != Connected {
		return ErrClosed
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.PingTimeout)
		defer cancel()
	}

	select {
	case <-c.pongs:
	default:
	}
	if err := c.write(conn, pingFrame); err != nil {
		return err
	}
	select {
	case <-c.pongs:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrPingTimeout, ctx.Err())
	}
}

// connect dials with TCP_NODELAY, subscribes, sends the first probe, and
// announces the new session.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.state.Store(int32(Connecting))

	dialer := websocket.Dialer{
		ReadBufferSize:  c.cfg.ReadBufferSize,
		WriteBufferSize: c.cfg.WriteBufferSize,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.endpoint(c.channel), c.cfg.Headers)
	if err != nil {
		c.state.Store(int32(Disconnected))
		return nil, err
	}

	payload, err := c.subscribePayload()
	if err == nil {
		err = c.write(conn, payload)
	}
	if err == nil {
		err = c.write(conn, pingFrame)
	}
	if err != nil {
		conn.Close()
		c.state.Store(int32(Disconnected))
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	now := c.nowFunc()
	c.lastContent.Store(now.UnixNano())
	c.lastPong.Store(now.UnixNano())

	session := uuid.NewString()
	c.mu.Lock()
	c.conn = conn
	c.session = session
	c.mu.Unlock()

	c.state.Store(int32(Connected))
	c.circuit.Store(int32(CircuitClosed))
	c.log.Info("ws connected", zap.String("session", session), zap.Int("items", len(c.items)))
	c.emit(clob.InternalOpen, session, nil)
	return conn, nil
}

func (c *Client) subscribePayload() ([]byte, error) {
	if c.channel == Market {
		return json.Marshal(marketSubscribe{AssetsIDs: c.items, Type: string(Market)})
	}
	auth, err := c.auth.WSAuth()
	if err != nil {
		return nil, err
	}
	return json.Marshal(userSubscribe{Markets: c.items, Type: string(HouseOrders), Auth: auth})
}

// loop runs sessions back to back until ctx ends, reconnecting after a
// fixed delay whenever a session dies.
func (c *Client) loop(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)
	for {
		err := c.serve(ctx, conn)
		session := c.Session()

		c.mu.Lock()
		c.conn = nil
		c.session = ""
		c.mu.Unlock()
		c.circuit.Store(int32(CircuitOpen))
		c.state.Store(int32(Disconnected))

		if ctx.Err() != nil {
			c.log.Info("ws closed", zap.String("session", session))
			c.emit(clob.InternalClose, session, nil)
			return
		}

		c.log.Warn("ws session lost", zap.String("session", session), zap.Error(err))
		c.emit(clob.InternalError, session, err)
		c.emit(clob.InternalClose, session, nil)
		c.emit(clob.InternalReconnect, session, nil)

		if conn = c.reconnect(ctx); conn == nil {
			return
		}
	}
}

// reconnect retries at a fixed delay until a session is up or ctx ends.
func (c *Client) reconnect(ctx context.Context) *websocket.Conn {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		conn, err := c.connect(dialCtx)
		cancel()
		if err == nil {
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("ws reconnect failed", zap.Error(err), zap.Duration("retry_in", c.cfg.ReconnectDelay))
	}
}

// serve drives one session: the reader goroutine queues frames while this
// goroutine sends probes and watches for content stalls.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	stop := func(err error) error {
		conn.Close()
		<-readErr
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return stop(ctx.Err())
		case err := <-readErr:
			conn.Close()
			return err
		case <-ticker.C:
			silent := c.nowFunc().Sub(time.Unix(0, c.lastContent.Load()))
			if silent > c.cfg.StallAfter() {
				return stop(fmt.Errorf("%w for %s", ErrStalled, silent.Round(time.Millisecond)))
			}
			if err := c.write(conn, pingFrame); err != nil {
				return stop(err)
			}
		}
	}
}

// readLoop reads until the connection fails. Any frame, PONG included,
// pushes the read deadline out; only content frames count as liveness for
// the stall check.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		conn.SetReadDeadline(c.nowFunc().Add(c.cfg.StallAfter()))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		now := c.nowFunc()

		trimmed := bytes.TrimSpace(data)
		if bytes.EqualFold(trimmed, pongFrame) {
			c.lastPong.Store(now.UnixNano())
			select {
			case c.pongs <- struct{}{}:
			default:
			}
			continue
		}
		c.lastContent.Store(now.UnixNano())

		evs, err := clob.DecodeFrame(trimmed, now)
		if err != nil {
			c.log.Warn("dropping frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		c.msgs.Put(evs...)
	}
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(c.nowFunc().Add(c.cfg.ConnectTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) emit(name, session string, err error) {
	now := c.nowFunc()
	ev := clob.InternalEvent{
		Name:      name,
		Channel:   string(c.channel),
		Session:   session,
		Timestamp: now,
		Meta:      clob.Meta{Received: now},
	}
	if err != nil {
		ev.Err = err.Error()
	}
	c.msgs.Put(ev)
}

// LastPong reports when the current session last answered a probe.
func (c *Client) LastPong() time.Time { return time.Unix(0, c.lastPong.Load()) }

// LastContent reports when the current session last delivered content.
func (c *Client) LastContent() time.Time { return time.Unix(0, c.lastContent.Load()) }
