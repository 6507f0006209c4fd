package signaling

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/webrtc-sender/internal/api"
	"github.com/mikeyg42/webrtc-sender/internal/config"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("signaling: transport closed")

// Listener receives connection lifecycle and inbound frames from Run.
// Calls are made from the Run goroutine, in order.
type Listener interface {
	OnConnected(connID string)
	OnMessage(raw []byte)
	OnDisconnected(err error)
}

// connection is one WebSocket session with the server.
type connection struct {
	ws       *websocket.Conn
	id       string
	stop     chan struct{}
	stopOnce sync.Once
	closing  atomic.Bool
}

func (c *connection) shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Transport is the client connection to the signaling server.
type Transport struct {
	cfg      config.SignalingConfig
	register Register
	dialer   *websocket.Dialer
	logger   *zap.Logger
	metrics  *api.Metrics

	mu     sync.Mutex // guards conn and closed
	conn   *connection
	closed bool

	writeMu sync.Mutex
}

// NewTransport creates a transport that announces itself with register on
// every successful connect.
func NewTransport(cfg config.SignalingConfig, register Register, logger *zap.Logger, metrics *api.Metrics) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		cfg:      cfg,
		register: register,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger:  logger,
		metrics: metrics,
	}
}

// Connected reports whether a connection is currently open.
func (t *Transport) Connected() bool {
	return t.current() != nil
}

func (t *Transport) current() *connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Connect dials the server and sends Register. It is a no-op when already
// connected.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return &TransportError{Op: "connect", Err: ErrClosed}
	}
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	ws, resp, err := t.dialer.DialContext(dialCtx, t.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return &TransportError{Op: "connect", Err: err}
	}

	c := &connection{ws: ws, id: uuid.NewString(), stop: make(chan struct{})}

	if t.cfg.ReadLimit > 0 {
		ws.SetReadLimit(t.cfg.ReadLimit)
	}
	_ = ws.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ws.Close()
		return &TransportError{Op: "connect", Err: ErrClosed}
	}
	t.conn = c
	t.mu.Unlock()

	go t.keepalive(c)

	log := t.logger.With(zap.String("conn_id", c.id))
	log.Info("Connected to signaling server", zap.String("url", t.cfg.URL))

	if err := t.Send(ctx, t.register); err != nil {
		t.detach(c)
		return &TransportError{Op: "connect", Err: fmt.Errorf("register: %w", err)}
	}
	log.Debug("Registered",
		zap.String("role", t.register.Role),
		zap.String("device", t.register.Device),
		zap.String("resolution", t.register.Resolution),
		zap.Int("fps", t.register.FPS))
	return nil
}

// Send encodes and writes m. Without an open connection it returns
// ErrNotConnected.
func (t *Transport) Send(ctx context.Context, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}

	c := t.current()
	if c == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "send", Err: err}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)

	// cancellation aborts a blocked write
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	t.metrics.MessageSent(m.Type())
	return nil
}

// Receive yields inbound frames from the current connection. The sequence
// ends without an error on a normal close (1000/1001), on ctx cancellation
// and after Close; any other read failure is yielded as *TransportError.
// The connection is discarded when the sequence ends.
func (t *Transport) Receive(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		c := t.current()
		if c == nil {
			yield(nil, ErrNotConnected)
			return
		}
		defer t.detach(c)

		stop := context.AfterFunc(ctx, func() {
			_ = c.ws.SetReadDeadline(time.Now())
		})
		defer stop()

		for {
			_, data, err := c.ws.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					ctx.Err() != nil || c.closing.Load() {
					t.logger.Debug("Signaling connection closed", zap.String("conn_id", c.id), zap.Error(err))
					return
				}
				yield(nil, &TransportError{Op: "receive", Err: err})
				return
			}
			if !yield(data, nil) {
				return
			}
		}
	}
}

// Run keeps the transport connected until ctx is cancelled or Close is
// called. Failed connects are retried with Backoff; the policy resets after
// every successful connection.
func (t *Transport) Run(ctx context.Context, l Listener) error {
	b := NewBackoff(t.cfg.BackoffInitial, t.cfg.BackoffMax, t.cfg.BackoffJitter)
	connects := 0

	for {
		attempt := 0
		op := func() error {
			attempt++
			err := t.Connect(ctx)
			if errors.Is(err, ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, d time.Duration) {
			t.logger.Warn("Signaling connect failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", d),
				zap.Error(err))
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}

		c := t.current()
		if c == nil {
			// closed between connect and here
			continue
		}
		connects++
		if connects > 1 {
			t.metrics.Reconnect()
		}
		l.OnConnected(c.id)

		var recvErr error
		for raw, err := range t.Receive(ctx) {
			if err != nil {
				recvErr = err
				break
			}
			l.OnMessage(raw)
		}
		if recvErr != nil {
			t.logger.Warn("Signaling connection lost", zap.String("conn_id", c.id), zap.Error(recvErr))
		}
		l.OnDisconnected(recvErr)

		if ctx.Err() != nil || t.isClosed() {
			return nil
		}

		timer := time.NewTimer(t.cfg.BackoffInitial)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Close sends a normal-closure frame and closes the socket. Further calls
// return nil.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	c := t.conn
	t.mu.Unlock()

	if c == nil {
		return nil
	}
	c.closing.Store(true)

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "sender shutting down")
	writeErr := c.ws.WriteControl(websocket.CloseMessage, msg, deadline)

	t.detach(c)
	t.logger.Info("Signaling transport closed", zap.String("conn_id", c.id))

	if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
		return &TransportError{Op: "close", Err: writeErr}
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// detach forgets c and releases its socket and keepalive.
func (t *Transport) detach(c *connection) {
	t.mu.Lock()
	if t.conn == c {
		t.conn = nil
	}
	t.mu.Unlock()
	c.shutdown()
	_ = c.ws.Close()
}

func (t *Transport) keepalive(c *connection) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout)); err != nil {
				// the read side sees the failure and ends the connection
				t.logger.Debug("Ping failed", zap.String("conn_id", c.id), zap.Error(err))
				return
			}
		}
	}
}
