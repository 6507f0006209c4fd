package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/webrtc-sender/internal/config"
)

// wsServer is an in-process signaling server handing each accepted
// connection to the test.
type wsServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	s := &wsServer{conns: make(chan *websocket.Conn, 8)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- c
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for connection")
		return nil
	}
}

func readJSON(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("Server read failed: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Server got non-JSON frame %q: %v", data, err)
	}
	return m
}

func testSignalingConfig(url string) config.SignalingConfig {
	cfg := config.NewDefaultConfig().Signaling
	cfg.URL = url
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.PingInterval = time.Second
	cfg.PongWait = 5 * time.Second
	cfg.BackoffInitial = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	cfg.BackoffJitter = 0
	return cfg
}

var testRegister = Register{Role: RoleSender, Device: "/dev/video0", Resolution: "1280x720", FPS: 30}

func TestConnectSendsRegister(t *testing.T) {
	srv := newWSServer(t)
	tr := NewTransport(testSignalingConfig(srv.wsURL()), testRegister, zaptest.NewLogger(t), nil)
	defer tr.Close(context.Background())

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	sc := srv.accept(t)

	m := readJSON(t, sc)
	want := map[string]any{"type": "register", "role": "sender", "device": "/dev/video0", "resolution": "1280x720", "fps": float64(30)}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("Register field %q: expected %v, got %v", k, v, m[k])
		}
	}
	if !tr.Connected() {
		t.Fatal("Transport should report connected")
	}
}

func TestConnectFailure(t *testing.T) {
	srv := newWSServer(t)
	url := srv.wsURL()
	srv.Close()

	tr := NewTransport(testSignalingConfig(url), testRegister, zaptest.NewLogger(t), nil)
	err := tr.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "connect" {
		t.Fatalf("Expected connect TransportError, got %v", err)
	}
}

func TestSendNotConnected(t *testing.T) {
	tr := NewTransport(testSignalingConfig("ws://127.0.0.1:1"), testRegister, zaptest.NewLogger(t), nil)

	err := tr.Send(context.Background(), Offer{SDP: "v=0", SessionID: "abc"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected, got %v", err)
	}
}

func TestReceiveEndsCleanlyOnNormalClose(t *testing.T) {
	srv := newWSServer(t)
	tr := NewTransport(testSignalingConfig(srv.wsURL()), testRegister, zaptest.NewLogger(t), nil)
	defer tr.Close(context.Background())

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	sc := srv.accept(t)
	readJSON(t, sc)

	go func() {
		_ = sc.WriteMessage(websocket.TextMessage, []byte(`{"type":"session-created","session_id":"abc123"}`))
		_ = sc.WriteMessage(websocket.TextMessage, []byte(`{"type":"answer","sdp":"v=0"}`))
		_ = sc.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	}()

	var frames []string
	for raw, err := range tr.Receive(context.Background()) {
		if err != nil {
			t.Fatalf("Unexpected receive error: %v", err)
		}
		frames = append(frames, string(raw))
	}
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d: %v", len(frames), frames)
	}
	if tr.Connected() {
		t.Fatal("Transport should be disconnected after the sequence ends")
	}
	if err := tr.Send(context.Background(), Answer{SDP: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after close: expected ErrNotConnected, got %v", err)
	}
}

func TestReceiveReportsAbnormalClose(t *testing.T) {
	srv := newWSServer(t)
	tr := NewTransport(testSignalingConfig(srv.wsURL()), testRegister, zaptest.NewLogger(t), nil)
	defer tr.Close(context.Background())

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	sc := srv.accept(t)
	readJSON(t, sc)
	// drop TCP without a close frame
	sc.UnderlyingConn().Close()

	var gotErr error
	for _, err := range tr.Receive(context.Background()) {
		if err != nil {
			gotErr = err
		}
	}
	var te *TransportError
	if !errors.As(gotErr, &te) || te.Op != "receive" {
		t.Fatalf("Expected receive TransportError, got %v", gotErr)
	}
}

func TestMissedPongExpiresRead(t *testing.T) {
	srv := newWSServer(t)
	cfg := testSignalingConfig(srv.wsURL())
	cfg.PingInterval = 50 * time.Millisecond
	cfg.PongWait = 200 * time.Millisecond
	tr := NewTransport(cfg, testRegister, zaptest.NewLogger(t), nil)
	defer tr.Close(context.Background())

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	// the server never reads, so pings are never answered
	srv.accept(t)

	done := make(chan error, 1)
	go func() {
		var last error
		for _, err := range tr.Receive(context.Background()) {
			last = err
		}
		done <- last
	}()

	select {
	case err := <-done:
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("Expected TransportError after missed pong, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Read did not expire without pongs")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newWSServer(t)
	tr := NewTransport(testSignalingConfig(srv.wsURL()), testRegister, zaptest.NewLogger(t), nil)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	sc := srv.accept(t)
	readJSON(t, sc)

	if err := tr.Close(context.Background()); err != nil {
		t.Fatalf("First close failed: %v", err)
	}
	if err := tr.Close(context.Background()); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}

	_ = sc.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := sc.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("Server expected normal closure, got %v", err)
	}

	if err := tr.Send(context.Background(), Answer{SDP: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after Close: expected ErrNotConnected, got %v", err)
	}
	if err := tr.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect after Close: expected ErrClosed, got %v", err)
	}
}

type listenerEvent struct {
	kind   string
	connID string
	raw    string
	err    error
}

type chanListener chan listenerEvent

func (l chanListener) OnConnected(id string) { l <- listenerEvent{kind: "connected", connID: id} }
func (l chanListener) OnMessage(raw []byte)  { l <- listenerEvent{kind: "message", raw: string(raw)} }
func (l chanListener) OnDisconnected(err error) {
	l <- listenerEvent{kind: "disconnected", err: err}
}

func nextEvent(t *testing.T, l chanListener) listenerEvent {
	t.Helper()
	select {
	case ev := <-l:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for listener event")
		return listenerEvent{}
	}
}

func TestRunReconnectsAndReregisters(t *testing.T) {
	srv := newWSServer(t)
	tr := NewTransport(testSignalingConfig(srv.wsURL()), testRegister, zaptest.NewLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	l := make(chanListener, 16)
	runErr := make(chan error, 1)
	go func() { runErr <- tr.Run(ctx, l) }()

	// first connection
	sc1 := srv.accept(t)
	if m := readJSON(t, sc1); m["type"] != "register" {
		t.Fatalf("Expected register, got %v", m)
	}
	ev := nextEvent(t, l)
	if ev.kind != "connected" {
		t.Fatalf("Expected connected, got %+v", ev)
	}
	firstID := ev.connID

	if err := sc1.WriteMessage(websocket.TextMessage, []byte(`{"type":"session-created","session_id":"abc123"}`)); err != nil {
		t.Fatalf("Server write failed: %v", err)
	}
	if ev := nextEvent(t, l); ev.kind != "message" || !strings.Contains(ev.raw, "abc123") {
		t.Fatalf("Expected session-created frame, got %+v", ev)
	}

	// abnormal drop
	sc1.UnderlyingConn().Close()
	if ev := nextEvent(t, l); ev.kind != "disconnected" || ev.err == nil {
		t.Fatalf("Expected disconnected with error, got %+v", ev)
	}

	// reconnect re-registers with a new connection id
	sc2 := srv.accept(t)
	if m := readJSON(t, sc2); m["type"] != "register" {
		t.Fatalf("Expected register on reconnect, got %v", m)
	}
	ev = nextEvent(t, l)
	if ev.kind != "connected" {
		t.Fatalf("Expected connected, got %+v", ev)
	}
	if ev.connID == firstID {
		t.Fatal("Reconnect should use a fresh connection id")
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRunStopsOnClose(t *testing.T) {
	srv := newWSServer(t)
	tr := NewTransport(testSignalingConfig(srv.wsURL()), testRegister, zaptest.NewLogger(t), nil)

	l := make(chanListener, 16)
	runErr := make(chan error, 1)
	go func() { runErr <- tr.Run(context.Background(), l) }()

	sc := srv.accept(t)
	readJSON(t, sc)
	nextEvent(t, l)

	if err := tr.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after Close")
	}
	if ev := nextEvent(t, l); ev.kind != "disconnected" || ev.err != nil {
		t.Fatalf("Expected clean disconnect, got %+v", ev)
	}
}
