package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wsbeat/internal/adapters/ws"
	"wsbeat/internal/application/heartbeat"
	dom "wsbeat/internal/domain/heartbeat"
	"wsbeat/internal/eventloop"
	"wsbeat/internal/ports"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockConnection fails to dial and reports it the way the transport does.
type mockConnection struct {
	handler ports.EventHandler
	state   dom.State
	openErr error
}

func (m *mockConnection) Subscribe(handler ports.EventHandler) { m.handler = handler }

func (m *mockConnection) Open(ctx context.Context) error {
	if m.openErr != nil {
		m.state = dom.StateClosed
		m.handler.OnError(m.openErr)
		m.handler.OnClose(dom.CloseAbnormal, "")
		return m.openErr
	}
	m.state = dom.StateOpen
	m.handler.OnOpen()
	return nil
}

func (m *mockConnection) Send(payload string) error {
	if m.state != dom.StateOpen {
		return &dom.NotOpenError{State: m.state}
	}
	return nil
}

func (m *mockConnection) Close(code int, reason string) error { return nil }

func (m *mockConnection) State() dom.State { return m.state }

type serverOptions struct {
	pong     bool
	greeting string
}

// pongServer answers "ping" with "pong" when enabled and echoes everything else.
type pongServer struct {
	url       string
	pings     atomic.Int32
	mu        sync.Mutex
	received  []string
	closeCode atomic.Int32
}

func (p *pongServer) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.received...)
}

func newPongServer(t *testing.T, opts serverOptions) *pongServer {
	t.Helper()
	p := &pongServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()

		if opts.greeting != "" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(opts.greeting))
		}
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					p.closeCode.Store(int32(closeErr.Code))
				}
				return
			}
			payload := string(msg)
			if payload == dom.PingToken {
				p.pings.Add(1)
				if opts.pong {
					_ = conn.WriteMessage(websocket.TextMessage, []byte(dom.PongToken))
				}
				continue
			}
			p.mu.Lock()
			p.received = append(p.received, payload)
			p.mu.Unlock()
			_ = conn.WriteMessage(websocket.TextMessage, msg)
		}
	}))
	t.Cleanup(server.Close)

	p.url = "ws" + strings.TrimPrefix(server.URL, "http")
	return p
}

type recorder struct {
	mu       sync.Mutex
	messages []string
	errs     []error
	code     int
	reason   string
	closes   int
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnMessage: func(payload string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, payload)
		},
		OnClose: func(code int, reason string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.code, r.reason = code, reason
			r.closes++
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) snapshot() ([]string, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...), r.code, r.closes
}

func runSession(ctx context.Context, s *Session) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Session did not finish")
		return nil
	}
}

func TestNewSession(t *testing.T) {
	s := NewSession(&mockConnection{}, eventloop.New(), heartbeat.Config{}, Handlers{})

	assert.NotEmpty(t, s.ID())
	other := NewSession(&mockConnection{}, eventloop.New(), heartbeat.Config{}, Handlers{})
	assert.NotEqual(t, s.ID(), other.ID())
}

func TestSession_SendWhileConnecting(t *testing.T) {
	conn := &mockConnection{state: dom.StateConnecting}
	s := NewSession(conn, eventloop.New(), heartbeat.Config{}, Handlers{})

	err := s.Send("hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, dom.ErrNotOpen)
}

func TestSession_SendReservedPayload(t *testing.T) {
	conn := &mockConnection{state: dom.StateOpen}
	s := NewSession(conn, eventloop.New(), heartbeat.Config{}, Handlers{})

	assert.ErrorIs(t, s.Send("ping"), dom.ErrReservedPayload)
	assert.ErrorIs(t, s.Send("pong"), dom.ErrReservedPayload)
	assert.NoError(t, s.Send("hello"))
}

func TestSession_DialFailure(t *testing.T) {
	dialErr := &dom.TransportError{Op: "dial", Err: errors.New("connection refused")}
	conn := &mockConnection{openErr: dialErr}
	rec := &recorder{}
	s := NewSession(conn, eventloop.New(), heartbeat.Config{}, rec.handlers())

	err := s.Run(context.Background())

	assert.ErrorIs(t, err, dialErr)
	_, code, closes := rec.snapshot()
	assert.Equal(t, dom.CloseAbnormal, code)
	assert.Equal(t, 1, closes)
	assert.Len(t, rec.errs, 1)
	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyStarted)
}

func TestSession_HealthyPeerKeepsConnection(t *testing.T) {
	server := newPongServer(t, serverOptions{pong: true, greeting: "welcome"})
	rec := &recorder{}
	conn := ws.NewClient(server.url, ws.Options{})
	s := NewSession(conn, eventloop.New(), heartbeat.Config{
		PingInterval: 20 * time.Millisecond,
		PongTimeout:  500 * time.Millisecond,
	}, rec.handlers())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runSession(ctx, s)

	require.Eventually(t, func() bool { return server.pings.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return conn.State() == dom.StateOpen }, time.Second, time.Millisecond)
	require.NoError(t, s.Send("hello"))
	require.Eventually(t, func() bool {
		msgs, _, _ := rec.snapshot()
		return len(msgs) == 2
	}, 2*time.Second, 5*time.Millisecond)

	stats := s.Stats()
	assert.GreaterOrEqual(t, stats.PingsSent, 4)
	assert.GreaterOrEqual(t, stats.PongsReceived, 3)

	cancel()
	require.NoError(t, waitRun(t, errCh))

	msgs, code, closes := rec.snapshot()
	assert.Equal(t, []string{"welcome", "hello"}, msgs, "pongs must never reach the application")
	assert.Equal(t, dom.CloseNormal, code)
	assert.Equal(t, 1, closes)
	assert.Equal(t, []string{"hello"}, server.messages())
	assert.Equal(t, dom.StateClosed, conn.State())
}

func TestSession_SilentPeerTimesOut(t *testing.T) {
	server := newPongServer(t, serverOptions{pong: false})
	rec := &recorder{}
	conn := ws.NewClient(server.url, ws.Options{CloseGrace: 200 * time.Millisecond})
	s := NewSession(conn, eventloop.New(), heartbeat.Config{
		PingInterval: 20 * time.Millisecond,
		PongTimeout:  50 * time.Millisecond,
	}, rec.handlers())

	err := waitRun(t, runSession(context.Background(), s))

	var timeoutErr *dom.HeartbeatTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)

	_, code, closes := rec.snapshot()
	assert.Equal(t, dom.CloseHeartbeatTimeout, code)
	assert.Equal(t, 1, closes)
	assert.Empty(t, rec.errs)

	require.Eventually(t, func() bool {
		return server.closeCode.Load() == dom.CloseHeartbeatTimeout
	}, time.Second, 5*time.Millisecond)

	pingsAtClose := server.pings.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, pingsAtClose, server.pings.Load(), "no ping may follow the close")
	assert.Equal(t, int(pingsAtClose), s.Stats().PingsSent)
}

func TestSession_SilentPeerIntervalEqualsTimeout(t *testing.T) {
	server := newPongServer(t, serverOptions{pong: false})
	rec := &recorder{}
	conn := ws.NewClient(server.url, ws.Options{CloseGrace: 200 * time.Millisecond})
	s := NewSession(conn, eventloop.New(), heartbeat.Config{
		PingInterval: 50 * time.Millisecond,
		PongTimeout:  50 * time.Millisecond,
	}, rec.handlers())

	err := waitRun(t, runSession(context.Background(), s))

	require.ErrorIs(t, err, dom.ErrHeartbeatTimeout)
	_, code, closes := rec.snapshot()
	assert.Equal(t, dom.CloseHeartbeatTimeout, code)
	assert.Equal(t, 1, closes)

	require.Eventually(t, func() bool {
		return server.closeCode.Load() == dom.CloseHeartbeatTimeout
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), server.pings.Load(), "the tick at the deadline must not ping")
	assert.Equal(t, 1, s.Stats().PingsSent)
}

func TestSession_StatsBeforeRun(t *testing.T) {
	s := NewSession(&mockConnection{}, eventloop.New(), heartbeat.Config{}, Handlers{})

	done := make(chan dom.Stats, 1)
	go func() { done <- s.Stats() }()

	select {
	case st := <-done:
		assert.Equal(t, dom.Stats{}, st)
	case <-time.After(time.Second):
		t.Fatal("Stats blocked on a session that never ran")
	}
}

func TestSession_RemoteCloseStopsHeartbeat(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		_, _, _ = conn.ReadMessage() // first ping
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "restarting")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(server.Close)

	rec := &recorder{}
	conn := ws.NewClient("ws"+strings.TrimPrefix(server.URL, "http"), ws.Options{})
	s := NewSession(conn, eventloop.New(), heartbeat.Config{PingInterval: time.Hour}, rec.handlers())

	err := waitRun(t, runSession(context.Background(), s))

	require.NoError(t, err)
	_, code, closes := rec.snapshot()
	assert.Equal(t, websocket.CloseGoingAway, code)
	assert.Equal(t, 1, closes)
	assert.Equal(t, 1, s.Stats().PingsSent)
	assert.ErrorIs(t, s.Send("late"), dom.ErrNotOpen)
}
