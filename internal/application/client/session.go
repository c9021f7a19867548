package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"wsbeat/internal/application/heartbeat"
	dom "wsbeat/internal/domain/heartbeat"
	"wsbeat/internal/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyStarted is returned by Run on a session that already ran.
var ErrAlreadyStarted = errors.New("session already started")

// Loop is the single logical thread the session delivers events on.
type Loop interface {
	ports.Scheduler
	Post(fn func()) bool
	Run(ctx context.Context) error
}

// Handlers are the application callbacks. They run on the loop goroutine.
type Handlers struct {
	OnMessage func(payload string)
	OnClose   func(code int, reason string)
	OnError   func(err error)
}

// Session owns one connection and its heartbeat monitor for the connection's
// lifetime. It implements ports.EventHandler.
type Session struct {
	id       string
	conn     ports.Connection
	loop     Loop
	monitor  *heartbeat.Monitor
	handlers Handlers
	logger   zerolog.Logger

	started atomic.Bool
	closed  chan struct{}
	err     error
	final   dom.Stats
}

func NewSession(conn ports.Connection, loop Loop, cfg heartbeat.Config, handlers Handlers) *Session {
	s := &Session{
		id:       uuid.NewString(),
		conn:     conn,
		loop:     loop,
		handlers: handlers,
		closed:   make(chan struct{}),
	}
	s.logger = log.With().Str("session_id", s.id).Logger()
	s.monitor = heartbeat.NewMonitor(conn, loop, cfg, s.dispatch)
	s.monitor.OnTimeout(func(err *dom.HeartbeatTimeoutError) {
		if s.err == nil {
			s.err = err
		}
	})
	return s
}

// ID returns the session identifier attached to its log lines.
func (s *Session) ID() string { return s.id }

// Done is closed once the connection has closed and the monitor stopped.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Run opens the connection and blocks until it closes. Cancelling ctx closes
// the connection normally. The returned error is the heartbeat timeout or
// transport failure that ended the connection, nil for a clean close.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	s.conn.Subscribe(s)

	// the loop outlives ctx so the close event is still delivered
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = s.loop.Run(loopCtx)
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	if err := s.conn.Open(ctx); err != nil {
		s.logger.Error().Err(err).Msg("websocket connect failed")
	}

	select {
	case <-s.closed:
	case <-ctx.Done():
		s.logger.Info().Msg("shutdown requested, closing connection")
		if err := s.conn.Close(dom.CloseNormal, "client shutdown"); err != nil {
			s.logger.Error().Err(err).Msg("failed to close connection")
		}
		<-s.closed
	}
	return s.err
}

// Send transmits payload if the connection is open. Nothing is queued: a
// payload refused here was not delivered.
func (s *Session) Send(payload string) error {
	if dom.IsControl(payload) {
		return fmt.Errorf("send %q: %w", payload, dom.ErrReservedPayload)
	}
	if err := s.conn.Send(payload); err != nil {
		s.logger.Warn().Err(err).Msg("unable to send message")
		return err
	}
	s.logger.Debug().Str("message", payload).Msg("message sent")
	return nil
}

// Stats returns the heartbeat counters of the session. Before Run it returns
// zero counters.
func (s *Session) Stats() dom.Stats {
	if !s.started.Load() {
		return dom.Stats{}
	}
	select {
	case <-s.closed:
		return s.final
	default:
	}
	ch := make(chan dom.Stats, 1)
	if !s.loop.Post(func() { ch <- s.monitor.Stats() }) {
		<-s.closed
		return s.final
	}
	select {
	case st := <-ch:
		return st
	case <-s.closed:
		return s.final
	}
}

func (s *Session) OnOpen() {
	s.loop.Post(s.handleOpen)
}

func (s *Session) OnMessage(payload string) {
	s.loop.Post(func() { s.monitor.OnMessage(payload) })
}

func (s *Session) OnClose(code int, reason string) {
	s.loop.Post(func() { s.handleClose(code, reason) })
}

func (s *Session) OnError(err error) {
	s.loop.Post(func() { s.handleError(err) })
}

func (s *Session) handleOpen() {
	s.logger.Info().Msg("connected to the websocket server")
	s.monitor.Start()
}

func (s *Session) dispatch(payload string) {
	s.logger.Debug().Str("message", payload).Msg("received message")
	if s.handlers.OnMessage != nil {
		s.handlers.OnMessage(payload)
	}
}

func (s *Session) handleError(err error) {
	s.logger.Error().Err(err).Msg("websocket error")
	if s.err == nil {
		s.err = err
	}
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}

func (s *Session) handleClose(code int, reason string) {
	select {
	case <-s.closed:
		return
	default:
	}
	s.monitor.Stop()
	s.final = s.monitor.Stats()
	s.logger.Info().
		Int("code", code).
		Str("reason", reason).
		Int("pings_sent", s.final.PingsSent).
		Int("pongs_received", s.final.PongsReceived).
		Msg("connection closed")
	if s.handlers.OnClose != nil {
		s.handlers.OnClose(code, reason)
	}
	close(s.closed)
}
