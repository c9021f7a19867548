package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	dom "wsbeat/internal/domain/heartbeat"
	"wsbeat/internal/ports"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyOpened is returned when Open is called more than once.
var ErrAlreadyOpened = errors.New("websocket client already opened")

// Options tunes the transport.
type Options struct {
	HandshakeTimeout time.Duration
	// CloseGrace bounds how long a local close waits for the peer's close frame.
	CloseGrace time.Duration
	WriteWait  time.Duration
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = 5 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	return o
}

// Client implements ports.Connection on top of gorilla/websocket.
// One Client carries exactly one connection attempt.
type Client struct {
	url    string
	dialer *websocket.Dialer
	opts   Options

	handler ports.EventHandler
	state   atomic.Int32
	opened  atomic.Bool

	mu   sync.Mutex // serializes writes
	conn *websocket.Conn

	closeMu     sync.Mutex
	localClose  bool
	localCode   int
	localReason string

	done chan struct{}
}

func NewClient(url string, opts Options) *Client {
	opts = opts.withDefaults()
	c := &Client{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		opts:    opts,
		handler: noopHandler{},
		done:    make(chan struct{}),
	}
	c.state.Store(int32(dom.StateConnecting))
	return c
}

// Subscribe sets the event handler. It must be called before Open.
func (c *Client) Subscribe(handler ports.EventHandler) {
	if handler == nil {
		handler = noopHandler{}
	}
	c.handler = handler
}

func (c *Client) State() dom.State { return dom.State(c.state.Load()) }

// Done is closed once the connection is fully closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Open dials the server. A failed dial still reports OnError and OnClose.
func (c *Client) Open(ctx context.Context) error {
	if !c.opened.CompareAndSwap(false, true) {
		return ErrAlreadyOpened
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		terr := &dom.TransportError{Op: "dial", Err: err}
		c.state.Store(int32(dom.StateClosed))
		c.handler.OnError(terr)
		c.handler.OnClose(dom.CloseAbnormal, "")
		close(c.done)
		return terr
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.state.Store(int32(dom.StateOpen))
	log.Debug().Str("url", c.url).Msg("websocket connected")

	c.handler.OnOpen()
	go c.readPump(conn)
	return nil
}

// Send writes payload as a text frame.
func (c *Client) Send(payload string) error {
	if state := c.State(); state != dom.StateOpen {
		return &dom.NotOpenError{State: state}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		return &dom.TransportError{Op: "write", Err: err}
	}
	return nil
}

// Close starts the closing handshake with code and reason. The socket is torn
// down after CloseGrace if the peer does not answer. Only the first call on an
// open connection has an effect.
func (c *Client) Close(code int, reason string) error {
	if !c.state.CompareAndSwap(int32(dom.StateOpen), int32(dom.StateClosing)) {
		return nil
	}
	c.closeMu.Lock()
	c.localClose = true
	c.localCode = code
	c.localReason = reason
	c.closeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.opts.WriteWait))
	c.mu.Unlock()
	if err != nil {
		_ = conn.Close()
		return &dom.TransportError{Op: "close", Err: err}
	}

	go func() {
		select {
		case <-c.done:
		case <-time.After(c.opts.CloseGrace):
			log.Warn().Dur("grace", c.opts.CloseGrace).Msg("peer did not complete close handshake")
			_ = conn.Close()
		}
	}()
	return nil
}

func (c *Client) readPump(conn *websocket.Conn) {
	defer close(c.done)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.finish(conn, err)
			return
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			c.handler.OnMessage(string(data))
		}
	}
}

func (c *Client) finish(conn *websocket.Conn, readErr error) {
	c.state.Store(int32(dom.StateClosed))
	_ = conn.Close()

	c.closeMu.Lock()
	local, code, reason := c.localClose, c.localCode, c.localReason
	c.closeMu.Unlock()

	if !local {
		// gorilla reports a dropped socket as a 1006 CloseError
		var closeErr *websocket.CloseError
		if errors.As(readErr, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
			code, reason = closeErr.Code, closeErr.Text
		} else {
			c.handler.OnError(&dom.TransportError{Op: "read", Err: readErr})
			code, reason = dom.CloseAbnormal, ""
		}
	}
	c.handler.OnClose(code, reason)
}

type noopHandler struct{}

func (noopHandler) OnOpen()                         {}
func (noopHandler) OnMessage(payload string)        {}
func (noopHandler) OnClose(code int, reason string) {}
func (noopHandler) OnError(err error)               {}
