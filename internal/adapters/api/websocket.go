package api

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	dom "wsbeat/internal/domain/heartbeat"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

// newUpgrader accepts any origin for "*", otherwise only the configured one.
// Requests without an Origin header (non-browser clients) are always accepted.
func newUpgrader(allowedOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowedOrigin == "*" || origin == "" {
				return true
			}
			if origin == allowedOrigin {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == allowedOrigin
		},
	}
}

// ConnectionRegistry tracks the websocket connections currently served
type ConnectionRegistry struct {
	connections map[string]*websocket.Conn // connection id -> conn
	mu          sync.RWMutex
}

// NewConnectionRegistry creates an empty registry
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		connections: make(map[string]*websocket.Conn),
	}
}

// Register adds a connection and returns its generated id
func (m *ConnectionRegistry) Register(conn *websocket.Conn) string {
	id := uuid.NewString()

	m.mu.Lock()
	m.connections[id] = conn
	total := len(m.connections)
	m.mu.Unlock()

	log.Info().Str("connection_id", id).Int("connections", total).Msg("WebSocket connection registered")
	return id
}

// Unregister removes a connection from the registry
func (m *ConnectionRegistry) Unregister(id string) {
	m.mu.Lock()
	delete(m.connections, id)
	total := len(m.connections)
	m.mu.Unlock()

	log.Info().Str("connection_id", id).Int("connections", total).Msg("WebSocket connection unregistered")
}

// Count returns the number of registered connections
func (m *ConnectionRegistry) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// HandleWebSocket answers heartbeat pings and echoes application payloads
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	id := h.registry.Register(conn)
	defer func() {
		h.registry.Unregister(id)
		_ = conn.Close()
	}()

	log.Info().
		Str("connection_id", id).
		Str("remote_addr", c.Request.RemoteAddr).
		Msg("WebSocket connection established")

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			code := dom.CloseAbnormal
			if closeErr, ok := err.(*websocket.CloseError); ok {
				code = closeErr.Code
			}
			log.Info().
				Str("connection_id", id).
				Int("code", code).
				Msg("WebSocket connection closed")
			return
		}

		payload := string(message)
		switch {
		case payload == dom.PingToken:
			if !h.cfg.PongEnabled {
				log.Debug().Str("connection_id", id).Msg("Ping ignored, pong disabled")
				continue
			}
			if err := h.write(conn, websocket.TextMessage, []byte(dom.PongToken)); err != nil {
				log.Error().Err(err).Str("connection_id", id).Msg("Failed to send pong")
				return
			}
		case h.cfg.EchoEnabled:
			if err := h.write(conn, msgType, message); err != nil {
				log.Error().Err(err).Str("connection_id", id).Msg("Failed to echo message")
				return
			}
		default:
			log.Debug().Str("connection_id", id).Str("message", payload).Msg("Message received")
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, msgType int, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(msgType, data)
}
