package api

import (
	"net/http"

	"wsbeat/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Handler handles HTTP requests for the pong server
type Handler struct {
	cfg      *config.ServerConfig
	registry *ConnectionRegistry
	upgrader websocket.Upgrader
}

// NewHandler creates a new API handler
func NewHandler(cfg *config.ServerConfig) *Handler {
	return &Handler{
		cfg:      cfg,
		registry: NewConnectionRegistry(),
		upgrader: newUpgrader(cfg.AllowedOrigin),
	}
}

// Connections returns the registry of live websocket connections
func (h *Handler) Connections() *ConnectionRegistry {
	return h.registry
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", h.HandleWebSocket)
	r.GET("/health", h.Health)
}

// Health reports that the server is up.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
