package main

import (
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wsbeat/internal/adapters/api"
	"wsbeat/internal/config"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.LoadServerConfig()

	log.Info().
		Str("http_port", cfg.HTTPPort).
		Bool("pong_enabled", cfg.PongEnabled).
		Bool("echo_enabled", cfg.EchoEnabled).
		Msg("Starting pong server")

	gin.SetMode(gin.ReleaseMode)
	r := newRouter(cfg)

	if err := r.Run(":" + cfg.HTTPPort); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
}

func newRouter(cfg *config.ServerConfig) *gin.Engine {
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{cfg.AllowedOrigin},
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}))

	api.NewHandler(cfg).RegisterRoutes(r)
	return r
}
