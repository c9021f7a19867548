package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wsbeat/internal/adapters/ws"
	"wsbeat/internal/application/client"
	"wsbeat/internal/application/heartbeat"
	"wsbeat/internal/config"
	dom "wsbeat/internal/domain/heartbeat"
	"wsbeat/internal/eventloop"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout))
}

// run connects, forwards stdin lines as messages and prints what the server
// sends until the connection closes. It returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) int {
	cfg, err := loadConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		log.Error().Err(err).Msg("invalid configuration")
		return 2
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	conn := ws.NewClient(cfg.ServerURL, ws.Options{
		HandshakeTimeout: cfg.HandshakeTimeout,
		CloseGrace:       cfg.CloseGrace,
	})
	session := client.NewSession(conn, eventloop.New(), heartbeat.Config{
		PingInterval: cfg.PingInterval,
		PongTimeout:  cfg.PongTimeout,
	}, client.Handlers{
		OnMessage: func(payload string) {
			_, _ = fmt.Fprintln(stdout, payload)
		},
	})

	log.Info().
		Str("url", cfg.ServerURL).
		Dur("ping_interval", cfg.PingInterval).
		Dur("pong_timeout", cfg.PongTimeout).
		Str("session_id", session.ID()).
		Msg("connecting websocket")

	go forwardInput(session, stdin)

	err = session.Run(ctx)
	stats := session.Stats()
	log.Info().
		Int("pings_sent", stats.PingsSent).
		Int("pongs_received", stats.PongsReceived).
		Int("stray_pongs", stats.StrayPongs).
		Msg("session finished")

	switch {
	case err == nil:
		return 0
	case errors.Is(err, dom.ErrHeartbeatTimeout):
		log.Error().Err(err).Msg("server stopped answering heartbeats")
		return 1
	default:
		log.Error().Err(err).Msg("connection failed")
		return 1
	}
}

// forwardInput sends every non-empty stdin line until the input or the
// session ends.
func forwardInput(session *client.Session, stdin io.Reader) {
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		select {
		case <-session.Done():
			return
		default:
		}
		if err := session.Send(line); err != nil {
			log.Warn().Err(err).Str("message", line).Msg("message dropped")
		}
	}
}

// loadConfig applies defaults, the TOML file, the environment and finally the
// flags that were set explicitly.
func loadConfig(args []string) (*config.ClientConfig, error) {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_FILE"), "Path to a TOML config file")
	server := fs.String("server", "", "WebSocket server URL (ws:// or wss://)")
	pingInterval := fs.Int("ping-interval", 0, "Ping interval in milliseconds")
	pongTimeout := fs.Int("pong-timeout", 0, "Pong timeout in milliseconds (defaults to the ping interval)")
	logLevel := fs.String("log-level", "", "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		return nil, err
	}

	// flags win over the file and the environment
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			cfg.ServerURL = *server
		case "ping-interval":
			cfg.SetPingInterval(time.Duration(*pingInterval) * time.Millisecond)
		case "pong-timeout":
			cfg.SetPongTimeout(time.Duration(*pongTimeout) * time.Millisecond)
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
