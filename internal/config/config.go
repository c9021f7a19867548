package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// ClientConfig holds the heartbeat client configuration
type ClientConfig struct {
	ServerURL        string
	PingInterval     time.Duration
	PongTimeout      time.Duration // Independent of PingInterval; defaults to it
	CloseGrace       time.Duration
	HandshakeTimeout time.Duration
	LogLevel         string

	pongTimeoutSet bool
}

// ServerConfig holds the pong server configuration
type ServerConfig struct {
	HTTPPort      string `json:"http_port"`
	AllowedOrigin string `json:"allowed_origin"`
	PongEnabled   bool   `json:"pong_enabled"` // Answer "ping" with "pong"; disable to exercise client timeouts
	EchoEnabled   bool   `json:"echo_enabled"` // Echo application payloads back to the sender
}

// fileConfig is the TOML representation. Durations are in milliseconds.
type fileConfig struct {
	ServerURL          string `toml:"server_url"`
	PingIntervalMs     int    `toml:"ping_interval_ms"`
	PongTimeoutMs      int    `toml:"pong_timeout_ms"`
	CloseGraceMs       int    `toml:"close_grace_ms"`
	HandshakeTimeoutMs int    `toml:"handshake_timeout_ms"`
	LogLevel           string `toml:"log_level"`
}

const (
	defaultServerURL          = "ws://localhost:8001/ws"
	defaultPingIntervalMs     = 30000
	defaultCloseGraceMs       = 5000
	defaultHandshakeTimeoutMs = 10000
)

// LoadClientConfig builds the client configuration from defaults, the
// optional TOML file at path, then environment variables.
func LoadClientConfig(path string) (*ClientConfig, error) {
	fc := fileConfig{
		ServerURL:          defaultServerURL,
		PingIntervalMs:     defaultPingIntervalMs,
		CloseGraceMs:       defaultCloseGraceMs,
		HandshakeTimeoutMs: defaultHandshakeTimeoutMs,
		LogLevel:           "info",
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	fc.ServerURL = getEnv("SERVER_URL", fc.ServerURL)
	fc.PingIntervalMs = getEnvAsInt("PING_INTERVAL_MS", fc.PingIntervalMs)
	fc.PongTimeoutMs = getEnvAsInt("PONG_TIMEOUT_MS", fc.PongTimeoutMs)
	fc.CloseGraceMs = getEnvAsInt("CLOSE_GRACE_MS", fc.CloseGraceMs)
	fc.HandshakeTimeoutMs = getEnvAsInt("HANDSHAKE_TIMEOUT_MS", fc.HandshakeTimeoutMs)
	fc.LogLevel = getEnv("LOG_LEVEL", fc.LogLevel)

	// the pong timeout follows the ping interval unless set explicitly
	pongTimeoutSet := fc.PongTimeoutMs != 0
	if !pongTimeoutSet {
		fc.PongTimeoutMs = fc.PingIntervalMs
	}

	cfg := &ClientConfig{
		ServerURL:        fc.ServerURL,
		PingInterval:     millis(fc.PingIntervalMs),
		PongTimeout:      millis(fc.PongTimeoutMs),
		CloseGrace:       millis(fc.CloseGraceMs),
		HandshakeTimeout: millis(fc.HandshakeTimeoutMs),
		LogLevel:         fc.LogLevel,
		pongTimeoutSet:   pongTimeoutSet,
	}
	return cfg, nil
}

// SetPingInterval overrides the interval. A pong timeout that was never set
// explicitly keeps following it.
func (c *ClientConfig) SetPingInterval(d time.Duration) {
	c.PingInterval = d
	if !c.pongTimeoutSet {
		c.PongTimeout = d
	}
}

// SetPongTimeout overrides the timeout and detaches it from the interval.
func (c *ClientConfig) SetPongTimeout(d time.Duration) {
	c.PongTimeout = d
	c.pongTimeoutSet = true
}

// Validate checks the server URL and timings.
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid server url %q: scheme must be ws or wss", c.ServerURL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid server url %q: missing host", c.ServerURL)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive, got %s", c.PingInterval)
	}
	if c.PongTimeout <= 0 {
		return fmt.Errorf("pong timeout must be positive, got %s", c.PongTimeout)
	}
	if c.CloseGrace <= 0 {
		return fmt.Errorf("close grace must be positive, got %s", c.CloseGrace)
	}
	return nil
}

// LoadServerConfig loads the pong server configuration from environment variables
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		HTTPPort:      getEnv("HTTP_PORT", "8001"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "*"),
		PongEnabled:   getEnvAsBool("PONG_ENABLED", true),
		EchoEnabled:   getEnvAsBool("ECHO_ENABLED", true),
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
