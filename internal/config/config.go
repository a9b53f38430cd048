// ABOUTME: Environment-driven configuration for webchat-proxy
// ABOUTME: Parses bind address, database path, CORS origins, and logging knobs

package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime settings. Every field is sourced from the
// environment; there is no config file.
type Config struct {
	Host              string `env:"HOST" envDefault:"0.0.0.0"`
	Port              int    `env:"PORT" envDefault:"8000"`
	DatabasePath      string `env:"DATABASE_PATH" envDefault:"data/chat.db"`
	CORSOrigins       string `env:"CORS_ORIGINS" envDefault:"http://localhost:3000,http://localhost:5173"`
	DefaultGatewayURL string `env:"DEFAULT_GATEWAY_URL"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat         string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load parses configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d", cfg.Port)
	}
	return cfg, nil
}

// ListenAddr returns the downstream host:port bind address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// CORSOriginList splits CORS_ORIGINS into trimmed origins, dropping empties.
func (c *Config) CORSOriginList() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
