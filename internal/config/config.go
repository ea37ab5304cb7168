package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config carries the process configuration, parsed from the environment.
type Config struct {
	Port           string `env:"PORT" envDefault:"8080"`
	DatabasePath   string `env:"DATABASE_PATH" envDefault:"goose.db"`
	RedisURL       string `env:"REDIS_URL"`
	JWTSecret      string `env:"JWT_SECRET"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	SendBufferSize int    `env:"SEND_BUFFER_SIZE" envDefault:"256"`
}

// Load parses configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 256
	}
	return cfg, nil
}

// BridgeEnabled reports whether the cross-node Redis event bridge is
// configured.
func (c Config) BridgeEnabled() bool {
	return strings.TrimSpace(c.RedisURL) != ""
}
