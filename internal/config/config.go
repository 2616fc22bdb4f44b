package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// RedisURL enables the Redis-backed envelope history. When empty the
	// server keeps history in memory, which is enough for one instance.
	RedisURL string `env:"REDIS_URL"`

	MaxConnections   int           `env:"MAX_CONNECTIONS" default:"10000"`
	HistoryRetention time.Duration `env:"HISTORY_RETENTION" default:"5m"`

	PingInterval time.Duration `env:"PING_INTERVAL" default:"30s"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" default:"5m"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive, got %d", cfg.MaxConnections)
	}
	if cfg.HistoryRetention <= 0 {
		return fmt.Errorf("HISTORY_RETENTION must be positive, got %v", cfg.HistoryRetention)
	}
	if cfg.IdleTimeout <= cfg.PingInterval {
		return fmt.Errorf("IDLE_TIMEOUT (%v) must exceed PING_INTERVAL (%v)", cfg.IdleTimeout, cfg.PingInterval)
	}
	return nil
}
