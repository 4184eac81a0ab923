package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config is the daemon-level configuration: the facade options that
// make sense to source from the environment, plus the ambient
// logging/metrics settings every component shares.
type Config struct {
	Env         string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`

	DatabaseURL  string `env:"DATABASE_URL,required" validate:"required"`
	TablesPrefix string `env:"TABLES_PREFIX" envDefault:""`
	PartitionKey string `env:"PARTITION_KEY" envDefault:"default"`

	MaxPayloadSizeKB int `env:"MAX_PAYLOAD_SIZE_KB" envDefault:"16" validate:"min=1"`

	RescuerIntervalMs    int64 `env:"RESCUER_INTERVAL_MS" envDefault:"1800000" validate:"min=1"`
	RescuerRescueAfterMs int64 `env:"RESCUER_RESCUE_AFTER_MS" envDefault:"3600000" validate:"min=1"`
	RescuerBatchSize     int   `env:"RESCUER_BATCH_SIZE" envDefault:"100" validate:"min=1"`
	RescuerRunOnStart    bool  `env:"RESCUER_RUN_ON_START" envDefault:"false"`

	LeaderElectionHeartbeatMs     int64 `env:"LEADER_ELECTION_HEARTBEAT_MS" envDefault:"10000" validate:"min=1"`
	LeaderElectionLeaseDurationMs int64 `env:"LEADER_ELECTION_LEASE_DURATION_MS" envDefault:"30000" validate:"min=1"`
}

// Load parses Config from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) RescuerInterval() time.Duration {
	return time.Duration(c.RescuerIntervalMs) * time.Millisecond
}

func (c *Config) RescuerRescueAfter() time.Duration {
	return time.Duration(c.RescuerRescueAfterMs) * time.Millisecond
}

func (c *Config) LeaderElectionHeartbeat() time.Duration {
	return time.Duration(c.LeaderElectionHeartbeatMs) * time.Millisecond
}

func (c *Config) LeaderElectionLeaseDuration() time.Duration {
	return time.Duration(c.LeaderElectionLeaseDurationMs) * time.Millisecond
}
