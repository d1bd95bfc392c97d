package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"ghost/internal/ghosterr"
)

// Config holds the daemon's runtime configuration, sourced entirely from
// environment variables. Ghost carries no YAML/file-based configuration
// layer: an operator's app manifests are the only
// on-disk configuration surface, and those are discovered, not declared.
type Config struct {
	// InstallDir is the root directory Ghost scans for managed-app manifests.
	InstallDir string `env:"GHOST_INSTALL_DIR" envDefault:"/etc/ghost/apps"`

	// DataDir holds the sqlite state store and outbox databases.
	DataDir string `env:"GHOST_DATA_DIR" envDefault:"/var/lib/ghost"`

	// BusURL is the Redis connection string backing the Message Bus.
	BusURL string `env:"GHOST_BUS_URL" envDefault:"redis://127.0.0.1:6379/0"`

	// LogLevel controls the minimum zerolog level emitted by the daemon.
	LogLevel string `env:"GHOST_LOG_LEVEL" envDefault:"info"`

	// LogFormat selects "console" (human) or "json" (machine) output.
	LogFormat string `env:"GHOST_LOG_FORMAT" envDefault:"console"`

	// Workers bounds the size of the command-dispatch worker pool.
	Workers int `env:"GHOST_WORKERS" envDefault:"5"`

	// BreakerMaxFailures is the consecutive-failure threshold that trips
	// the bus circuit breaker open.
	BreakerMaxFailures int `env:"GHOST_BREAKER_MAX_FAILURES" envDefault:"3"`

	// BreakerResetTimeoutMs is how long the breaker stays open before
	// probing the transport again (half-open).
	BreakerResetTimeoutMs int `env:"GHOST_BREAKER_RESET_TIMEOUT_MS" envDefault:"15000"`

	// OutboxFlushIntervalMs is how often the outbox sweeper retries
	// every undelivered message held in the outbox.
	OutboxFlushIntervalMs int `env:"GHOST_OUTBOX_FLUSH_INTERVAL_MS" envDefault:"30000"`

	// HealthCheckIntervalMs is the connection tracker's sweep period.
	HealthCheckIntervalMs int `env:"GHOST_HEALTH_CHECK_INTERVAL_MS" envDefault:"30000"`

	// WatchDebounceMs coalesces bursts of filesystem events before a
	// hot-reload restart is triggered.
	WatchDebounceMs int `env:"GHOST_WATCH_DEBOUNCE_MS" envDefault:"500"`

	// DefaultMaxRestarts bounds restart attempts within the rolling
	// window before a process is marked Failed, unless the app's own
	// registration overrides it.
	DefaultMaxRestarts int `env:"GHOST_DEFAULT_MAX_RESTARTS" envDefault:"10"`

	// DefaultRestartDelayMs is the base restart backoff delay.
	DefaultRestartDelayMs int `env:"GHOST_DEFAULT_RESTART_DELAY_MS" envDefault:"500"`
}

// Load reads Config from the process environment. Unlike the file-based
// configuration some sibling tools carry, Ghost's ambient environment is
// its only source: every field has a documented default, so Load never
// fails on missing variables, only on malformed ones (e.g. a non-integer
// GHOST_WORKERS).
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ghosterr.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ghosterr.ErrInvalidConfig, err)
	}

	return cfg, nil
}

// OutboxFlushIntervalDuration returns OutboxFlushIntervalMs as a Duration.
func (c *Config) OutboxFlushIntervalDuration() time.Duration {
	return time.Duration(c.OutboxFlushIntervalMs) * time.Millisecond
}

// HealthCheckIntervalDuration returns HealthCheckIntervalMs as a Duration.
func (c *Config) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

// WatchDebounceDuration returns WatchDebounceMs as a Duration.
func (c *Config) WatchDebounceDuration() time.Duration {
	return time.Duration(c.WatchDebounceMs) * time.Millisecond
}

// DefaultRestartDelay returns DefaultRestartDelayMs as a Duration.
func (c *Config) DefaultRestartDelay() time.Duration {
	return time.Duration(c.DefaultRestartDelayMs) * time.Millisecond
}

// Validate checks invariants Load's struct tags cannot express.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("%w: GHOST_WORKERS must be positive", ghosterr.ErrInvalidConfig)
	}

	if c.BreakerMaxFailures <= 0 {
		return fmt.Errorf("%w: GHOST_BREAKER_MAX_FAILURES must be positive", ghosterr.ErrInvalidConfig)
	}

	if c.InstallDir == "" {
		return fmt.Errorf("%w: GHOST_INSTALL_DIR must not be empty", ghosterr.ErrInvalidConfig)
	}

	if c.DataDir == "" {
		return fmt.Errorf("%w: GHOST_DATA_DIR must not be empty", ghosterr.ErrInvalidConfig)
	}

	if c.BusURL == "" {
		return fmt.Errorf("%w: GHOST_BUS_URL must not be empty", ghosterr.ErrInvalidConfig)
	}

	return nil
}
