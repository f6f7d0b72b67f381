// Package config loads and validates the process configuration. The file
// format is JSON; durations accept strings like "30s" and "5m" as well as
// integer nanoseconds. Missing sections fall back to defaults so a minimal
// deployment needs no config file at all.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/keelframework/keel/errors"
	"github.com/keelframework/keel/pkg/cache"
)

// Config is the full process configuration.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
	Pool      PoolConfig      `json:"pool"`
	Cache     cache.Config    `json:"cache"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Tasks     TasksConfig     `json:"tasks"`
	Lifecycle LifecycleConfig `json:"lifecycle"`

	// Services holds per-service configuration blocks, decoded by each
	// service's constructor.
	Services map[string]json.RawMessage `json:"services"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text or json
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// PoolConfig holds defaults for shared resource pools.
type PoolConfig struct {
	MaxSize        int           `json:"max_size"`
	AcquireTimeout time.Duration `json:"acquire_timeout"`
}

// RateLimitConfig holds defaults for keyed rate limiters.
type RateLimitConfig struct {
	RatePerSecond float64 `json:"rate_per_second"`
	Burst         int     `json:"burst"`
}

// TasksConfig controls the background task supervisor.
type TasksConfig struct {
	ShutdownGrace time.Duration `json:"shutdown_grace"`
}

// LifecycleConfig controls phased startup.
type LifecycleConfig struct {
	PhaseTimeout time.Duration `json:"phase_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Pool: PoolConfig{
			MaxSize:        10,
			AcquireTimeout: 5 * time.Second,
		},
		Cache: cache.DefaultConfig(),
		RateLimit: RateLimitConfig{
			RatePerSecond: 10,
			Burst:         20,
		},
		Tasks: TasksConfig{
			ShutdownGrace: 30 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			PhaseTimeout: 60 * time.Second,
		},
		Services: map[string]json.RawMessage{},
	}
}

// Load reads a configuration file, layering it over the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.WrapFatal(err, "config", "Load", "reading "+path)
	}
	return Parse(data)
}

// Parse decodes JSON configuration, layering it over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.WrapInvalid(err, "config", "Parse", "decoding JSON")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the runtime cannot work with.
func (c Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("unknown log level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("unknown log format %q", c.Logging.Format))
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("metrics port %d out of range", c.Metrics.Port))
	}

	if c.Pool.MaxSize < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("pool max_size must be at least 1, got %d", c.Pool.MaxSize))
	}
	if c.Pool.AcquireTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("pool acquire_timeout must be positive, got %v", c.Pool.AcquireTimeout))
	}

	if err := c.Cache.Validate(); err != nil {
		return err
	}

	if c.RateLimit.RatePerSecond <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("rate_limit rate_per_second must be positive, got %v", c.RateLimit.RatePerSecond))
	}
	if c.RateLimit.Burst < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("rate_limit burst must be at least 1, got %d", c.RateLimit.Burst))
	}

	if c.Tasks.ShutdownGrace <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("tasks shutdown_grace must be positive, got %v", c.Tasks.ShutdownGrace))
	}
	if c.Lifecycle.PhaseTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("lifecycle phase_timeout must be positive, got %v", c.Lifecycle.PhaseTimeout))
	}

	return nil
}

// Service returns the raw configuration block for a named service.
func (c Config) Service(name string) (json.RawMessage, bool) {
	raw, ok := c.Services[name]
	return raw, ok
}

// Duration-bearing sections accept strings as well as nanosecond integers.

func (p *PoolConfig) UnmarshalJSON(data []byte) error {
	type Alias PoolConfig
	aux := &struct {
		AcquireTimeout json.RawMessage `json:"acquire_timeout,omitempty"`
		*Alias
	}{Alias: (*Alias)(p)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.AcquireTimeout) > 0 {
		d, err := parseDurationField(aux.AcquireTimeout, "acquire_timeout")
		if err != nil {
			return err
		}
		p.AcquireTimeout = d
	}
	return nil
}

func (t *TasksConfig) UnmarshalJSON(data []byte) error {
	type Alias TasksConfig
	aux := &struct {
		ShutdownGrace json.RawMessage `json:"shutdown_grace,omitempty"`
		*Alias
	}{Alias: (*Alias)(t)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.ShutdownGrace) > 0 {
		d, err := parseDurationField(aux.ShutdownGrace, "shutdown_grace")
		if err != nil {
			return err
		}
		t.ShutdownGrace = d
	}
	return nil
}

func (l *LifecycleConfig) UnmarshalJSON(data []byte) error {
	type Alias LifecycleConfig
	aux := &struct {
		PhaseTimeout json.RawMessage `json:"phase_timeout,omitempty"`
		*Alias
	}{Alias: (*Alias)(l)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.PhaseTimeout) > 0 {
		d, err := parseDurationField(aux.PhaseTimeout, "phase_timeout")
		if err != nil {
			return err
		}
		l.PhaseTimeout = d
	}
	return nil
}

func parseDurationField(data json.RawMessage, fieldName string) (time.Duration, error) {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		duration, err := time.ParseDuration(str)
		if err != nil {
			return 0, fmt.Errorf("invalid duration string for %s: %w", fieldName, err)
		}
		return duration, nil
	}

	var nsec int64
	if err := json.Unmarshal(data, &nsec); err != nil {
		return 0, fmt.Errorf("field %s must be either a duration string (e.g., '30s') or integer nanoseconds", fieldName)
	}
	return time.Duration(nsec), nil
}
