// Package config loads the orchestrator's environment-variable
// configuration and validates it with struct tags instead of hand-rolled
// field checks.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is every tunable named in the external interface of the
// orchestrator: batching, scheduling, leasing, retry, and transport.
type Config struct {
	MaxBatchSize      int           `env:"MAX_BATCH_SIZE" validate:"min=1,max=256" default:"16"`
	MaxBatchWait      time.Duration `env:"MAX_BATCH_WAIT_MS" validate:"min=0" default:"2s"`
	UrgentThreshold   int           `env:"URGENT_THRESHOLD" validate:"min=1,max=10" default:"9"`

	LeaseDuration          time.Duration `env:"LEASE_MS" validate:"min=0" default:"60s"`
	AgentLivenessWindow    time.Duration `env:"AGENT_LIVENESS_WINDOW_MS" validate:"min=0" default:"90s"`
	SweepInterval          time.Duration `env:"SWEEP_INTERVAL_MS" validate:"min=0" default:"500ms"`

	MaxBacklog       int           `env:"MAX_BACKLOG" validate:"min=1" default:"10000"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY_MS" validate:"min=0" default:"1s"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY_MS" validate:"min=0" default:"30s"`
	DedupWindow      time.Duration `env:"DEDUP_WINDOW_MS" validate:"min=0" default:"10m"`
	StarvationBudget time.Duration `env:"STARVATION_BUDGET_MS" validate:"min=0" default:"60s"`

	StoreURL        string        `env:"STORE_URL" validate:"required"`
	BindAddr        string        `env:"BIND_ADDR" validate:"required" default:":8080"`
	ShutdownGrace   time.Duration `env:"SHUTDOWN_GRACE_MS" validate:"min=0" default:"30s"`

	LogLevel  string `env:"LOG_LEVEL" validate:"oneof=debug info warn error" default:"info"`
	LogFormat string `env:"LOG_FORMAT" validate:"oneof=console json" default:"json"`
}

// Provider is implemented by anything that can produce a validated Config;
// it exists so tests can inject a fake environment without touching
// process-global state.
type Provider interface {
	Load() (*Config, error)
}

// EnvLoader abstracts environment variable lookup for testability.
type EnvLoader interface {
	Getenv(key string) string
}

// OSEnvLoader reads from the real process environment. It loads an
// optional .env file first, matching local-dev convenience the teacher's
// CLI bootstrap already provided.
type OSEnvLoader struct{ loadedDotenv bool }

func (o *OSEnvLoader) Getenv(key string) string {
	if !o.loadedDotenv {
		_ = godotenv.Load()
		o.loadedDotenv = true
	}
	return os.Getenv(key)
}

// Loader builds a Config from an EnvLoader, applying defaults and then
// validating the result with struct tags.
type Loader struct {
	env      EnvLoader
	validate *validator.Validate
}

func NewLoader() Provider {
	return &Loader{env: &OSEnvLoader{}, validate: validator.New()}
}

func NewLoaderWithEnv(env EnvLoader) Provider {
	return &Loader{env: env, validate: validator.New()}
}

func (l *Loader) Load() (*Config, error) {
	c := &Config{
		MaxBatchSize:        l.int("MAX_BATCH_SIZE", 16),
		MaxBatchWait:        l.duration("MAX_BATCH_WAIT_MS", 2*time.Second),
		UrgentThreshold:     l.int("URGENT_THRESHOLD", 9),
		LeaseDuration:       l.duration("LEASE_MS", 60*time.Second),
		AgentLivenessWindow: l.duration("AGENT_LIVENESS_WINDOW_MS", 90*time.Second),
		SweepInterval:       l.duration("SWEEP_INTERVAL_MS", 500*time.Millisecond),
		MaxBacklog:          l.int("MAX_BACKLOG", 10000),
		RetryBaseDelay:      l.duration("RETRY_BASE_DELAY_MS", time.Second),
		RetryMaxDelay:       l.duration("RETRY_MAX_DELAY_MS", 30*time.Second),
		DedupWindow:         l.duration("DEDUP_WINDOW_MS", 10*time.Minute),
		StarvationBudget:    l.duration("STARVATION_BUDGET_MS", 60*time.Second),
		StoreURL:            l.str("STORE_URL", ""),
		BindAddr:            l.str("BIND_ADDR", ":8080"),
		ShutdownGrace:       l.duration("SHUTDOWN_GRACE_MS", 30*time.Second),
		LogLevel:            l.str("LOG_LEVEL", "info"),
		LogFormat:           l.str("LOG_FORMAT", "json"),
	}

	if err := l.validate.Struct(c); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return c, nil
}

func (l *Loader) str(key, def string) string {
	if v := l.env.Getenv(key); v != "" {
		return v
	}
	return def
}

func (l *Loader) int(key string, def int) int {
	v := l.env.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (l *Loader) duration(key string, def time.Duration) time.Duration {
	v := l.env.Getenv(key)
	if v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
