// Package config loads the reqguard-server configuration.
//
// Settings come from environment variables, optionally seeded from a .env file (path in
// ENV_FILE, default ".env"). Per-route rate limits come from a YAML policy file named by
// POLICY_FILE.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/nhalm/reqguard"
	"github.com/nhalm/reqguard/idempotency"
	"github.com/nhalm/reqguard/store"
)

// Environment variable names.
const (
	EnvFile              = "ENV_FILE"
	EnvListenAddr        = "LISTEN_ADDR"
	EnvBackend           = "BACKEND"
	EnvRedisURL          = "REDIS_URL"
	EnvRedisPassword     = "REDIS_PASSWORD"
	EnvRedisDB           = "REDIS_DB"
	EnvRedisPrefix       = "REDIS_PREFIX"
	EnvIdempotencyTTL    = "IDEMPOTENCY_TTL"
	EnvIdempotencyHeader = "IDEMPOTENCY_HEADER"
	EnvMaxEntries        = "IDEMPOTENCY_MAX_ENTRIES"
	EnvMaxBodySize       = "MAX_BODY_SIZE"
	EnvGlobalPreset      = "GLOBAL_RATE_LIMIT"
	EnvPolicyFile        = "POLICY_FILE"
	EnvAPIKeys           = "API_KEYS"
	EnvLogLevel          = "LOG_LEVEL"
	EnvShutdownTimeout   = "SHUTDOWN_TIMEOUT"
)

// Backend selects where limiter and idempotency state lives.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Config is the server configuration.
type Config struct {
	ListenAddr string  `validate:"required"`
	Backend    Backend `validate:"oneof=memory redis"`

	// Redis is used when Backend is redis. Prefix is the base for all key namespaces.
	Redis store.RedisConfig

	IdempotencyTTL    time.Duration `validate:"min=1s"`
	IdempotencyHeader string        `validate:"required"`
	MaxEntries        int           `validate:"min=1"`
	MaxBodySize       int64         `validate:"min=1"`

	// GlobalPreset names the preset applied to every /api request. Empty disables it.
	GlobalPreset string

	PolicyFile string
	Policies   []Policy `validate:"dive"`

	// APIKeys are the keys accepted in X-API-Key. Requests without one stay anonymous.
	APIKeys []string

	LogLevel        string        `validate:"oneof=trace debug info warn warning error fatal panic"`
	ShutdownTimeout time.Duration `validate:"min=1s"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the .env file named by ENV_FILE (".env" when unset), then builds the
// configuration from the environment. A missing .env file is not an error; variables
// already set in the environment win over the file.
func Load() (*Config, error) {
	envFile := getenv(EnvFile, ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envFile, err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from environment variables only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:        getenv(EnvListenAddr, ":8080"),
		Backend:           Backend(strings.ToLower(getenv(EnvBackend, string(BackendMemory)))),
		IdempotencyHeader: getenv(EnvIdempotencyHeader, reqguard.DefaultIdempotencyHeader),
		GlobalPreset:      getenv(EnvGlobalPreset, "standard"),
		PolicyFile:        os.Getenv(EnvPolicyFile),
		APIKeys:           splitList(os.Getenv(EnvAPIKeys)),
		LogLevel:          strings.ToLower(getenv(EnvLogLevel, "info")),
		Redis: store.RedisConfig{
			URL:      getenv(EnvRedisURL, "localhost:6379"),
			Password: os.Getenv(EnvRedisPassword),
			Prefix:   getenv(EnvRedisPrefix, "reqguard:"),
		},
	}

	var err error
	if cfg.Redis.DB, err = intEnv(EnvRedisDB, 0); err != nil {
		return nil, err
	}
	if cfg.MaxEntries, err = intEnv(EnvMaxEntries, store.DefaultMaxEntries); err != nil {
		return nil, err
	}
	maxBody, err := intEnv(EnvMaxBodySize, 1<<20)
	if err != nil {
		return nil, err
	}
	cfg.MaxBodySize = int64(maxBody)
	if cfg.IdempotencyTTL, err = durationEnv(EnvIdempotencyTTL, idempotency.DefaultTTL); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = durationEnv(EnvShutdownTimeout, 10*time.Second); err != nil {
		return nil, err
	}

	if cfg.PolicyFile != "" {
		if cfg.Policies, err = LoadPolicies(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and the global preset name.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.GlobalPreset != "" {
		if _, err := (Policy{Preset: c.GlobalPreset}).RateLimit(); err != nil {
			return fmt.Errorf("config: %s: %w", EnvGlobalPreset, err)
		}
	}
	return nil
}

// PoliciesFor returns the policies declared for a route pattern, in file order.
func (c *Config) PoliciesFor(method, route string) []Policy {
	var out []Policy
	for _, p := range c.Policies {
		if p.Route != route {
			continue
		}
		if p.Method != "" && !strings.EqualFold(p.Method, method) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
