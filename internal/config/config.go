// Package config loads service settings from the environment and an optional
// YAML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds every setting consumed by cmd/api and cmd/guardctl.
type Config struct {
	// Server
	HTTPAddr string `yaml:"http_addr" env:"GUARD_HTTP_ADDR" env-default:":8080"`
	GRPCAddr string `yaml:"grpc_addr" env:"GUARD_GRPC_ADDR" env-default:":9090"`

	// Database; empty selects in-memory collaborators.
	PGDSN string `yaml:"pg_dsn" env:"GUARD_PG_DSN"`

	// Identity
	JWTSecret string `yaml:"-" env:"GUARD_JWT_SECRET"`
	JWTIssuer string `yaml:"jwt_issuer" env:"GUARD_JWT_ISSUER" env-default:"consoleguard"`

	PolicyFile string `yaml:"policy_file" env:"GUARD_POLICY_FILE"`

	Sessions  SessionConfig   `yaml:"sessions"`
	Audit     AuditConfig     `yaml:"audit"`
	Slug      SlugConfig      `yaml:"slug"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

type SessionConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval" env:"GUARD_SWEEP_INTERVAL" env-default:"30s"`
}

type AuditConfig struct {
	Timeout       time.Duration `yaml:"timeout" env:"GUARD_AUDIT_TIMEOUT" env-default:"2s"`
	BufferSize    int           `yaml:"buffer_size" env:"GUARD_AUDIT_BUFFER" env-default:"1024"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"GUARD_AUDIT_FLUSH_INTERVAL" env-default:"5s"`
	PageSize      int           `yaml:"page_size" env:"GUARD_AUDIT_PAGE_SIZE" env-default:"200"`
}

type SlugConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"GUARD_SLUG_TIMEOUT" env-default:"2s"`
}

type RateLimitConfig struct {
	ImpersonationLimit  int           `yaml:"impersonation_limit" env:"GUARD_RATE_IMPERSONATION_LIMIT" env-default:"5"`
	ImpersonationWindow time.Duration `yaml:"impersonation_window" env:"GUARD_RATE_IMPERSONATION_WINDOW" env-default:"15m"`
	GuardLimit          int           `yaml:"guard_limit" env:"GUARD_RATE_GUARD_LIMIT" env-default:"120"`
	GuardWindow         time.Duration `yaml:"guard_window" env:"GUARD_RATE_GUARD_WINDOW" env-default:"1m"`

	// Per-IP token bucket in front of the HTTP API.
	HTTPPerSecond int `yaml:"http_per_second" env:"GUARD_HTTP_RATE_PER_SEC" env-default:"20"`
	HTTPBurst     int `yaml:"http_burst" env:"GUARD_HTTP_RATE_BURST" env-default:"40"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// Load reads path (if non-empty) and then the environment, which wins.
func Load(path string) (Config, error) {
	var cfg Config
	var err error
	if strings.TrimSpace(path) != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	switch {
	case c.RateLimit.ImpersonationLimit <= 0 || c.RateLimit.ImpersonationWindow <= 0:
		return fmt.Errorf("config: impersonation rate limit must be positive")
	case c.RateLimit.GuardLimit <= 0 || c.RateLimit.GuardWindow <= 0:
		return fmt.Errorf("config: guard rate limit must be positive")
	case c.Audit.Timeout <= 0 || c.Slug.Timeout <= 0:
		return fmt.Errorf("config: collaborator timeouts must be positive")
	case c.Audit.BufferSize <= 0:
		return fmt.Errorf("config: audit buffer size must be positive")
	}
	return nil
}

// Usage describes the recognised environment variables.
func Usage() string {
	var cfg Config
	text, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return ""
	}
	return text
}
