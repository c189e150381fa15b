// Package config loads and validates the bridge configuration.
//
// DESIGN: Configuration comes from one YAML file (optionally embedded).
// Server settings are required; tuning knobs (breaker, limits, batch,
// dispatch, stream) fall back to documented defaults so a minimal file works.
//
// FILES:
//   - config.go:     Root Config struct, Load(), Validate()
//   - policy.go:     Governance policy and tier table
//   - registry.go:   Endpoint registry entries (inline or external YAML/TOML file)
//   - limits.go:     Breaker, admission, batch, dispatch and stream tuning
//   - monitoring.go: Logging, audit sink and metrics settings
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the bridge.
type Config struct {
	Server     ServerConfig     `yaml:"server"`     // HTTP server settings
	Auth       AuthConfig       `yaml:"auth"`       // Caller identity resolution
	Policy     PolicyConfig     `yaml:"policy"`     // Governance and tier table
	Registry   RegistryConfig   `yaml:"registry"`   // Specialist endpoints and models
	Breaker    BreakerConfig    `yaml:"breaker"`    // Per-target circuit breaker
	Limits     LimitsConfig     `yaml:"limits"`     // Rate and cost admission
	Batch      BatchConfig      `yaml:"batch"`      // Batch optimizer
	Dispatch   DispatchConfig   `yaml:"dispatch"`   // Pool, timeouts, retries
	Stream     StreamConfig     `yaml:"stream"`     // Streaming relay
	Pricing    PricingConfig    `yaml:"pricing"`    // Per-model price overrides
	Store      StoreConfig      `yaml:"store"`      // Idempotency store
	Monitoring MonitoringConfig `yaml:"monitoring"` // Logging, audit, metrics
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // Port to listen on
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // Max time to read request
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // Max time to write response (0 for streaming-friendly)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Graceful shutdown budget
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`   // Request body limit
	CORSOrigins     []string      `yaml:"cors_origins"`     // Allowed CORS origins (empty = same-origin only)
}

// Auth modes.
const (
	AuthModeHeader = "header"
	AuthModeJWT    = "jwt"
	AuthModeNone   = "none"
)

// AuthConfig selects how the caller identity is resolved.
type AuthConfig struct {
	Mode          string `yaml:"mode"`           // header, jwt, none
	CallerHeader  string `yaml:"caller_header"`  // header carrying caller id (mode header)
	RoleHeader    string `yaml:"role_header"`    // header carrying caller role (mode header)
	JWTSecret     string `yaml:"jwt_secret"`     // HS256 secret (mode jwt)
	JWTIssuer     string `yaml:"jwt_issuer"`     // optional expected issuer
	AnonymousUser string `yaml:"anonymous_user"` // caller id used in mode none
}

// StoreConfig contains idempotency store settings.
type StoreConfig struct {
	Type string        `yaml:"type"` // Store type: "memory"
	TTL  time.Duration `yaml:"ttl"`  // How long a requestId is remembered
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvWithDefaults expands ${VAR} and ${VAR:-default}.
func expandEnvWithDefaults(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) > 2 {
			return parts[2]
		}
		return ""
	})
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
// Supports ${VAR:-default} env var expansion, env overrides, defaults and validation.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Registry.loadFile(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets deployments redirect sinks without editing config files.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("BRIDGE_AUDIT_PATH"); path != "" {
		c.Monitoring.AuditPath = path
	}
	if level := os.Getenv("BRIDGE_LOG_LEVEL"); level != "" {
		c.Monitoring.LogLevel = level
	}
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 4 << 20
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthModeHeader
	}
	if c.Auth.CallerHeader == "" {
		c.Auth.CallerHeader = "X-Caller-Id"
	}
	if c.Auth.RoleHeader == "" {
		c.Auth.RoleHeader = "X-Caller-Role"
	}
	if c.Auth.AnonymousUser == "" {
		c.Auth.AnonymousUser = "anonymous"
	}
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.Store.TTL == 0 {
		c.Store.TTL = 5 * time.Minute
	}
	c.Policy.applyDefaults()
	c.Breaker.applyDefaults()
	c.Limits.applyDefaults()
	c.Batch.applyDefaults()
	c.Dispatch.applyDefaults()
	c.Stream.applyDefaults()
	c.Monitoring.applyDefaults()
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ReadTimeout == 0 {
		return fmt.Errorf("server.read_timeout is required")
	}

	switch c.Auth.Mode {
	case AuthModeHeader, AuthModeNone:
	case AuthModeJWT:
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth.mode is jwt")
		}
	default:
		return fmt.Errorf("invalid auth.mode: %q (must be header, jwt or none)", c.Auth.Mode)
	}

	if c.Store.Type != "memory" {
		return fmt.Errorf("invalid store.type: %q (only memory is supported)", c.Store.Type)
	}

	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if err := c.Registry.Validate(); err != nil {
		return err
	}
	if err := c.Breaker.Validate(); err != nil {
		return err
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if err := c.Batch.Validate(); err != nil {
		return err
	}
	if err := c.Dispatch.Validate(); err != nil {
		return err
	}
	return c.Monitoring.Validate()
}
