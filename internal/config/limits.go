// Tuning configuration - breaker, admission, batch, dispatch, stream, pricing.
//
// DESIGN: Every knob has a default. Thresholds are configurable rather than
// hard-coded; only "majority failures open the circuit" is load-bearing.
package config

import (
	"fmt"
	"time"
)

// =============================================================================
// CIRCUIT BREAKER
// =============================================================================

// BreakerConfig tunes every per-target breaker.
type BreakerConfig struct {
	ErrorThreshold float64       `yaml:"error_threshold"` // open when error rate >= this (0-1]
	MinSamples     int           `yaml:"min_samples"`     // minimum outcomes in window before opening
	Window         time.Duration `yaml:"window"`          // trailing evaluation window
	ResetTimeout   time.Duration `yaml:"reset_timeout"`   // OPEN duration before a probe
	MaxSamples     int           `yaml:"max_samples"`     // cap on retained outcomes per target
}

func (b *BreakerConfig) applyDefaults() {
	if b.ErrorThreshold == 0 {
		b.ErrorThreshold = 0.5
	}
	if b.MinSamples == 0 {
		b.MinSamples = 5
	}
	if b.Window == 0 {
		b.Window = 60 * time.Second
	}
	if b.ResetTimeout == 0 {
		b.ResetTimeout = 30 * time.Second
	}
	if b.MaxSamples == 0 {
		b.MaxSamples = 1000
	}
}

// Validate checks breaker bounds.
func (b *BreakerConfig) Validate() error {
	if b.ErrorThreshold <= 0 || b.ErrorThreshold > 1 {
		return fmt.Errorf("breaker.error_threshold must be in (0, 1], got %v", b.ErrorThreshold)
	}
	if b.MinSamples < 1 {
		return fmt.Errorf("breaker.min_samples must be >= 1")
	}
	if b.MaxSamples < b.MinSamples {
		return fmt.Errorf("breaker.max_samples must be >= breaker.min_samples")
	}
	return nil
}

// =============================================================================
// ADMISSION
// =============================================================================

// Admission window backends and scopes.
const (
	LimitsBackendMemory = "memory"
	LimitsBackendRedis  = "redis"
	LimitsScopeCaller   = "caller"
	LimitsScopeGlobal   = "global"
)

// LimitsConfig tunes the rate limiter and cost guard.
type LimitsConfig struct {
	Backend       string        `yaml:"backend"`         // memory or redis
	RedisURL      string        `yaml:"redis_url"`       // redis://host:port/db
	KeyPrefix     string        `yaml:"key_prefix"`      // redis key prefix
	Scope         string        `yaml:"scope"`           // caller or global
	Window        time.Duration `yaml:"window"`          // sliding window length
	MaxRequests   int           `yaml:"max_requests"`    // per window (0 = unlimited)
	MaxCost       float64       `yaml:"max_cost"`        // USD per window (0 = unlimited)
	MaxQueueDepth int           `yaml:"max_queue_depth"` // callers allowed to wait for capacity
	MaxQueueWait  time.Duration `yaml:"max_queue_wait"`  // longest wait before rejecting
	MaxKeys       int           `yaml:"max_keys"`        // bound on tracked callers (memory)
}

func (l *LimitsConfig) applyDefaults() {
	if l.Backend == "" {
		l.Backend = LimitsBackendMemory
	}
	if l.KeyPrefix == "" {
		l.KeyPrefix = "bridge:window:"
	}
	if l.Scope == "" {
		l.Scope = LimitsScopeCaller
	}
	if l.Window == 0 {
		l.Window = time.Minute
	}
	if l.MaxKeys == 0 {
		l.MaxKeys = 10000
	}
}

// Validate checks admission settings.
func (l *LimitsConfig) Validate() error {
	switch l.Backend {
	case LimitsBackendMemory:
	case LimitsBackendRedis:
		if l.RedisURL == "" {
			return fmt.Errorf("limits.redis_url is required when limits.backend is redis")
		}
	default:
		return fmt.Errorf("invalid limits.backend: %q (must be memory or redis)", l.Backend)
	}
	if l.Scope != LimitsScopeCaller && l.Scope != LimitsScopeGlobal {
		return fmt.Errorf("invalid limits.scope: %q (must be caller or global)", l.Scope)
	}
	if l.MaxRequests < 0 || l.MaxCost < 0 || l.MaxQueueDepth < 0 {
		return fmt.Errorf("limits values must not be negative")
	}
	return nil
}

// =============================================================================
// BATCH
// =============================================================================

// BatchConfig tunes the batch optimizer.
type BatchConfig struct {
	MaxSize      int     `yaml:"max_size"`       // hard maximum items per batch
	MaxGroupSize int     `yaml:"max_group_size"` // items per execution group
	MaxGroupCost float64 `yaml:"max_group_cost"` // estimated USD per group (0 = unlimited)
	Concurrency  int     `yaml:"concurrency"`    // parallel items per group
}

func (b *BatchConfig) applyDefaults() {
	if b.MaxSize == 0 {
		b.MaxSize = 50
	}
	if b.MaxGroupSize == 0 {
		b.MaxGroupSize = 10
	}
	if b.Concurrency == 0 {
		b.Concurrency = 5
	}
}

// Validate checks batch settings.
func (b *BatchConfig) Validate() error {
	if b.MaxSize < 1 || b.MaxGroupSize < 1 || b.Concurrency < 1 {
		return fmt.Errorf("batch.max_size, batch.max_group_size and batch.concurrency must be >= 1")
	}
	if b.MaxGroupCost < 0 {
		return fmt.Errorf("batch.max_group_cost must not be negative")
	}
	return nil
}

// =============================================================================
// DISPATCH
// =============================================================================

// DispatchConfig tunes the connection pool and retry policy.
type DispatchConfig struct {
	MaxConnsPerTarget int           `yaml:"max_conns_per_target"` // concurrent calls per target
	InvokeTimeout     time.Duration `yaml:"invoke_timeout"`       // per-attempt timeout for invoke/batch
	StreamTimeout     time.Duration `yaml:"stream_timeout"`       // whole-stream timeout
	PingTimeout       time.Duration `yaml:"ping_timeout"`         // health ping timeout
	MaxRetries        int           `yaml:"max_retries"`          // extra attempts on PROVIDER_ERROR
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	BackoffFactor     float64       `yaml:"backoff_factor"`
	DefaultMaxTokens  int           `yaml:"default_max_tokens"` // used when the request omits maxTokens
	MaxTokensLimit    int           `yaml:"max_tokens_limit"`   // upper bound on requested maxTokens
}

func (d *DispatchConfig) applyDefaults() {
	if d.MaxConnsPerTarget == 0 {
		d.MaxConnsPerTarget = 16
	}
	if d.InvokeTimeout == 0 {
		d.InvokeTimeout = 60 * time.Second
	}
	if d.StreamTimeout == 0 {
		d.StreamTimeout = 5 * time.Minute
	}
	if d.PingTimeout == 0 {
		d.PingTimeout = 2 * time.Second
	}
	if d.InitialBackoff == 0 {
		d.InitialBackoff = 200 * time.Millisecond
	}
	if d.BackoffFactor == 0 {
		d.BackoffFactor = 2
	}
	if d.DefaultMaxTokens == 0 {
		d.DefaultMaxTokens = 1024
	}
	if d.MaxTokensLimit == 0 {
		d.MaxTokensLimit = 32768
	}
}

// Validate checks dispatch settings.
func (d *DispatchConfig) Validate() error {
	if d.MaxConnsPerTarget < 1 {
		return fmt.Errorf("dispatch.max_conns_per_target must be >= 1")
	}
	if d.MaxRetries < 0 || d.MaxRetries > 5 {
		return fmt.Errorf("dispatch.max_retries must be between 0 and 5")
	}
	if d.StreamTimeout < d.InvokeTimeout {
		return fmt.Errorf("dispatch.stream_timeout must be >= dispatch.invoke_timeout")
	}
	if d.BackoffFactor < 1 {
		return fmt.Errorf("dispatch.backoff_factor must be >= 1")
	}
	return nil
}

// =============================================================================
// STREAM
// =============================================================================

// StreamConfig tunes the streaming relay.
type StreamConfig struct {
	BufferSize int `yaml:"buffer_size"` // events buffered between producer and writer
}

func (s *StreamConfig) applyDefaults() {
	if s.BufferSize <= 0 {
		s.BufferSize = 16
	}
}

// =============================================================================
// PRICING
// =============================================================================

// ModelPrice is USD per one million tokens.
type ModelPrice struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// PricingConfig overrides or extends the built-in price table.
type PricingConfig struct {
	Models map[string]ModelPrice `yaml:"models"`
}
