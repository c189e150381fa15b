// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by bridge/, gateway/ and monitoring/.
// Defined here ONCE to avoid duplication and circular imports.
//
// TYPES:
//   - AuditEvent:   One policy decision or dispatch outcome
//   - LedgerEntry:  One finished request for the metrics ledger
//   - Config types: LoggerConfig, AlertConfig
package monitoring

import "time"

// =============================================================================
// EVENT TYPES
// =============================================================================

// Audit event kinds.
const (
	AuditPolicyDecision  = "policy_decision"
	AuditDispatchOutcome = "dispatch_outcome"
)

// AuditEvent is emitted once per policy decision and once per dispatch outcome.
type AuditEvent struct {
	Kind          string    `json:"kind"`
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CallerID      string    `json:"caller_id,omitempty"`
	TaskType      string    `json:"task_type,omitempty"`
	Mode          string    `json:"governance_mode,omitempty"`
	Phi           bool      `json:"require_phi_compliance,omitempty"`
	RequestedTier string    `json:"requested_tier,omitempty"`
	Tier          string    `json:"tier,omitempty"`
	Locality      string    `json:"locality,omitempty"`
	Downgraded    bool      `json:"downgraded,omitempty"`
	Target        string    `json:"target,omitempty"`
	Model         string    `json:"model,omitempty"`
	RoutingMethod string    `json:"routing_method,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Outcome       string    `json:"outcome"` // "success" or an error code
	Attempts      int       `json:"attempts,omitempty"`
	LatencyMs     int64     `json:"latency_ms,omitempty"`
	CostUSD       float64   `json:"cost_usd,omitempty"`
}

// LedgerEntry is one finished request as seen by the metrics ledger.
type LedgerEntry struct {
	RequestID        string
	TaskType         string
	Tier             string
	Outcome          string // "success" or an error code
	Duration         time.Duration
	CostUSD          float64
	PromptTokens     int
	CompletionTokens int
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console, auto
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// AlertConfig contains alert thresholds.
type AlertConfig struct {
	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"`
}
