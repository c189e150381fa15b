// Package monitoring - alerts.go flags anomalies and errors.
//
// DESIGN: AlertManager logs notable events at appropriate levels:
//   - FlagHighLatency:       Warn when request exceeds threshold
//   - FlagProviderError:     Warn on downstream errors
//   - FlagUpstreamTimeout:   Error when a downstream call times out
//   - FlagCircuitChange:     Warn when a breaker opens, info when it recovers
//   - FlagAdmissionRejected: Info on rate/cost rejections
//   - FlagPolicyViolation:   Warn when a routing constraint cannot be met
//   - FlagPanic:             Error on recovered panics
package monitoring

import "time"

// AlertManager flags anomalies and errors.
type AlertManager struct {
	logger               *Logger
	highLatencyThreshold time.Duration
}

// NewAlertManager creates a new alert manager.
func NewAlertManager(logger *Logger, cfg AlertConfig) *AlertManager {
	threshold := cfg.HighLatencyThreshold
	if threshold == 0 {
		threshold = 5 * time.Second
	}
	return &AlertManager{logger: logger, highLatencyThreshold: threshold}
}

// FlagHighLatency logs when request latency exceeds threshold.
func (am *AlertManager) FlagHighLatency(requestID string, latency time.Duration, target, path string) {
	if latency < am.highLatencyThreshold {
		return
	}
	am.logger.Warn().
		Str("request_id", requestID).
		Dur("latency", latency).
		Str("target", target).
		Str("path", path).
		Msg("high_latency")
}

// FlagProviderError logs a downstream error.
func (am *AlertManager) FlagProviderError(requestID, target string, statusCode int, err error) {
	am.logger.Warn().
		Str("request_id", requestID).
		Str("target", target).
		Int("status", statusCode).
		Err(err).
		Msg("provider_error")
}

// FlagUpstreamTimeout logs a downstream timeout.
func (am *AlertManager) FlagUpstreamTimeout(requestID, target string, timeout time.Duration) {
	am.logger.Error().
		Str("request_id", requestID).
		Str("target", target).
		Dur("timeout", timeout).
		Msg("upstream_timeout")
}

// FlagCircuitChange logs a breaker transition.
func (am *AlertManager) FlagCircuitChange(target, from, to string) {
	event := am.logger.Info()
	if to == "OPEN" {
		event = am.logger.Warn()
	}
	event.
		Str("target", target).
		Str("from", from).
		Str("to", to).
		Msg("circuit_state_change")
}

// FlagAdmissionRejected logs a rate or cost rejection.
func (am *AlertManager) FlagAdmissionRejected(requestID, callerID, code string, retryAfter time.Duration) {
	am.logger.Info().
		Str("request_id", requestID).
		Str("caller_id", callerID).
		Str("code", code).
		Dur("retry_after", retryAfter).
		Msg("admission_rejected")
}

// FlagPolicyViolation logs a routing constraint that could not be satisfied.
func (am *AlertManager) FlagPolicyViolation(requestID, taskType, reason string) {
	am.logger.Warn().
		Str("request_id", requestID).
		Str("task_type", taskType).
		Str("reason", reason).
		Msg("policy_violation")
}

// FlagInvalidRequest logs invalid request.
func (am *AlertManager) FlagInvalidRequest(requestID, reason string) {
	am.logger.Debug().
		Str("request_id", requestID).
		Str("reason", reason).
		Msg("invalid_request")
}

// FlagPanic logs recovered panic.
func (am *AlertManager) FlagPanic(requestID string, panicValue interface{}, stack string) {
	am.logger.Error().
		Str("request_id", requestID).
		Interface("panic", panicValue).
		Str("stack", stack).
		Msg("panic_recovered")
}
