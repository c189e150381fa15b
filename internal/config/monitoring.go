// Monitoring configuration - logging, audit and metrics settings.
//
// DESIGN: Separates logging (zerolog) from audit events (one per policy
// decision and dispatch outcome). Audit goes to a pluggable sink.
package config

import "fmt"

// Audit sinks.
const (
	AuditSinkLog    = "log"
	AuditSinkJSONL  = "jsonl"
	AuditSinkSQLite = "sqlite"
	AuditSinkNone   = "none"
)

// MonitoringConfig contains all monitoring settings.
type MonitoringConfig struct {
	// Logging settings
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console, auto
	LogOutput string `yaml:"log_output"` // stdout, stderr, or file path

	// Audit settings
	AuditSink string `yaml:"audit_sink"` // log, jsonl, sqlite, none
	AuditPath string `yaml:"audit_path"` // file path for jsonl/sqlite

	// Alert thresholds
	HighLatencyThreshold string `yaml:"high_latency_threshold"` // e.g. "5s"

	// Metrics
	MetricsNamespace string `yaml:"metrics_namespace"` // prometheus namespace, default "bridge"
}

func (m *MonitoringConfig) applyDefaults() {
	if m.LogLevel == "" {
		m.LogLevel = "info"
	}
	if m.LogFormat == "" {
		m.LogFormat = "auto"
	}
	if m.LogOutput == "" {
		m.LogOutput = "stdout"
	}
	if m.AuditSink == "" {
		m.AuditSink = AuditSinkLog
	}
	if m.MetricsNamespace == "" {
		m.MetricsNamespace = "bridge"
	}
}

// Validate checks monitoring settings.
func (m *MonitoringConfig) Validate() error {
	switch m.AuditSink {
	case AuditSinkLog, AuditSinkNone:
	case AuditSinkJSONL, AuditSinkSQLite:
		if m.AuditPath == "" {
			return fmt.Errorf("monitoring.audit_path is required for audit_sink %q", m.AuditSink)
		}
	default:
		return fmt.Errorf("invalid monitoring.audit_sink: %q", m.AuditSink)
	}
	return nil
}
