// Package monitoring - telemetry.go emits audit events.
//
// DESIGN: The bridge's only audit obligation is to emit one well-formed event
// per policy decision and per dispatch outcome. Sinks:
//   - LogAuditSink:    zerolog info line (default)
//   - JSONLAuditSink:  one JSON object per line, appended immediately
//   - SQLiteAuditSink: audit_events table (see audit_sqlite.go)
//
// Auditor wraps a sink and drops repeated events for the same requestId.
package monitoring

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/compresr/ai-bridge/internal/store"
)

// AuditSink receives audit events.
type AuditSink interface {
	Emit(event *AuditEvent) error
	Close() error
}

// Auditor deduplicates events per requestId and kind before forwarding.
type Auditor struct {
	sink AuditSink
	seen store.Store
}

// NewAuditor wraps sink. seen may be nil to disable deduplication.
func NewAuditor(sink AuditSink, seen store.Store) *Auditor {
	return &Auditor{sink: sink, seen: seen}
}

// Emit forwards the event unless it is a repeat. Sink errors are logged, not returned.
func (a *Auditor) Emit(event *AuditEvent) {
	if a == nil || a.sink == nil {
		return
	}
	if event.RequestID != "" && a.seen != nil && !a.seen.MarkOnce("audit:"+event.Kind+":"+event.RequestID) {
		return
	}
	if err := a.sink.Emit(event); err != nil {
		log.Error().Err(err).Str("request_id", event.RequestID).Str("kind", event.Kind).Msg("audit: failed to emit event")
	}
}

// Close closes the underlying sink.
func (a *Auditor) Close() error {
	if a == nil || a.sink == nil {
		return nil
	}
	return a.sink.Close()
}

// =============================================================================
// LOG SINK
// =============================================================================

// LogAuditSink writes events as structured log lines.
type LogAuditSink struct {
	logger *Logger
}

// NewLogAuditSink creates a log sink.
func NewLogAuditSink(logger *Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger}
}

// Emit implements AuditSink.
func (s *LogAuditSink) Emit(e *AuditEvent) error {
	s.logger.Info().
		Str("kind", e.Kind).
		Str("request_id", e.RequestID).
		Str("caller_id", e.CallerID).
		Str("task_type", e.TaskType).
		Str("tier", e.Tier).
		Str("locality", e.Locality).
		Str("target", e.Target).
		Str("reason", e.Reason).
		Str("outcome", e.Outcome).
		Msg("audit")
	return nil
}

// Close implements AuditSink.
func (s *LogAuditSink) Close() error { return nil }

// =============================================================================
// JSONL SINK
// =============================================================================

// JSONLAuditSink appends events to a JSONL file.
type JSONLAuditSink struct {
	path  string
	count int
	mu    sync.Mutex
}

// NewJSONLAuditSink creates the file (and its directory) if needed.
func NewJSONLAuditSink(path string) (*JSONLAuditSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("create audit file: %w", err)
		}
		f.Close()
	}
	return &JSONLAuditSink{path: path}, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// Emit implements AuditSink.
func (s *JSONLAuditSink) Emit(e *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := appendJSONL(s.path, e); err != nil {
		return err
	}
	s.count++
	return nil
}

// Close logs a summary.
func (s *JSONLAuditSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count > 0 {
		log.Info().Str("path", s.path).Int("events", s.count).Msg("audit: session complete")
	}
	return nil
}
