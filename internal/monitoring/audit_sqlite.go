package monitoring

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteAuditSink stores events in an audit_events table.
type SQLiteAuditSink struct {
	db *sql.DB
}

// NewSQLiteAuditSink opens (or creates) the database and its schema.
func NewSQLiteAuditSink(path string) (*SQLiteAuditSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating audit database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			ts TEXT NOT NULL,
			request_id TEXT NOT NULL,
			caller_id TEXT,
			task_type TEXT,
			governance_mode TEXT,
			requested_tier TEXT,
			tier TEXT,
			locality TEXT,
			downgraded INTEGER NOT NULL DEFAULT 0,
			target TEXT,
			model TEXT,
			routing_method TEXT,
			reason TEXT,
			outcome TEXT NOT NULL,
			attempts INTEGER,
			latency_ms INTEGER,
			cost_usd REAL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_events(request_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &SQLiteAuditSink{db: db}, nil
}

// Emit implements AuditSink.
func (s *SQLiteAuditSink) Emit(e *AuditEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_events
			(kind, ts, request_id, caller_id, task_type, governance_mode, requested_tier, tier,
			 locality, downgraded, target, model, routing_method, reason, outcome, attempts, latency_ms, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Kind, e.Timestamp.UTC().Format(time.RFC3339Nano), e.RequestID, e.CallerID, e.TaskType, e.Mode,
		e.RequestedTier, e.Tier, e.Locality, e.Downgraded, e.Target, e.Model, e.RoutingMethod, e.Reason,
		e.Outcome, e.Attempts, e.LatencyMs, e.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// Count returns the number of stored events for requestID.
func (s *SQLiteAuditSink) Count(requestID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_events WHERE request_id = ?`, requestID).Scan(&n)
	return n, err
}

// Close implements AuditSink.
func (s *SQLiteAuditSink) Close() error { return s.db.Close() }
