// Package audit provides SQLite-backed storage for the moderation audit
// trail. Every moderation action outcome, applied or rolled back, is
// recorded with the targeted message ids so moderator activity can be
// reviewed after the fact.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5000

// Outcome values recorded per entry.
const (
	OutcomeApplied    = "applied"
	OutcomeRolledBack = "rolled_back"
)

// validKinds is the set of allowed action kinds, matching the CHECK
// constraint on the moderation_audit table.
var validKinds = map[string]bool{
	"delete":  true,
	"timeout": true,
	"flag":    true,
}

// Entry is one moderation action outcome to be persisted.
type Entry struct {
	ActionID  string
	SessionID string
	Kind      string
	Reason    string
	Targets   []string
	Outcome   string
	Error     string // failure cause when rolled back
	Duration  time.Duration
}

// Store manages the audit trail in a local SQLite file.
type Store struct {
	db *sql.DB
}

// Open initializes the audit database at the given path, creating the schema
// if needed. Call Close when done.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "modengine-audit.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: busy_timeout: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS moderation_audit (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			action_id   TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			kind        TEXT NOT NULL CHECK (kind IN ('delete','timeout','flag')),
			reason      TEXT,
			targets     TEXT NOT NULL,
			outcome     TEXT NOT NULL CHECK (outcome IN ('applied','rolled_back')),
			error       TEXT,
			duration_s  INTEGER NOT NULL DEFAULT 0,
			created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_audit_session ON moderation_audit (session_id, created_at);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// RecordAction inserts one audit entry. Target IDs are stored as a JSON
// array so bulk actions stay one row.
func (s *Store) RecordAction(ctx context.Context, e Entry) error {
	if !validKinds[e.Kind] {
		return fmt.Errorf("audit: invalid kind %q", e.Kind)
	}
	if e.Outcome != OutcomeApplied && e.Outcome != OutcomeRolledBack {
		return fmt.Errorf("audit: invalid outcome %q", e.Outcome)
	}

	targets, err := json.Marshal(e.Targets)
	if err != nil {
		return fmt.Errorf("audit: marshal targets: %w", err)
	}

	const query = `
		INSERT INTO moderation_audit (action_id, session_id, kind, reason, targets, outcome, error, duration_s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		e.ActionID, e.SessionID, e.Kind, e.Reason, string(targets),
		e.Outcome, e.Error, int(e.Duration.Seconds()))
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// CountBySession returns the number of audit rows for a session, split by
// outcome. Used by the session summary logged at shutdown.
func (s *Store) CountBySession(ctx context.Context, sessionID string) (applied, rolledBack int, err error) {
	const query = `
		SELECT outcome, COUNT(*)
		FROM moderation_audit
		WHERE session_id = ?
		GROUP BY outcome`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return 0, 0, fmt.Errorf("audit: count: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return 0, 0, fmt.Errorf("audit: scan: %w", err)
		}
		switch outcome {
		case OutcomeApplied:
			applied = n
		case OutcomeRolledBack:
			rolledBack = n
		}
	}
	return applied, rolledBack, rows.Err()
}

// RecentBySession returns up to limit entries for a session, newest first.
func (s *Store) RecentBySession(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT action_id, session_id, kind, reason, targets, outcome, error, duration_s
		FROM moderation_audit
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var targets string
		var durationS int
		if err := rows.Scan(&e.ActionID, &e.SessionID, &e.Kind, &e.Reason, &targets, &e.Outcome, &e.Error, &durationS); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(targets), &e.Targets); err != nil {
			return nil, fmt.Errorf("audit: unmarshal targets: %w", err)
		}
		e.Duration = time.Duration(durationS) * time.Second
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
