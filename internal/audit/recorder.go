// Package audit persists session-lifecycle events (logins, registrations)
// to a local SQLite database for after-the-fact inspection. Recording is
// best-effort: a storage failure is logged by the caller and never fails the
// request that produced the event.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	environment TEXT NOT NULL,
	success INTEGER NOT NULL,
	detail TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_created_at ON session_events(created_at);
`

// Entry is one audited session event. Detail carries a short human-readable
// classification (an error kind, never credential material).
type Entry struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Environment string    `json:"environment"`
	Success     bool      `json:"success"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Recorder appends session events to SQLite. A nil *Recorder is valid and
// disables auditing: all methods become no-ops.
type Recorder struct {
	db *sql.DB
}

// Open opens (creating if necessary) the audit database at the given path.
// ":memory:" is accepted for tests.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Record appends one event. Missing ID and CreatedAt are filled in.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if r == nil {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	success := 0
	if e.Success {
		success = 1
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO session_events (id, type, environment, success, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.Environment, success, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("record session event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if r == nil {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, type, environment, success, detail, created_at FROM session_events ORDER BY created_at DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list session events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var success int
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &e.Environment, &success, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		e.Success = success != 0
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the total number of audited events.
func (r *Recorder) Count(ctx context.Context) (int64, error) {
	if r == nil {
		return 0, nil
	}
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_events`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count session events: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.db.Close()
}
