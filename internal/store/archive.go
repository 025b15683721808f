// Package store persists finished research sessions to SQLite. The archive
// is append-mostly: the supervisor writes one record per session and the CLI
// reads them back for inspection.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"deepresearch/internal/logging"
	"deepresearch/internal/research"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	query           TEXT NOT NULL,
	iterations      INTEGER NOT NULL,
	result_count    INTEGER NOT NULL,
	succeeded_count INTEGER NOT NULL,
	final_verdict   TEXT NOT NULL DEFAULT '',
	completeness    REAL NOT NULL DEFAULT 0,
	limitations     TEXT NOT NULL DEFAULT '[]',
	failure_reason  TEXT NOT NULL DEFAULT '',
	started_at      TEXT NOT NULL,
	finished_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
`

// Archive is a SQLite-backed session archive. Safe for concurrent use; the
// connection pool is capped at one writer.
type Archive struct {
	db   *sql.DB
	path string
}

// Open creates or opens the archive database, applying the schema.
func Open(path string) (*Archive, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply archive schema: %w", err)
	}

	logging.StoreDebug("opened session archive at %s", path)
	return &Archive{db: db, path: path}, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Archive upserts one finished session. Re-archiving the same session id
// replaces the previous record.
func (a *Archive) Archive(ctx context.Context, rec *research.SessionRecord) error {
	limitations, err := json.Marshal(rec.Limitations)
	if err != nil {
		return fmt.Errorf("failed to encode limitations: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO sessions
			(id, query, iterations, result_count, succeeded_count,
			 final_verdict, completeness, limitations, failure_reason,
			 started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			query = excluded.query,
			iterations = excluded.iterations,
			result_count = excluded.result_count,
			succeeded_count = excluded.succeeded_count,
			final_verdict = excluded.final_verdict,
			completeness = excluded.completeness,
			limitations = excluded.limitations,
			failure_reason = excluded.failure_reason,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		rec.ID, rec.Query, rec.Iterations, rec.ResultCount, rec.SucceededCount,
		rec.FinalVerdict, rec.Completeness, string(limitations), rec.FailureReason,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to archive session %s: %w", rec.ID, err)
	}

	logging.Store("archived session %s (%d/%d results, verdict=%s)",
		rec.ID, rec.SucceededCount, rec.ResultCount, rec.FinalVerdict)
	return nil
}

// Get loads one archived session by id. Returns sql.ErrNoRows when absent.
func (a *Archive) Get(ctx context.Context, id string) (*research.SessionRecord, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT id, query, iterations, result_count, succeeded_count,
		       final_verdict, completeness, limitations, failure_reason,
		       started_at, finished_at
		FROM sessions WHERE id = ?`, id)
	return scanRecord(row)
}

// List returns the most recent sessions, newest first.
func (a *Archive) List(ctx context.Context, limit int) ([]*research.SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, query, iterations, result_count, succeeded_count,
		       final_verdict, completeness, limitations, failure_reason,
		       started_at, finished_at
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*research.SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*research.SessionRecord, error) {
	var rec research.SessionRecord
	var limitations, startedAt, finishedAt string
	err := s.Scan(&rec.ID, &rec.Query, &rec.Iterations, &rec.ResultCount, &rec.SucceededCount,
		&rec.FinalVerdict, &rec.Completeness, &limitations, &rec.FailureReason,
		&startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(limitations), &rec.Limitations); err != nil {
		return nil, fmt.Errorf("corrupt limitations for session %s: %w", rec.ID, err)
	}
	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("corrupt started_at for session %s: %w", rec.ID, err)
	}
	if rec.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
		return nil, fmt.Errorf("corrupt finished_at for session %s: %w", rec.ID, err)
	}
	return &rec, nil
}
