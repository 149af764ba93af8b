// Package monitoring - store.go persists per-run telemetry to SQLite.
//
// DESIGN: One row per relayed request. Rows are written once, on completion,
// so a crash mid-stream loses at most the in-flight run. The store backs the
// /stats recent-runs view and gives operators a queryable history without
// shipping logs anywhere.
package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Run statuses recorded in the store.
const (
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
	StatusFailed    = "failed"
)

// RunRecord is one relayed request's telemetry row.
type RunRecord struct {
	ID           string    `json:"id"`
	SessionKey   string    `json:"session_key"`
	Endpoint     string    `json:"endpoint"`
	Model        string    `json:"model"`
	Status       string    `json:"status"`
	AbortTrigger string    `json:"abort_trigger,omitempty"`
	ToolEvents   int       `json:"tool_events"`
	OutputTokens int       `json:"output_tokens_estimated"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Store is the SQLite-backed run history.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the run history database at path.
// Parent directories are created as needed.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps readers (the /stats handler) from blocking writers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.Info().Str("path", path).Msg("run history store initialized")
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			model TEXT NOT NULL,
			status TEXT NOT NULL,
			abort_trigger TEXT NOT NULL DEFAULT '',
			tool_events INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_runs_started_at
			ON runs(started_at DESC);

		CREATE INDEX IF NOT EXISTS idx_runs_session_key
			ON runs(session_key);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordRun persists one finished run.
func (s *Store) RecordRun(ctx context.Context, rec RunRecord) error {
	query := `
		INSERT INTO runs (id, session_key, endpoint, model, status, abort_trigger,
			tool_events, output_tokens, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.SessionKey,
		rec.Endpoint,
		rec.Model,
		rec.Status,
		rec.AbortTrigger,
		rec.ToolEvents,
		rec.OutputTokens,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecentRuns returns the newest runs first, at most limit rows.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, session_key, endpoint, model, status, abort_trigger,
			tool_events, output_tokens, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var started, finished string
		if err := rows.Scan(&rec.ID, &rec.SessionKey, &rec.Endpoint, &rec.Model,
			&rec.Status, &rec.AbortTrigger, &rec.ToolEvents, &rec.OutputTokens,
			&started, &finished); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ping reports whether the database answers. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
