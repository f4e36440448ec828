// Package history keeps a SQLite log of finished agent runs.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Run status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusAborted = "aborted"
)

// DefaultRecentLimit caps Recent when no limit is given
const DefaultRecentLimit = 50

// Run is one finished agent invocation
type Run struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	Provider     string    `json:"provider"`
	Phase        string    `json:"phase"`
	Prompt       string    `json:"prompt"`
	PlanID       string    `json:"planId,omitempty"`
	TaskID       string    `json:"taskId,omitempty"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	Messages     int       `json:"messages"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	CostUSD      float64   `json:"costUsd"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// Duration returns how long the run took
func (r Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Query filters Recent
type Query struct {
	SessionID string
	Provider  string
	Limit     int
}

// Config holds history store configuration
type Config struct {
	Path   string
	Logger zerolog.Logger
}

// Store persists runs in SQLite
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens (and creates if needed) the history database
func NewStore(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single writer avoids SQLITE_BUSY under concurrent run completions
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: cfg.Logger.With().Str("component", "history").Logger(),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.Path).Msg("History store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			phase TEXT NOT NULL,
			prompt TEXT NOT NULL,
			plan_id TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			messages INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
		CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record stores a finished run. An empty ID is filled in.
func (s *Store) Record(ctx context.Context, run Run) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "conductor/history", "history.record",
		attribute.String("run.phase", run.Phase),
		attribute.String("run.status", run.Status),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		observability.RecordHistoryWrite(time.Since(start))
	}()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = run.FinishedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (
			id, session_id, provider, phase, prompt, plan_id, task_id, status, error,
			messages, input_tokens, output_tokens, cost_usd, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, run.Provider, run.Phase, run.Prompt, run.PlanID, run.TaskID,
		run.Status, run.Error, run.Messages, run.InputTokens, run.OutputTokens, run.CostUSD,
		run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to record run: %w", err)
	}

	return run.ID, nil
}

// Recent returns the newest runs first
func (s *Store) Recent(ctx context.Context, q Query) ([]Run, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	var (
		where []string
		args  []any
	)
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, q.Provider)
	}

	query := `SELECT id, session_id, provider, phase, prompt, plan_id, task_id, status, error,
		messages, input_tokens, output_tokens, cost_usd, started_at, finished_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY finished_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run                 Run
			started, finishedAt int64
		)
		if err := rows.Scan(
			&run.ID, &run.SessionID, &run.Provider, &run.Phase, &run.Prompt, &run.PlanID, &run.TaskID,
			&run.Status, &run.Error, &run.Messages, &run.InputTokens, &run.OutputTokens, &run.CostUSD,
			&started, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.StartedAt = time.UnixMilli(started)
		run.FinishedAt = time.UnixMilli(finishedAt)
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// Count returns the number of stored runs
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}

// Prune deletes runs that finished before the cutoff
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE finished_at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Time("before", before).Msg("Pruned run history")
	}
	return removed, nil
}

// Close closes the database
func (s *Store) Close() error {
	s.logger.Info().Msg("Closing history store")
	return s.db.Close()
}
