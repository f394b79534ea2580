package janitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nugget/mobo/internal/database"
)

// Store persists sweep history.
type Store struct {
	db *sql.DB
}

// NewStore creates a run store on db.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate janitor runs: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS janitor_runs (
		id               TEXT PRIMARY KEY,
		scheduled_at     TEXT NOT NULL,
		started_at       TEXT NOT NULL,
		completed_at     TEXT,
		status           TEXT NOT NULL,
		cutoff           TEXT NOT NULL,
		counters_removed INTEGER NOT NULL DEFAULT 0,
		buckets_removed  INTEGER NOT NULL DEFAULT 0,
		result           TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_janitor_runs_started ON janitor_runs(started_at);
	`)
	return err
}

// Create inserts a run, assigning an ID when empty.
func (s *Store) Create(ctx context.Context, r *Run) error {
	if r.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate run ID: %w", err)
		}
		r.ID = id.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO janitor_runs (id, scheduled_at, started_at, status, cutoff)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID,
		database.FormatTime(r.ScheduledAt),
		database.FormatTime(r.StartedAt),
		string(r.Status),
		database.FormatTime(r.Cutoff),
	)
	if err != nil {
		return fmt.Errorf("insert janitor run: %w", err)
	}
	return nil
}

// Update stores the outcome of a run.
func (s *Store) Update(ctx context.Context, r *Run) error {
	var completed any
	if r.CompletedAt != nil {
		completed = database.FormatTime(*r.CompletedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE janitor_runs
		SET completed_at = ?, status = ?, counters_removed = ?, buckets_removed = ?, result = ?
		WHERE id = ?`,
		completed, string(r.Status), r.CountersRemoved, r.BucketsRemoved, r.Result, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update janitor run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scheduled_at, started_at, completed_at, status, cutoff,
		       counters_removed, buckets_removed, result
		FROM janitor_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query janitor runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Last returns the most recent run, or nil when none exist.
func (s *Store) Last(ctx context.Context) (*Run, error) {
	runs, err := s.Recent(ctx, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// FailStale marks runs left in [StatusRunning] by a previous process
// as failed and returns how many were changed.
func (s *Store) FailStale(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE janitor_runs SET status = ?, result = ?
		WHERE status = ?`,
		string(StatusFailed), "interrupted", string(StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale janitor runs: %w", err)
	}
	return res.RowsAffected()
}

func scanRun(rows *sql.Rows) (*Run, error) {
	var (
		r                          Run
		scheduled, started, cutoff string
		completed, result          sql.NullString
		status                     string
	)
	if err := rows.Scan(&r.ID, &scheduled, &started, &completed, &status, &cutoff,
		&r.CountersRemoved, &r.BucketsRemoved, &result); err != nil {
		return nil, fmt.Errorf("scan janitor run: %w", err)
	}
	r.Status = RunStatus(status)
	r.Result = result.String

	var errs []error
	var err error
	r.ScheduledAt, err = database.ParseTime(scheduled)
	errs = append(errs, err)
	r.StartedAt, err = database.ParseTime(started)
	errs = append(errs, err)
	r.Cutoff, err = database.ParseTime(cutoff)
	errs = append(errs, err)
	if completed.Valid {
		t, err := database.ParseTime(completed.String)
		errs = append(errs, err)
		r.CompletedAt = &t
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("parse janitor run %s: %w", r.ID, err)
	}
	return &r, nil
}
