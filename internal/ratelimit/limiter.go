// Package ratelimit implements period-bucketed usage counters for
// resource-constrained operations such as image generation. Each bucket
// is one SQLite row keyed by resource, period start and (optionally)
// actor. The check and the increment happen in a single conditional
// UPDATE inside one write transaction, so concurrent callers can never
// both squeeze under the ceiling.
package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/mobo/internal/database"
)

// ErrExceeded matches every [*ExceededError] via [errors.Is].
var ErrExceeded = errors.New("rate limit exceeded")

// ExceededError reports that a bucket had no room for the requested cost.
type ExceededError struct {
	Resource string
	Limit    int
	Current  int
	ResetAt  time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d/%d used, resets at %s",
		e.Resource, e.Current, e.Limit, e.ResetAt.Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrExceeded) match.
func (e *ExceededError) Is(target error) bool {
	return target == ErrExceeded
}

// Request describes one check-and-increment attempt.
type Request struct {
	Resource    string
	MaxRequests int
	Period      Period
	// ActorID scopes the bucket to one actor. Empty means global.
	ActorID string
	// Cost is the amount to add. Zero or negative means 1.
	Cost int
}

// Usage is a snapshot of one bucket.
type Usage struct {
	Resource     string
	Period       Period
	ActorID      string
	CurrentUsage int
	MaxUsage     int
	Remaining    int
	ResetAt      time.Time
}

// Limiter persists rate buckets in SQLite. Safe for concurrent use.
type Limiter struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// New creates a limiter on db, creating the rate_buckets table if needed.
func New(db *sql.DB, logger *slog.Logger) (*Limiter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{db: db, logger: logger, now: time.Now}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("migrate rate buckets: %w", err)
	}
	return l, nil
}

func (l *Limiter) migrate() error {
	_, err := l.db.Exec(`
	CREATE TABLE IF NOT EXISTS rate_buckets (
		resource      TEXT NOT NULL,
		period_start  TEXT NOT NULL,
		period_end    TEXT NOT NULL,
		period_type   TEXT NOT NULL,
		actor_id      TEXT NOT NULL DEFAULT '',
		current_usage INTEGER NOT NULL DEFAULT 0,
		max_usage     INTEGER NOT NULL,
		updated_at    TEXT NOT NULL,
		PRIMARY KEY (resource, period_start, actor_id)
	);
	CREATE INDEX IF NOT EXISTS idx_rate_buckets_end ON rate_buckets(period_end);
	`)
	return err
}

// CheckAndIncrement adds req.Cost to the bucket for the current period
// if the result stays within req.MaxRequests. When it would not, the
// bucket is left untouched and an [*ExceededError] is returned. The
// bucket's ceiling is updated to req.MaxRequests on every call so a
// configuration change takes effect within the running period.
func (l *Limiter) CheckAndIncrement(ctx context.Context, req Request) (*Usage, error) {
	if req.Resource == "" {
		return nil, errors.New("rate limit resource is required")
	}
	if req.MaxRequests < 0 {
		return nil, fmt.Errorf("rate limit for %s: negative ceiling %d", req.Resource, req.MaxRequests)
	}
	cost := req.Cost
	if cost <= 0 {
		cost = 1
	}

	now := l.now()
	start, end, err := PeriodBounds(req.Period, now)
	if err != nil {
		return nil, err
	}
	startKey := database.FormatTime(start)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rate limit transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	// The upsert is the transaction's first statement, so the write lock
	// is taken before anything is read.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rate_buckets
			(resource, period_start, period_end, period_type, actor_id, current_usage, max_usage, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (resource, period_start, actor_id) DO UPDATE SET max_usage = excluded.max_usage`,
		req.Resource, startKey, database.FormatTime(end), string(req.Period), req.ActorID,
		req.MaxRequests, database.FormatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("ensure rate bucket: %w", err)
	}

	var current, ceiling int
	err = tx.QueryRowContext(ctx, `
		UPDATE rate_buckets
		SET current_usage = current_usage + ?, updated_at = ?
		WHERE resource = ? AND period_start = ? AND actor_id = ?
		  AND current_usage + ? <= max_usage
		RETURNING current_usage, max_usage`,
		cost, database.FormatTime(now), req.Resource, startKey, req.ActorID, cost,
	).Scan(&current, &ceiling)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := tx.QueryRowContext(ctx, `
			SELECT current_usage, max_usage FROM rate_buckets
			WHERE resource = ? AND period_start = ? AND actor_id = ?`,
			req.Resource, startKey, req.ActorID,
		).Scan(&current, &ceiling); err != nil {
			return nil, fmt.Errorf("read rate bucket: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit rate bucket: %w", err)
		}
		l.logger.Info("rate limit exceeded",
			"resource", req.Resource,
			"actor_id", req.ActorID,
			"current", current,
			"limit", ceiling,
			"reset_at", end,
		)
		return nil, &ExceededError{Resource: req.Resource, Limit: ceiling, Current: current, ResetAt: end}
	case err != nil:
		return nil, fmt.Errorf("increment rate bucket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rate bucket: %w", err)
	}

	l.logger.Debug("rate limit checked",
		"resource", req.Resource,
		"actor_id", req.ActorID,
		"current", current,
		"limit", ceiling,
	)

	return newUsage(req.Resource, req.Period, req.ActorID, current, ceiling, end), nil
}

// Status returns the bucket for the period containing now, or a zero
// usage snapshot when nothing has been consumed yet. maxRequests is
// reported as the ceiling when no bucket exists.
func (l *Limiter) Status(ctx context.Context, resource string, period Period, actorID string, maxRequests int) (*Usage, error) {
	start, end, err := PeriodBounds(period, l.now())
	if err != nil {
		return nil, err
	}

	var current, ceiling int
	err = l.db.QueryRowContext(ctx, `
		SELECT current_usage, max_usage FROM rate_buckets
		WHERE resource = ? AND period_start = ? AND actor_id = ?`,
		resource, database.FormatTime(start), actorID,
	).Scan(&current, &ceiling)
	if errors.Is(err, sql.ErrNoRows) {
		return newUsage(resource, period, actorID, 0, maxRequests, end), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rate bucket: %w", err)
	}
	return newUsage(resource, period, actorID, current, ceiling, end), nil
}

// CleanupExpired deletes buckets whose period ended before cutoff and
// reports how many were removed.
func (l *Limiter) CleanupExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM rate_buckets WHERE period_end < ?`,
		database.FormatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired rate buckets: %w", err)
	}
	return res.RowsAffected()
}

func newUsage(resource string, period Period, actorID string, current, ceiling int, resetAt time.Time) *Usage {
	remaining := ceiling - current
	if remaining < 0 {
		remaining = 0
	}
	return &Usage{
		Resource:     resource,
		Period:       period,
		ActorID:      actorID,
		CurrentUsage: current,
		MaxUsage:     ceiling,
		Remaining:    remaining,
		ResetAt:      resetAt,
	}
}
