// Package janitor runs cron-scheduled retention sweeps over the
// governor's interaction counters and the rate limiter's buckets.
package janitor

import (
	"context"
	"time"
)

// CounterSweeper deletes interaction counters last seen before cutoff.
type CounterSweeper interface {
	Sweep(ctx context.Context, cutoff time.Time) (int64, error)
}

// BucketCleaner deletes rate buckets whose window ended before cutoff.
type BucketCleaner interface {
	CleanupExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Run records one sweep.
type Run struct {
	ID              string     `json:"id"` // UUIDv7
	ScheduledAt     time.Time  `json:"scheduled_at"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Status          RunStatus  `json:"status"`
	Cutoff          time.Time  `json:"cutoff"`
	CountersRemoved int64      `json:"counters_removed"`
	BucketsRemoved  int64      `json:"buckets_removed"`
	Result          string     `json:"result,omitempty"` // error text on failure
}

// RunStatus indicates the state of a sweep.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)
