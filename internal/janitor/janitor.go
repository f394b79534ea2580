package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/nugget/mobo/internal/events"
)

// DefaultSchedule runs a sweep once an hour.
const DefaultSchedule = "17 * * * *"

// sweepTimeout bounds one sweep.
const sweepTimeout = 5 * time.Minute

// Config schedules sweeps.
type Config struct {
	Schedule  string        // cron expression
	Retention time.Duration // rows older than this are removed
}

// Janitor sweeps expired governor and rate limit state on a cron
// schedule.
type Janitor struct {
	counters CounterSweeper
	buckets  BucketCleaner
	store    *Store
	bus      *events.Bus
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	wg      sync.WaitGroup
}

// New creates a janitor. counters, buckets and store may be nil; a nil
// store keeps no run history.
func New(cfg Config, counters CounterSweeper, buckets BucketCleaner, store *Store, bus *events.Bus, logger *slog.Logger) (*Janitor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if !ValidSchedule(cfg.Schedule) {
		return nil, fmt.Errorf("invalid janitor schedule %q", cfg.Schedule)
	}
	if cfg.Retention <= 0 {
		return nil, errors.New("janitor retention must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		counters: counters,
		buckets:  buckets,
		store:    store,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// ValidSchedule reports whether expr is a cron expression the janitor
// can run on.
func ValidSchedule(expr string) bool {
	gx := gronx.New()
	return gx.IsValid(expr)
}

// NextRun returns the first scheduled time strictly after after.
func (j *Janitor) NextRun(after time.Time) (time.Time, error) {
	return gronx.NextTickAfter(j.cfg.Schedule, after, false)
}

// Start marks interrupted runs as failed and arms the timer for the
// next scheduled sweep.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	j.mu.Unlock()

	if j.store != nil {
		n, err := j.store.FailStale(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			j.logger.Info("marked interrupted sweeps as failed", "count", n)
		}
	}

	j.scheduleNext()
	j.logger.Debug("janitor started",
		"schedule", j.cfg.Schedule,
		"retention", j.cfg.Retention,
	)
	return nil
}

// Stop cancels the pending sweep and waits for a running one.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

func (j *Janitor) scheduleNext() {
	next, err := j.NextRun(j.now())
	if err != nil {
		j.logger.Error("failed to compute next sweep", "schedule", j.cfg.Schedule, "error", err)
		return
	}
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	if j.timer != nil {
		j.timer.Stop()
	}
	j.timer = time.AfterFunc(delay, func() { j.onFire(next) })
	j.logger.Debug("sweep scheduled", "next", next, "delay", delay.Round(time.Second))
}

func (j *Janitor) onFire(scheduledAt time.Time) {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.wg.Add(1)
	j.timer = nil
	j.mu.Unlock()
	defer j.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := j.RunOnce(ctx, scheduledAt); err != nil {
		j.logger.Error("sweep failed", "error", err)
	}
	j.scheduleNext()
}

// RunOnce sweeps immediately, records the run, and publishes
// [events.KindSweepComplete]. Both cleanups are attempted even when one
// fails; the returned error joins their failures.
func (j *Janitor) RunOnce(ctx context.Context, scheduledAt time.Time) (*Run, error) {
	now := j.now()
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	run := &Run{
		ScheduledAt: scheduledAt,
		StartedAt:   now,
		Status:      StatusRunning,
		Cutoff:      now.Add(-j.cfg.Retention),
	}
	if j.store != nil {
		if err := j.store.Create(ctx, run); err != nil {
			return nil, err
		}
	}

	var errs []error
	if j.counters != nil {
		n, err := j.counters.Sweep(ctx, run.Cutoff)
		if err != nil {
			errs = append(errs, err)
		}
		run.CountersRemoved = n
	}
	if j.buckets != nil {
		// Closed bucket windows are never read again.
		n, err := j.buckets.CleanupExpired(ctx, now)
		if err != nil {
			errs = append(errs, err)
		}
		run.BucketsRemoved = n
	}
	sweepErr := errors.Join(errs...)

	completed := j.now()
	run.CompletedAt = &completed
	run.Status = StatusCompleted
	if sweepErr != nil {
		run.Status = StatusFailed
		run.Result = sweepErr.Error()
	}
	if j.store != nil {
		if err := j.store.Update(context.WithoutCancel(ctx), run); err != nil {
			j.logger.Error("failed to record sweep", "run_id", run.ID, "error", err)
		}
	}

	j.logger.Info("sweep complete",
		"run_id", run.ID,
		"status", run.Status,
		"counters_removed", run.CountersRemoved,
		"buckets_removed", run.BucketsRemoved,
		"duration", completed.Sub(run.StartedAt),
	)
	j.bus.Emit(events.SourceJanitor, events.KindSweepComplete, map[string]any{
		"run_id":           run.ID,
		"status":           string(run.Status),
		"counters_removed": run.CountersRemoved,
		"buckets_removed":  run.BucketsRemoved,
	})
	return run, sweepErr
}
