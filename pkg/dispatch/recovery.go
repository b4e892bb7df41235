package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/inletmail/inlet/pkg/jobs"
	"github.com/inletmail/inlet/pkg/locks"
	"github.com/inletmail/inlet/pkg/logging"
)

// Recovery cleans up after crashed workers, on boot and periodically.
type Recovery struct {
	jobs   jobs.Store
	locker locks.Locker
	queue  Queue
	logger logging.Logger
}

// NewRecovery creates the recovery routine.
func NewRecovery(store jobs.Store, locker locks.Locker, queue Queue, logger logging.Logger) *Recovery {
	return &Recovery{
		jobs:   store,
		locker: locker,
		queue:  queue,
		logger: logger.With(logging.F("component", "recovery")),
	}
}

// RecoverOnBoot cancels jobs abandoned in processing by a previous crashed
// worker and force-releases every task lock. Runs once per worker boot and
// never fails when there is nothing to clean.
func (r *Recovery) RecoverOnBoot(ctx context.Context) error {
	cancelled, err := r.jobs.ResetRunning(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset running jobs: %w", err)
	}

	released, err := r.locker.ForceReleaseAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to release locks: %w", err)
	}

	r.logger.Info("Boot recovery complete",
		logging.F("jobs_cancelled", len(cancelled)),
		logging.F("locks_released", released))

	return nil
}

// SweepOnce fails jobs stuck in processing longer than staleAfter, releases
// their task locks, and re-enqueues queue messages whose visibility lapsed.
// Idempotent: a redundant sweep finds nothing.
func (r *Recovery) SweepOnce(ctx context.Context, staleAfter time.Duration) error {
	stale, err := r.jobs.SweepStale(ctx, staleAfter)
	if err != nil {
		return fmt.Errorf("failed to sweep stale jobs: %w", err)
	}

	for _, jobID := range stale {
		if err := r.locker.Release(ctx, lockName(jobID)); err != nil {
			r.logger.Error("Failed to release lock for stale job",
				logging.F("job_id", jobID),
				logging.Err(err))
		}
	}

	if r.queue != nil {
		if err := r.queue.RecoverStale(ctx); err != nil {
			r.logger.Error("Failed to recover stale queue messages", logging.Err(err))
		}
	}

	if len(stale) > 0 {
		r.logger.Warn("Stale jobs failed by sweep",
			logging.F("count", len(stale)),
			logging.F("job_ids", stale))
	}

	return nil
}

// RunSweeper sweeps on the given interval until the context is cancelled.
func (r *Recovery) RunSweeper(ctx context.Context, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SweepOnce(ctx, staleAfter); err != nil {
				r.logger.Error("Sweep failed", logging.Err(err))
			}
		}
	}
}
