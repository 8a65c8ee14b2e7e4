package worker

import (
	"context"
	"log/slog"
	"time"

	"expense-reports/pkg/job"
)

// RunReaper returns jobs with expired leases to the retry policy every
// interval until ctx is done.
func RunReaper(ctx context.Context, store job.Store, interval time.Duration, retrier Retrier, logger *slog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			Reap(ctx, store, retrier, logger)
		}
	}
}

// Reap runs one reclaim pass and returns how many jobs it reclaimed.
func Reap(ctx context.Context, store job.Store, retrier Retrier, logger *slog.Logger) int {
	jobs, err := store.ReclaimExpired(ctx)
	if err != nil {
		logger.Error("lease reclaim failed", "error", err)
		return 0
	}
	for _, j := range jobs {
		l := logger.With("report_id", j.ID, "attempt", j.Attempts)
		if !j.Retryable() {
			l.Error("expired lease exhausted attempts, job failed")
			continue
		}
		l.Warn("expired lease reclaimed, retry scheduled", "next_attempt_at", *j.AvailableAt)
		if retrier != nil {
			if err := retrier.ScheduleRetry(ctx, j.ID, time.Until(*j.AvailableAt)); err != nil {
				l.Warn("failed to schedule retry wake-up", "error", err)
			}
		}
	}
	return len(jobs)
}
