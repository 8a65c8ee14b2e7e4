// Package retention removes expired report artifacts and finished job
// records on a schedule.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"expense-reports/pkg/artifact"
	"expense-reports/pkg/job"
	"expense-reports/pkg/observability"
)

// Sweeper deletes artifacts older than maxAge. A failed delete is logged and
// left for the next run.
type Sweeper struct {
	store  artifact.Store
	maxAge time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewSweeper(store artifact.Store, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: store, maxAge: maxAge, now: time.Now, logger: logger}
}

// Sweep returns how many artifacts it deleted. Only a listing failure is an
// error.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	infos, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	deleted := 0
	for _, info := range infos {
		if now.Sub(info.ModTime) <= s.maxAge {
			continue
		}
		err := s.store.Delete(ctx, info.Name)
		switch {
		case err == nil:
			deleted++
			observability.ArtifactsSwept.WithLabelValues("deleted").Inc()
			s.logger.Info("deleted expired report", "artifact", info.Name, "age", now.Sub(info.ModTime).Round(time.Second))
		case errors.Is(err, job.ErrNotFound):
			// already gone
		default:
			observability.ArtifactsSwept.WithLabelValues("error").Inc()
			s.logger.Warn("failed to delete expired report", "artifact", info.Name, "error", err)
		}
	}

	if sc, ok := s.store.(artifact.Scavenger); ok {
		n, err := sc.RemoveStale(ctx, now.Add(-s.maxAge))
		if n > 0 {
			observability.ArtifactsSwept.WithLabelValues("stale_temp").Add(float64(n))
			s.logger.Info("removed unfinished artifact writes", "count", n)
		}
		if err != nil {
			s.logger.Warn("failed to remove unfinished artifact writes", "error", err)
		}
	}
	return deleted, nil
}

// Purger applies the job record retention policy.
type Purger struct {
	store  job.Store
	policy job.PurgePolicy
	logger *slog.Logger
}

func NewPurger(store job.Store, policy job.PurgePolicy, logger *slog.Logger) *Purger {
	return &Purger{store: store, policy: policy, logger: logger}
}

func (p *Purger) Purge(ctx context.Context) (int64, error) {
	n, err := p.store.Purge(ctx, p.policy)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.JobsPurged.Add(float64(n))
		p.logger.Info("purged finished report jobs", "count", n)
	}
	return n, nil
}
