package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs maintenance tasks on a cron schedule. A run that is still
// going when the next tick fires causes that tick to be skipped.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
		timeout: time.Minute,
	}
}

// Add registers task under name on a standard five-field schedule.
func (s *Scheduler) Add(schedule, name string, task func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := task(ctx); err != nil {
			s.logger.Error("scheduled task failed", "task", name, "error", err)
		}
	})
	return err
}

// AddRetention registers both the artifact sweep and the job purge.
func (s *Scheduler) AddRetention(schedule string, sw *Sweeper, p *Purger) error {
	if err := s.Add(schedule, "artifact-sweep", func(ctx context.Context) error {
		_, err := sw.Sweep(ctx)
		return err
	}); err != nil {
		return err
	}
	return s.Add(schedule, "job-purge", func(ctx context.Context) error {
		_, err := p.Purge(ctx)
		return err
	})
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("retention scheduler started", "entries", len(s.cron.Entries()))
}

// Stop prevents new runs and waits for running ones until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("retention scheduler stop timed out")
	}
}
