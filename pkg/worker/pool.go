// Package worker runs report jobs claimed from a job.Store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"expense-reports/pkg/job"
	"expense-reports/pkg/notify"
	"expense-reports/pkg/observability"
	"expense-reports/pkg/report"
)

// Generator produces the artifact for one job.
type Generator interface {
	Generate(ctx context.Context, ownerID string, f job.Filter) (*report.Artifact, error)
}

// Waker blocks an idle slot until work may be available or max elapses.
type Waker interface {
	Wait(ctx context.Context, max time.Duration)
}

// Retrier schedules a wake-up for when a failed job becomes eligible again.
type Retrier interface {
	ScheduleRetry(ctx context.Context, reportID string, delay time.Duration) error
}

type Config struct {
	Slots          int
	LeaseTTL       time.Duration
	PollInterval   time.Duration
	DownloadPrefix string
	// JobTimeout is the deadline of one attempt. Renewal stops when it
	// passes, so a generator that ignores ctx loses its lease one LeaseTTL
	// later and the reaper fails the attempt.
	JobTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Slots < 1 {
		c.Slots = 2
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * c.LeaseTTL
	}
}

type Pool struct {
	store    job.Store
	gen      Generator
	notifier notify.Notifier
	waker    Waker
	retrier  Retrier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Pool)

func WithWaker(w Waker) Option     { return func(p *Pool) { p.waker = w } }
func WithRetrier(r Retrier) Option { return func(p *Pool) { p.retrier = r } }

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func New(store job.Store, gen Generator, n notify.Notifier, cfg Config, logger *slog.Logger, opts ...Option) *Pool {
	cfg.defaults()
	p := &Pool{
		store:    store,
		gen:      gen,
		notifier: n,
		waker:    TimerWaker{},
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run starts the slots and blocks until ctx is cancelled and every slot has
// finished its current job.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(p.cfg.Slots)
	for i := 0; i < p.cfg.Slots; i++ {
		go func(slot int) {
			defer wg.Done()
			p.slot(ctx, slot)
		}(i)
	}
	p.logger.Info("worker pool started", "slots", p.cfg.Slots)
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) slot(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		ran, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Error("dequeue failed", "slot", slot, "error", err)
		}
		if !ran {
			p.waker.Wait(ctx, p.cfg.PollInterval)
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether a job was
// claimed. The job itself runs detached from ctx so shutdown lets it finish.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	j, lease, err := p.store.Dequeue(ctx, p.cfg.LeaseTTL)
	if err != nil || j == nil {
		return false, err
	}
	p.execute(context.WithoutCancel(ctx), j, lease)
	return true, nil
}

func (p *Pool) execute(ctx context.Context, j *job.Job, lease *job.Lease) {
	l := p.logger.With("report_id", j.ID, "user_id", j.OwnerID, "attempt", lease.Attempt)
	l.Info("job claimed, starting processing")

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		p.renew(runCtx, cancel, lease, l)
	}()

	start := time.Now()
	art, err := p.generate(runCtx, j, lease)
	observability.JobDuration.Observe(time.Since(start).Seconds())

	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	// Renewal must stop before the final write so it cannot race it.
	cancel()
	<-renewDone

	if err != nil && timedOut {
		err = fmt.Errorf("%w: generation exceeded %s: %w", job.ErrExecution, p.cfg.JobTimeout, err)
	}
	if err != nil {
		p.fail(ctx, j, lease, err, l)
		return
	}
	p.complete(ctx, j, lease, art, l)
}

func (p *Pool) generate(ctx context.Context, j *job.Job, lease *job.Lease) (*report.Artifact, error) {
	if err := p.store.UpdateProgress(ctx, lease, 10); err != nil {
		return nil, err
	}
	art, err := p.gen.Generate(ctx, j.OwnerID, j.Filter)
	if err != nil {
		return nil, err
	}
	if err := p.store.UpdateProgress(ctx, lease, 90); err != nil {
		return nil, err
	}
	return art, nil
}

// renew extends the lease every ttl/3 until ctx ends, including by the job
// deadline. Losing the lease cancels the run.
func (p *Pool) renew(ctx context.Context, cancelRun context.CancelFunc, lease *job.Lease, l *slog.Logger) {
	t := time.NewTicker(p.cfg.LeaseTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				l.Warn("job timeout reached, lease no longer renewed", "timeout", p.cfg.JobTimeout)
			}
			return
		case <-t.C:
			err := p.store.RenewLease(ctx, lease, p.cfg.LeaseTTL)
			if errors.Is(err, job.ErrStaleLease) {
				l.Warn("lease lost, abandoning job")
				cancelRun()
				return
			}
			if err != nil && ctx.Err() == nil {
				l.Warn("lease renewal failed", "error", err)
			}
		}
	}
}

func (p *Pool) complete(ctx context.Context, j *job.Job, lease *job.Lease, art *report.Artifact, l *slog.Logger) {
	err := p.store.Complete(ctx, lease, job.Result{Path: art.Name, GeneratedAt: art.GeneratedAt})
	if errors.Is(err, job.ErrStaleLease) {
		l.Warn("completion rejected, lease no longer held", "artifact", art.Name)
		return
	}
	if err != nil {
		// Lease stays in place; the reaper returns the job to the retry policy.
		l.Error("failed to record completion", "error", err)
		return
	}
	observability.JobsProcessed.WithLabelValues("completed").Inc()
	l.Info("job completed successfully", "artifact", art.Name)

	evt := notify.ReportReady{
		ReportID:    j.ID,
		UserID:      j.OwnerID,
		DownloadURL: job.DownloadURL(p.cfg.DownloadPrefix, art.Name),
	}
	if err := p.notifier.ReportReady(ctx, evt); err != nil {
		l.Warn("failed to dispatch report:ready", "error", err)
	}
}

func (p *Pool) fail(ctx context.Context, j *job.Job, lease *job.Lease, cause error, l *slog.Logger) {
	if errors.Is(cause, job.ErrStaleLease) {
		l.Warn("job abandoned, lease no longer held", "error", cause)
		return
	}
	permanent := job.Permanent(cause)
	updated, err := p.store.Fail(ctx, lease, cause.Error(), permanent)
	if errors.Is(err, job.ErrStaleLease) {
		l.Warn("failure not recorded, lease no longer held", "error", cause)
		return
	}
	if err != nil {
		l.Error("failed to record job failure", "cause", cause, "error", err)
		return
	}

	if !updated.Retryable() {
		observability.JobsProcessed.WithLabelValues("failed").Inc()
		l.Error("job failed permanently", "error", cause, "permanent", permanent, "attempts", updated.Attempts)
		return
	}

	delay := updated.AvailableAt.Sub(p.now())
	observability.JobsProcessed.WithLabelValues("retried").Inc()
	l.Warn("job failed, retry scheduled", "error", cause, "delay", delay, "next_attempt_at", *updated.AvailableAt)
	if p.retrier != nil {
		if err := p.retrier.ScheduleRetry(ctx, j.ID, delay); err != nil {
			l.Warn("failed to schedule retry wake-up, relying on polling", "error", err)
		}
	}
}
