package job

import (
	"context"
	"time"
)

// Store is the durable queue plus the authoritative job-state table.
// Implementations must make Dequeue atomic across concurrent callers and
// fence every lease-carrying write on (report id, token, unexpired).
type Store interface {
	// Enqueue inserts a waiting job unless req.ReportID already exists, in
	// which case the existing job is returned unchanged with inserted=false.
	Enqueue(ctx context.Context, req EnqueueRequest) (j *Job, inserted bool, err error)

	// Dequeue claims the oldest eligible job. It returns nil, nil, nil when
	// nothing is ready.
	Dequeue(ctx context.Context, ttl time.Duration) (*Job, *Lease, error)

	RenewLease(ctx context.Context, l *Lease, ttl time.Duration) error
	UpdateProgress(ctx context.Context, l *Lease, percent int) error
	Complete(ctx context.Context, l *Lease, res Result) error

	// Fail records reason. Unless permanent is set or the attempt limit is
	// reached, the job becomes eligible again after the backoff delay.
	Fail(ctx context.Context, l *Lease, reason string, permanent bool) (*Job, error)

	Get(ctx context.Context, reportID string) (*Job, error)

	// ReclaimExpired fails active jobs whose lease ran out so they re-enter
	// the retry policy. It returns the reclaimed jobs.
	ReclaimExpired(ctx context.Context) ([]*Job, error)

	Purge(ctx context.Context, p PurgePolicy) (int64, error)
}

// PurgePolicy bounds how long finished job records are kept.
type PurgePolicy struct {
	CompletedRetention time.Duration
	CompletedKeep      int
	FailedRetention    time.Duration
}

// RetryPolicy is shared by the store implementations.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Backoff returns base * 2^(attempt-1), capped at one hour.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	d := base * time.Duration(1<<shift)
	if d > time.Hour || d <= 0 {
		d = time.Hour
	}
	return d
}
