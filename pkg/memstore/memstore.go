// Package memstore is a process-local job.Store. It backs STORE_BACKEND=memory
// and the unit tests; state does not survive a restart.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"expense-reports/pkg/job"
)

type Store struct {
	mu     sync.Mutex
	jobs   map[string]*job.Job
	policy job.RetryPolicy
	now    func() time.Time
}

type Option func(*Store)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(policy job.RetryPolicy, opts ...Option) *Store {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = job.DefaultRetryPolicy().MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = job.DefaultRetryPolicy().BaseDelay
	}
	s := &Store{
		jobs:   make(map[string]*job.Job),
		policy: policy,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Enqueue(_ context.Context, req job.EnqueueRequest) (*job.Job, bool, error) {
	if req.ReportID == "" || req.OwnerID == "" {
		return nil, false, fmt.Errorf("report id and owner id are required: %w", job.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[req.ReportID]; ok {
		return clone(existing), false, nil
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.policy.MaxAttempts
	}
	now := s.now()
	j := &job.Job{
		ID:          req.ReportID,
		OwnerID:     req.OwnerID,
		Filter:      req.Filter,
		Status:      job.StatusWaiting,
		MaxAttempts: maxAttempts,
		AvailableAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return clone(j), true, nil
}

func (s *Store) Dequeue(_ context.Context, ttl time.Duration) (*job.Job, *job.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var next *job.Job
	for _, j := range s.jobs {
		if !j.Eligible(now) {
			continue
		}
		if next == nil || j.CreatedAt.Before(next.CreatedAt) ||
			(j.CreatedAt.Equal(next.CreatedAt) && j.ID < next.ID) {
			next = j
		}
	}
	if next == nil {
		return nil, nil, nil
	}

	expires := now.Add(ttl)
	next.Status = job.StatusActive
	next.Attempts++
	next.Progress = 0
	next.LeaseToken = job.NewLeaseToken()
	next.LeaseExpiresAt = &expires
	next.AvailableAt = nil
	next.UpdatedAt = now

	lease := &job.Lease{
		ReportID:  next.ID,
		Token:     next.LeaseToken,
		Attempt:   next.Attempts,
		ExpiresAt: expires,
	}
	return clone(next), lease, nil
}

// held returns the job when l is still the live lease on it. Callers hold mu.
func (s *Store) held(l *job.Lease) (*job.Job, error) {
	j, ok := s.jobs[l.ReportID]
	if !ok {
		return nil, job.ErrNotFound
	}
	if j.Status != job.StatusActive || j.LeaseToken != l.Token ||
		j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.After(s.now()) {
		return nil, job.ErrStaleLease
	}
	return j, nil
}

func (s *Store) RenewLease(_ context.Context, l *job.Lease, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.held(l)
	if err != nil {
		return err
	}
	expires := s.now().Add(ttl)
	j.LeaseExpiresAt = &expires
	l.ExpiresAt = expires
	return nil
}

func (s *Store) UpdateProgress(_ context.Context, l *job.Lease, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("progress %d out of range: %w", percent, job.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.held(l)
	if err != nil {
		return err
	}
	if percent > j.Progress {
		j.Progress = percent
		j.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) Complete(_ context.Context, l *job.Lease, res job.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.held(l)
	if err != nil {
		return err
	}
	now := s.now()
	r := res
	j.Status = job.StatusCompleted
	j.Progress = 100
	j.Result = &r
	j.FailureReason = ""
	j.LeaseToken = ""
	j.LeaseExpiresAt = nil
	j.FinishedAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *Store) Fail(_ context.Context, l *job.Lease, reason string, permanent bool) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.held(l)
	if err != nil {
		return nil, err
	}
	s.fail(j, reason, permanent)
	return clone(j), nil
}

func (s *Store) fail(j *job.Job, reason string, permanent bool) {
	now := s.now()
	j.Status = job.StatusFailed
	j.FailureReason = reason
	j.LeaseToken = ""
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now
	if permanent || j.Attempts >= j.MaxAttempts {
		j.AvailableAt = nil
		j.FinishedAt = &now
		return
	}
	at := now.Add(job.Backoff(s.policy.BaseDelay, j.Attempts))
	j.AvailableAt = &at
}

func (s *Store) Get(_ context.Context, reportID string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[reportID]
	if !ok {
		return nil, job.ErrNotFound
	}
	return clone(j), nil
}

func (s *Store) ReclaimExpired(_ context.Context) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*job.Job
	for _, j := range s.jobs {
		if j.Status != job.StatusActive || j.LeaseExpiresAt == nil || j.LeaseExpiresAt.After(now) {
			continue
		}
		s.fail(j, "lease expired", false)
		out = append(out, clone(j))
	}
	return out, nil
}

func (s *Store) Purge(_ context.Context, p job.PurgePolicy) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var completed []*job.Job
	var purged int64
	for id, j := range s.jobs {
		switch {
		case j.Status == job.StatusCompleted:
			completed = append(completed, j)
		case j.Terminal() && p.FailedRetention > 0 && finishedBefore(j, now.Add(-p.FailedRetention)):
			delete(s.jobs, id)
			purged++
		}
	}

	// newest first so the first CompletedKeep survive the count rule
	sort.Slice(completed, func(a, b int) bool {
		return finishedAt(completed[a]).After(finishedAt(completed[b]))
	})
	for i, j := range completed {
		expired := p.CompletedRetention > 0 && finishedBefore(j, now.Add(-p.CompletedRetention))
		overflow := p.CompletedKeep > 0 && i >= p.CompletedKeep
		if expired || overflow {
			delete(s.jobs, j.ID)
			purged++
		}
	}
	return purged, nil
}

func finishedAt(j *job.Job) time.Time {
	if j.FinishedAt != nil {
		return *j.FinishedAt
	}
	return j.UpdatedAt
}

func finishedBefore(j *job.Job, cutoff time.Time) bool {
	return finishedAt(j).Before(cutoff)
}

func clone(j *job.Job) *job.Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	c.AvailableAt = copyTime(j.AvailableAt)
	c.LeaseExpiresAt = copyTime(j.LeaseExpiresAt)
	c.FinishedAt = copyTime(j.FinishedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
