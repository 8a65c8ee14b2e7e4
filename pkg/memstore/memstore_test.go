package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expense-reports/pkg/job"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newStore(c *clock) *Store {
	return New(job.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}, WithClock(c.Now))
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(newClock())

	first, inserted, err := s.Enqueue(ctx, job.EnqueueRequest{ReportID: "r1", OwnerID: "7"})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, job.StatusWaiting, first.Status)

	second, inserted, err := s.Enqueue(ctx, job.EnqueueRequest{ReportID: "r1", OwnerID: "7"})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	j, l, err := s.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.NotNil(t, l)

	j, l, err = s.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, j, "only one unit of work exists for r1")
	assert.Nil(t, l)
}

func TestEnqueueRequiresIdentifiers(t *testing.T) {
	s := newStore(newClock())
	_, _, err := s.Enqueue(context.Background(), job.EnqueueRequest{OwnerID: "7"})
	assert.ErrorIs(t, err, job.ErrInvalidArgument)
}

func TestLifecycleCompletes(t *testing.T) {
	ctx := context.Background()
	s := newStore(newClock())
	_, _, err := s.Enqueue(ctx, job.EnqueueRequest{ReportID: "r1", OwnerID: "7"})
	require.NoError(t, err)

	j, l, err := s.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.StatusActive, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.Equal(t, 0, j.Progress)

	require.NoError(t, s.UpdateProgress(ctx, l, 10))
	require.NoError(t, s.UpdateProgress(ctx, l, 90))
	require.NoError(t, s.UpdateProgress(ctx, l, 40))
	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 90, got.Progress, "progress never decreases within an attempt")

	require.NoError(t, s.Complete(ctx, l, job.Result{Path: "a.pdf"}))
	got, err = s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.True(t, got.Terminal())

	assert.ErrorIs(t, s.Complete(ctx, l, job.Result{Path: "b.pdf"}), job.ErrStaleLease)
	_, err = s.Fail(ctx, l, "late", false)
	assert.ErrorIs(t, err, job.ErrStaleLease)
}

func TestProgressOutOfRange(t *testing.T) {
	ctx := context.Background()
	s := newStore(newClock())
	_, _, _ = s.Enqueue(ctx, job.EnqueueRequest{ReportID: "r1", OwnerID: "7"})
	_, l, err := s.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, s.UpdateProgress(ctx, l, 101), job.ErrInvalidArgument)
}

func TestRetryBoundAndBackoff(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := newStore(c)
	_, _, err := s.Enqueue(ctx, job.EnqueueRequest{ReportID: "r1", OwnerID: "7"})
	require.NoError(t, err)

	delays := []time.Duration{time.Second, 2 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		j, l, err := s.Dequeue(ctx, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, j, "attempt %d should be claimable", attempt)
		assert.Equal(t, attempt, j.Attempts)
		assert.Equal(t, 0, j.Progress, "progress resets on each attempt")

		failed, err := s.Fail(ctx, l, fmt.Sprintf("boom %d", attempt), false)
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, failed.Status)

		if attempt < 3 {
			require.False(t, failed.Terminal())
			wait := delays[attempt-1]
			assert.Equal(t, c.Now().Add(wait), *failed.AvailableAt)

			j, _, err = s.Dequeue(ctx, time.Minute)
			require.NoError(t, err)
			assert.Nil(t, j, "not eligible before backoff elapses")
			c.Advance(wait)
		} else {
			assert.True(t, failed.Terminal())
		}
	}

	c.Advance(time.Hour)
	j, _, err := s.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, j, "exhausted job never runs again")

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "boom 3", got.FailureReason)
}

func TestPermanentFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := newStore(newClock())
	_, _, _ = s.Enqueue(ctx, job.EnqueueRequest{ReportID: "r1", OwnerID: "7"})
	_, l, err := s.Dequeue(ctx, time.Minute)
	require.NoError(t, err)

	failed, err := s.Fail(ctx, l, "unknown owner", true)
	require.NoError(t, err)
	assert.True(t, failed.Terminal())
	assert.Equal(t, 1, failed.Attempts)
}

func TestExpiredLeaseIsFencedAndReclaimed(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := newStore(c)
	_, _, _ = s.Enqueue(ctx, job.EnqueueRequest{ReportID: "r1", OwnerID: "7"})

	_, l, err := s.Dequeue(ctx, 10*time.Second)
	require.NoError(t, err)

	c.Advance(5 * time.Second)
	require.NoError(t, s.RenewLease(ctx, l, 10*time.Second))

	c.Advance(11 * time.Second)
	assert.ErrorIs(t, s.UpdateProgress(ctx, l, 50), job.ErrStaleLease)
	assert.ErrorIs(t, s.RenewLease(ctx, l, 10*time.Second), job.ErrStaleLease)

	reclaimed, err := s.ReclaimExpired(ctx)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, job.StatusFailed, reclaimed[0].Status)
	assert.Equal(t, "lease expired", reclaimed[0].FailureReason)

	c.Advance(time.Second)
	j, l2, err := s.Dequeue(ctx, 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 2, j.Attempts)
	assert.NotEqual(t, l.Token, l2.Token)

	assert.ErrorIs(t, s.Complete(ctx, l, job.Result{Path: "old.pdf"}), job.ErrStaleLease)
	require.NoError(t, s.Complete(ctx, l2, job.Result{Path: "new.pdf"}))
}

func TestConcurrentDequeueClaimsOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(newClock())
	for i := 0; i < 20; i++ {
		_, _, err := s.Enqueue(ctx, job.EnqueueRequest{ReportID: fmt.Sprintf("r%02d", i), OwnerID: "7"})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, _, err := s.Dequeue(ctx, time.Minute)
				if err != nil || j == nil {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	s := newStore(c)

	finish := func(id string, ok bool) {
		_, _, err := s.Enqueue(ctx, job.EnqueueRequest{ReportID: id, OwnerID: "7", MaxAttempts: 1})
		require.NoError(t, err)
		_, l, err := s.Dequeue(ctx, time.Minute)
		require.NoError(t, err)
		if ok {
			require.NoError(t, s.Complete(ctx, l, job.Result{Path: id + ".pdf"}))
		} else {
			_, err = s.Fail(ctx, l, "boom", false)
			require.NoError(t, err)
		}
	}

	finish("old-done", true)
	finish("old-failed", false)
	c.Advance(2 * time.Hour)
	finish("new-1", true)
	c.Advance(time.Minute)
	finish("new-2", true)
	c.Advance(time.Minute)
	finish("new-3", true)

	n, err := s.Purge(ctx, job.PurgePolicy{
		CompletedRetention: time.Hour,
		CompletedKeep:      2,
		FailedRetention:    24 * time.Hour,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	for _, id := range []string{"old-done", "new-1"} {
		_, err := s.Get(ctx, id)
		assert.ErrorIs(t, err, job.ErrNotFound, id)
	}
	for _, id := range []string{"old-failed", "new-2", "new-3"} {
		_, err := s.Get(ctx, id)
		assert.NoError(t, err, id)
	}

	c.Advance(24 * time.Hour)
	_, err = s.Purge(ctx, job.PurgePolicy{FailedRetention: 24 * time.Hour})
	require.NoError(t, err)
	_, err = s.Get(ctx, "old-failed")
	assert.ErrorIs(t, err, job.ErrNotFound)
}
