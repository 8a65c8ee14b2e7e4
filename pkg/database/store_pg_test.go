package database

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expense-reports/pkg/job"
)

// These tests run the job.Store SQL against a real Postgres. They are skipped
// unless TEST_DATABASE_URL is set. The report tables in that database are
// truncated before every test, so never point it at a database you care about.

func testStore(t *testing.T) (*Store, *Client) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping postgres store test")
	}
	ctx := context.Background()
	c, err := New(ctx, url, 4, job.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.InitSchema(ctx))
	_, err = c.pool.Exec(ctx, `TRUNCATE report_jobs CASCADE`)
	require.NoError(t, err)
	return c.Store(), c
}

func exec(t *testing.T, c *Client, sql string, args ...any) {
	t.Helper()
	_, err := c.pool.Exec(context.Background(), sql, args...)
	require.NoError(t, err)
}

// makeEligible pulls a pending retry forward to now.
func makeEligible(t *testing.T, c *Client, id string) {
	t.Helper()
	exec(t, c, `UPDATE report_jobs SET available_at = NOW() WHERE id = $1`, id)
}

func enqueue(t *testing.T, s *Store, id string) {
	t.Helper()
	_, inserted, err := s.Enqueue(context.Background(), job.EnqueueRequest{ReportID: id, OwnerID: "1"})
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestPostgresEnqueueIsIdempotent(t *testing.T) {
	s, c := testStore(t)
	ctx := context.Background()

	first, inserted, err := s.Enqueue(ctx, job.EnqueueRequest{ReportID: "report-1-a", OwnerID: "1"})
	require.NoError(t, err)
	require.True(t, inserted)
	assert.Equal(t, job.StatusWaiting, first.Status)
	assert.Equal(t, 3, first.MaxAttempts)

	again, inserted, err := s.Enqueue(ctx, job.EnqueueRequest{ReportID: "report-1-a", OwnerID: "1"})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.CreatedAt, again.CreatedAt)

	msgs, err := c.FetchOutboxMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "a repeat enqueue must not write a second wake-up")
	assert.Equal(t, "report-1-a", msgs[0].JobID)

	_, _, err = s.Enqueue(ctx, job.EnqueueRequest{OwnerID: "1"})
	assert.ErrorIs(t, err, job.ErrInvalidArgument)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestPostgresConcurrentDequeueClaimsOnce(t *testing.T) {
	s, _ := testStore(t)
	enqueue(t, s, "r")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, _, err := s.Dequeue(context.Background(), time.Minute)
			assert.NoError(t, err)
			if j != nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claimed)
}

func TestPostgresLifecycleCompletes(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	enqueue(t, s, "r")

	j, lease, err := s.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, job.StatusActive, j.Status)
	assert.Equal(t, 1, lease.Attempt)

	require.NoError(t, s.UpdateProgress(ctx, lease, 10))
	require.NoError(t, s.UpdateProgress(ctx, lease, 90))
	require.NoError(t, s.UpdateProgress(ctx, lease, 50), "progress never moves backwards")
	got, err := s.Get(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, 90, got.Progress)

	require.NoError(t, s.RenewLease(ctx, lease, time.Minute))
	generated := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.Complete(ctx, lease, job.Result{Path: "expense-report-1-1.pdf", GeneratedAt: generated}))

	got, err = s.Get(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Result)
	assert.Equal(t, "expense-report-1-1.pdf", got.Result.Path)
	assert.True(t, generated.Equal(got.Result.GeneratedAt))
	assert.True(t, got.Terminal())

	next, _, err := s.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestPostgresExpiredLeaseIsFencedAndReclaimed(t *testing.T) {
	s, c := testStore(t)
	ctx := context.Background()
	enqueue(t, s, "r")

	_, stale, err := s.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, stale)
	time.Sleep(150 * time.Millisecond)

	assert.ErrorIs(t, s.RenewLease(ctx, stale, time.Minute), job.ErrStaleLease)
	assert.ErrorIs(t, s.UpdateProgress(ctx, stale, 10), job.ErrStaleLease)
	assert.ErrorIs(t, s.Complete(ctx, stale, job.Result{Path: "late.pdf"}), job.ErrStaleLease)

	reclaimed, err := s.ReclaimExpired(ctx)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, job.StatusFailed, reclaimed[0].Status)
	assert.Equal(t, "lease expired", reclaimed[0].FailureReason)
	assert.True(t, reclaimed[0].Retryable())
	require.NotNil(t, reclaimed[0].AvailableAt)
	assert.Equal(t, time.Second, reclaimed[0].AvailableAt.Sub(reclaimed[0].UpdatedAt))

	makeEligible(t, c, "r")
	j, fresh, err := s.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 2, fresh.Attempt)
	assert.NotEqual(t, stale.Token, fresh.Token)

	_, err = s.Fail(ctx, stale, "from the old attempt", false)
	assert.ErrorIs(t, err, job.ErrStaleLease)
	assert.ErrorIs(t, s.Complete(ctx, stale, job.Result{Path: "late.pdf"}), job.ErrStaleLease)
	require.NoError(t, s.Complete(ctx, fresh, job.Result{Path: "ok.pdf", GeneratedAt: time.Now()}))

	got, err := s.Get(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, "ok.pdf", got.Result.Path)
}

func TestPostgresRetryBoundAndBackoff(t *testing.T) {
	s, c := testStore(t)
	ctx := context.Background()
	enqueue(t, s, "r")

	backoff := []time.Duration{time.Second, 2 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		j, lease, err := s.Dequeue(ctx, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, j, "attempt %d", attempt)
		assert.Equal(t, attempt, j.Attempts)
		assert.Zero(t, j.Progress)

		failed, err := s.Fail(ctx, lease, "io error", false)
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, failed.Status)
		if attempt < 3 {
			require.True(t, failed.Retryable())
			assert.Equal(t, backoff[attempt-1], failed.AvailableAt.Sub(failed.UpdatedAt))
			assert.Nil(t, failed.FinishedAt)

			none, _, err := s.Dequeue(ctx, time.Minute)
			require.NoError(t, err)
			assert.Nil(t, none, "retry must wait for its backoff")
			makeEligible(t, c, "r")
			continue
		}
		assert.False(t, failed.Retryable())
		assert.Nil(t, failed.AvailableAt)
		assert.NotNil(t, failed.FinishedAt)
		assert.True(t, failed.Terminal())
	}

	none, _, err := s.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none, "exhausted jobs are never claimed again")
}

func TestPostgresPermanentFailureIsTerminal(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	enqueue(t, s, "r")

	_, lease, err := s.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	failed, err := s.Fail(ctx, lease, "invalid argument", true)
	require.NoError(t, err)
	assert.Equal(t, 1, failed.Attempts)
	assert.True(t, failed.Terminal())
	assert.Nil(t, failed.AvailableAt)
}

func TestPostgresPurgeByAgeAndCount(t *testing.T) {
	s, c := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"old", "older-recent", "newest"} {
		enqueue(t, s, id)
		_, lease, err := s.Dequeue(ctx, time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, lease, job.Result{Path: id + ".pdf", GeneratedAt: time.Now()}))
	}
	exec(t, c, `UPDATE report_jobs SET finished_at = NOW() - interval '2 hours' WHERE id = 'old'`)
	exec(t, c, `UPDATE report_jobs SET finished_at = NOW() - interval '10 minutes' WHERE id = 'older-recent'`)
	exec(t, c, `UPDATE report_jobs SET finished_at = NOW() - interval '1 minute' WHERE id = 'newest'`)

	for _, id := range []string{"dead", "retrying"} {
		enqueue(t, s, id)
		_, lease, err := s.Dequeue(ctx, time.Minute)
		require.NoError(t, err)
		_, err = s.Fail(ctx, lease, "boom", id == "dead")
		require.NoError(t, err)
	}
	exec(t, c, `UPDATE report_jobs SET finished_at = NOW() - interval '25 hours' WHERE id = 'dead'`)

	n, err := s.Purge(ctx, job.PurgePolicy{CompletedRetention: time.Hour, CompletedKeep: 1, FailedRetention: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, id := range []string{"old", "older-recent", "dead"} {
		_, err := s.Get(ctx, id)
		assert.ErrorIs(t, err, job.ErrNotFound, id)
	}
	for _, id := range []string{"newest", "retrying"} {
		_, err := s.Get(ctx, id)
		assert.NoError(t, err, id)
	}
}
