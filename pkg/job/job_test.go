package job

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusWaiting, StatusActive}:   true,
		{StatusActive, StatusCompleted}: true,
		{StatusActive, StatusFailed}:    true,
		{StatusFailed, StatusActive}:    true,
	}
	all := []Status{StatusWaiting, StatusActive, StatusCompleted, StatusFailed}
	for _, from := range all {
		assert.True(t, from.Valid())
		for _, to := range all {
			assert.Equal(t, allowed[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, Status("delayed").Valid())
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(time.Second, 1))
	assert.Equal(t, 2*time.Second, Backoff(time.Second, 2))
	assert.Equal(t, 4*time.Second, Backoff(time.Second, 3))
	assert.Equal(t, time.Second, Backoff(time.Second, 0))
	assert.Equal(t, time.Hour, Backoff(time.Second, 40))
}

func TestTerminalAndRetryable(t *testing.T) {
	next := time.Now().Add(time.Second)

	pending := &Job{Status: StatusFailed, Attempts: 1, MaxAttempts: 3, AvailableAt: &next}
	assert.True(t, pending.Retryable())
	assert.False(t, pending.Terminal())
	assert.False(t, pending.Eligible(time.Now()))
	assert.True(t, pending.Eligible(next))

	exhausted := &Job{Status: StatusFailed, Attempts: 3, MaxAttempts: 3}
	assert.False(t, exhausted.Retryable())
	assert.True(t, exhausted.Terminal())

	assert.True(t, (&Job{Status: StatusCompleted}).Terminal())
	assert.False(t, (&Job{Status: StatusActive}).Eligible(next))
}

func TestPermanent(t *testing.T) {
	assert.False(t, Permanent(fmt.Errorf("user 9: %w", ErrNotFound)))
	assert.True(t, Permanent(fmt.Errorf("%w: bad filter", ErrInvalidArgument)))
	assert.False(t, Permanent(ErrIO))
	assert.False(t, Permanent(fmt.Errorf("boom")))
}

func TestNewView(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	done := &Job{ID: "r", Status: StatusCompleted, Progress: 100, CreatedAt: created,
		Result: &Result{Path: "expense-report-1-5.pdf"}, FailureReason: "earlier attempt"}
	v := NewView(done, "")
	assert.Equal(t, "/reports/expense-report-1-5.pdf", v.DownloadURL)
	assert.Empty(t, v.FailureReason)

	next := created.Add(time.Second)
	retrying := &Job{ID: "r", Status: StatusFailed, Attempts: 1, MaxAttempts: 3, AvailableAt: &next, FailureReason: "io"}
	v = NewView(retrying, "/reports")
	assert.Empty(t, v.DownloadURL)
	assert.Equal(t, "io", v.FailureReason)
	assert.Equal(t, &next, v.NextAttemptAt)

	active := &Job{ID: "r", Status: StatusActive, Progress: 10}
	v = NewView(active, "/reports")
	assert.Empty(t, v.DownloadURL)
	assert.Nil(t, v.NextAttemptAt)
}
