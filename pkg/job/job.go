package job

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition encodes the forward-only lifecycle. failed -> active is only
// legal for a retry-eligible job; callers check that with Job.Retryable.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusWaiting:
		return to == StatusActive
	case StatusActive:
		return to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return to == StatusActive
	}
	return false
}

// Filter is an inclusive date range. A nil bound is open.
type Filter struct {
	Start *time.Time `json:"startDate,omitempty"`
	End   *time.Time `json:"endDate,omitempty"`
}

// Contains reports whether t falls inside the range.
func (f Filter) Contains(t time.Time) bool {
	if f.Start != nil && t.Before(*f.Start) {
		return false
	}
	if f.End != nil && t.After(*f.End) {
		return false
	}
	return true
}

type Result struct {
	Path        string    `json:"filePath"`
	GeneratedAt time.Time `json:"generatedAt"`
}

type Job struct {
	ID             string     `json:"reportId"`
	OwnerID        string     `json:"ownerId"`
	Filter         Filter     `json:"filter"`
	Status         Status     `json:"status"`
	Progress       int        `json:"progress"`
	Result         *Result    `json:"result,omitempty"`
	FailureReason  string     `json:"failureReason,omitempty"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"maxAttempts"`
	AvailableAt    *time.Time `json:"availableAt,omitempty"` // nil once no further attempt will run
	LeaseToken     string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// Terminal reports whether the job will never run again.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted:
		return true
	case StatusFailed:
		return j.AvailableAt == nil
	}
	return false
}

// Retryable reports whether a failed job may be picked up again.
func (j *Job) Retryable() bool {
	return j.Status == StatusFailed && j.AvailableAt != nil && j.Attempts < j.MaxAttempts
}

// Eligible reports whether Dequeue may claim the job at now.
func (j *Job) Eligible(now time.Time) bool {
	switch j.Status {
	case StatusWaiting:
		return j.AvailableAt == nil || !j.AvailableAt.After(now)
	case StatusFailed:
		return j.Retryable() && !j.AvailableAt.After(now)
	}
	return false
}

// Lease is the exclusive claim a worker holds on an active job. Token changes
// on every claim so writes from an earlier attempt are fenced off.
type Lease struct {
	ReportID  string
	Token     string
	Attempt   int
	ExpiresAt time.Time
}

func NewLeaseToken() string {
	return uuid.NewString()
}

type EnqueueRequest struct {
	ReportID    string
	OwnerID     string
	Filter      Filter
	MaxAttempts int
}
