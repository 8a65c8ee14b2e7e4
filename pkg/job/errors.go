package job

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrIO              = errors.New("io error")
	ErrExecution       = errors.New("execution failure")

	// ErrStaleLease is returned when a write carries a lease that has expired
	// or was superseded by a later claim. The write is dropped.
	ErrStaleLease = errors.New("stale lease")
)

// Permanent reports whether retrying err cannot change the outcome. Only a
// malformed job is permanent; an unknown owner may still be created by the
// time the next attempt runs.
func Permanent(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}
