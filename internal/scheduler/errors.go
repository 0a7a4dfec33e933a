package scheduler

import "github.com/cockroachdb/errors"

var (
	// ErrAlreadyRunning is returned by Start when the scheduler is not stopped
	ErrAlreadyRunning = errors.New("scheduler already running")

	// ErrNotRunning is returned by Stop when the scheduler is not running
	ErrNotRunning = errors.New("scheduler not running")

	// ErrInvalidJob is returned when a job definition is incomplete
	ErrInvalidJob = errors.New("invalid job")
)
