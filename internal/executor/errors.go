package executor

import "github.com/cockroachdb/errors"

var (
	// ErrActionResolution is returned when a job references an unregistered handler
	ErrActionResolution = errors.New("action could not be resolved")

	// ErrActionExecution marks errors and panics raised by an action
	ErrActionExecution = errors.New("action execution failed")

	// ErrMaxInstancesReached is returned when a firing is skipped because the
	// job already has its maximum number of instances in flight
	ErrMaxInstancesReached = errors.New("max instances reached")

	// ErrQueueFull is returned when the pool cannot accept more work
	ErrQueueFull = errors.New("executor queue full")

	// ErrExecutorClosed is returned by Submit after Close
	ErrExecutorClosed = errors.New("executor closed")
)
