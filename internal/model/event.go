package model

import (
	"encoding/json"
	"time"
)

// Event names emitted by the scheduler core
const (
	EventJobSucceeded = "job_succeeded"
	EventJobFailed    = "job_failed"
)

// ExecutionOutcome represents how a single execution ended
type ExecutionOutcome string

const (
	OutcomeSucceeded ExecutionOutcome = "succeeded"
	OutcomeFailed    ExecutionOutcome = "failed"
)

// ExecutionEvent is the transient record of one job run. It is handed to
// the event dispatcher and never written back to the job store.
type ExecutionEvent struct {
	ID          string           `json:"id"`
	JobID       string           `json:"job_id"`
	JobName     string           `json:"job_name,omitempty"`
	Handler     string           `json:"handler"`
	Outcome     ExecutionOutcome `json:"outcome"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	ScheduledAt time.Time        `json:"scheduled_at"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	Duration    time.Duration    `json:"duration"`

	// Exhausted is set on the last firing of a job's trigger. The job is
	// removed from the store when that firing is claimed.
	Exhausted bool `json:"exhausted,omitempty"`
}

// Name returns the dispatcher event name matching the outcome
func (e *ExecutionEvent) Name() string {
	if e.Outcome == OutcomeSucceeded {
		return EventJobSucceeded
	}
	return EventJobFailed
}

// Succeeded reports whether the execution completed without error
func (e *ExecutionEvent) Succeeded() bool {
	return e.Outcome == OutcomeSucceeded
}
