// Package admin exposes the scheduler's administrative operations over NATS
// request/reply.
package admin

import (
	"github.com/cockroachdb/errors"

	"github.com/t77yq/jobscheduler/internal/model"
	"github.com/t77yq/jobscheduler/internal/scheduler"
	"github.com/t77yq/jobscheduler/internal/storage"
	"github.com/t77yq/jobscheduler/internal/trigger"
)

// Operations, appended to the subject prefix
const (
	OpAdd        = "add"
	OpRemove     = "remove"
	OpGet        = "get"
	OpList       = "list"
	OpPause      = "pause"
	OpResume     = "resume"
	OpReschedule = "reschedule"
	OpState      = "state"
	OpStats      = "stats"
	OpHistory    = "history"
)

// DefaultSubject is the subject prefix the server listens on
const DefaultSubject = "scheduler.admin"

// Error codes carried in responses
const (
	CodeNotFound    = "not_found"
	CodeDuplicateID = "duplicate_id"
	CodeInvalidSpec = "invalid_spec"
	CodeInvalidJob  = "invalid_job"
	CodeUnavailable = "unavailable"
	CodeBadRequest  = "bad_request"
	CodeInternal    = "internal"
)

// ErrRemote is returned by the client for failures without a local sentinel
var ErrRemote = errors.New("admin request failed")

var errBadRequest = errors.New("bad request")

// Request is the body of every admin request. Only the fields used by the
// operation are read.
type Request struct {
	ID      string             `json:"id,omitempty"`
	Job     *model.Job         `json:"job,omitempty"`
	Trigger *model.TriggerSpec `json:"trigger,omitempty"`

	// history queries
	Outcome model.ExecutionOutcome `json:"outcome,omitempty"`
	Offset  int                    `json:"offset,omitempty"`
	Limit   int                    `json:"limit,omitempty"`
}

// Error describes a failed request
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatsReport combines the control loop and worker pool counters
type StatsReport struct {
	Scheduler scheduler.Stats      `json:"scheduler"`
	Executor  *model.ExecutorStats `json:"executor,omitempty"`
}

// Response is the reply to every admin request
type Response struct {
	Job     *model.Job              `json:"job,omitempty"`
	Jobs    []*model.Job            `json:"jobs,omitempty"`
	State   scheduler.State         `json:"state,omitempty"`
	Stats   *StatsReport            `json:"stats,omitempty"`
	History []*model.ExecutionEvent `json:"history,omitempty"`
	Total   int                     `json:"total,omitempty"`
	Error   *Error                  `json:"error,omitempty"`
}

var codes = []struct {
	code     string
	sentinel error
}{
	{CodeNotFound, storage.ErrNotFound},
	{CodeDuplicateID, storage.ErrDuplicateID},
	{CodeInvalidSpec, trigger.ErrInvalidSpec},
	{CodeInvalidJob, scheduler.ErrInvalidJob},
	{CodeUnavailable, storage.ErrStoreUnavailable},
}

func toError(err error) *Error {
	if errors.Is(err, errBadRequest) {
		return &Error{Code: CodeBadRequest, Message: err.Error()}
	}
	for _, c := range codes {
		if errors.Is(err, c.sentinel) {
			return &Error{Code: c.code, Message: err.Error()}
		}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// Err converts a response error back into an error matching the original
// sentinel with errors.Is
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	for _, c := range codes {
		if c.code == e.Code {
			return errors.Mark(errors.New(e.Message), c.sentinel)
		}
	}
	return errors.Wrapf(ErrRemote, "%s: %s", e.Code, e.Message)
}
