package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/t77yq/jobscheduler/internal/model"
)

// JobStore is the durable record of scheduled jobs.
//
// Due and Advance together form the claim protocol: a poll tick reads due
// jobs, then claims each firing with Advance using the version it read.
// Only one claim per version can succeed, so overlapping ticks never
// dispatch the same firing twice.
type JobStore interface {
	// Add stores a new job. Returns ErrDuplicateID if the ID exists.
	Add(ctx context.Context, job *model.Job) error

	// Remove deletes a job. Returns ErrNotFound if it does not exist.
	Remove(ctx context.Context, id string) error

	// Get retrieves a job by ID
	Get(ctx context.Context, id string) (*model.Job, error)

	// List returns all jobs ordered by ID
	List(ctx context.Context) ([]*model.Job, error)

	// Due returns unpaused jobs with next fire <= now, ordered by next fire
	// then ID. A limit <= 0 means no limit.
	Due(ctx context.Context, now time.Time, limit int) ([]*model.Job, error)

	// Advance claims the firing at fired for the job at the given version,
	// moving its next fire time to next (nil when the trigger is exhausted).
	Advance(ctx context.Context, id string, version int64, fired time.Time, next *time.Time) error

	// RecordResult stores the outcome of the latest execution
	RecordResult(ctx context.Context, id string, result model.JobResult) error

	// SetPaused pauses or resumes a job
	SetPaused(ctx context.Context, id string, paused bool) error

	// Reschedule replaces the trigger and next fire time of a job
	Reschedule(ctx context.Context, id string, spec model.TriggerSpec, next time.Time) error

	// RemoveExhausted deletes a job whose trigger has no next fire time,
	// provided it is still at version. Returns ErrVersionConflict if the job
	// changed or still has a next fire time, ErrNotFound if it is gone.
	RemoveExhausted(ctx context.Context, id string, version int64) error

	// Close releases resources held by the store
	Close() error
}

// prepareNew fills in the bookkeeping fields of a job about to be stored
func prepareNew(job *model.Job, now time.Time) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.LastResult == "" {
		job.LastResult = model.JobResultNeverRun
	}
	if job.MaxInstances <= 0 {
		job.MaxInstances = 1
	}
	job.Version = newVersion(now)
}

var lastVersion atomic.Int64

// newVersion returns the initial version of a stored job. Versions start
// from the clock and never repeat within a process, so a claim read before
// a job was removed and re-added under the same ID cannot match.
func newVersion(now time.Time) int64 {
	v := now.UnixNano()
	for {
		last := lastVersion.Load()
		if v <= last {
			v = last + 1
		}
		if lastVersion.CompareAndSwap(last, v) {
			return v
		}
	}
}
