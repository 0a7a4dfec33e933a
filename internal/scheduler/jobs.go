package scheduler

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
	"github.com/t77yq/jobscheduler/internal/trigger"
)

// AddJob validates a job, computes its first fire time and stores it. A
// missing ID is generated. Jobs can be added whether or not the loop runs.
func (s *Scheduler) AddJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	job = job.Clone()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if strings.TrimSpace(job.Action.Handler) == "" {
		return nil, errors.Wrap(ErrInvalidJob, "action handler is required")
	}
	if job.Name == "" {
		job.Name = job.ID
	}
	if job.MaxInstances < 0 {
		return nil, errors.Wrap(ErrInvalidJob, "max instances must not be negative")
	}

	first, err := trigger.First(job.Trigger, s.now())
	if err != nil {
		return nil, err
	}
	job.NextFire = &first
	job.LastFire = nil
	job.LastResult = ""

	if err := s.store.Add(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("Added job",
		zap.String("job_id", job.ID),
		zap.String("name", job.Name),
		zap.String("handler", job.Action.Handler),
		zap.String("trigger", string(job.Trigger.Kind)),
		zap.Time("next_fire", first))

	s.Wake()
	return job, nil
}

// RemoveJob deletes a job. Runs already in flight finish and still emit
// their event.
func (s *Scheduler) RemoveJob(ctx context.Context, id string) error {
	if err := s.store.Remove(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Removed job", zap.String("job_id", id))
	return nil
}

// GetJob returns a job by ID
func (s *Scheduler) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return s.store.Get(ctx, id)
}

// ListJobs returns every job ordered by ID
func (s *Scheduler) ListJobs(ctx context.Context) ([]*model.Job, error) {
	return s.store.List(ctx)
}

// PauseJob stops a job from firing until it is resumed
func (s *Scheduler) PauseJob(ctx context.Context, id string) (*model.Job, error) {
	if err := s.store.SetPaused(ctx, id, true); err != nil {
		return nil, err
	}
	s.logger.Info("Paused job", zap.String("job_id", id))
	return s.store.Get(ctx, id)
}

// ResumeJob resumes a paused job. Its next fire time is recomputed from now
// so firings missed while paused are not replayed.
func (s *Scheduler) ResumeJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Paused {
		return job, nil
	}

	if job.NextFire != nil {
		next, err := trigger.First(job.Trigger, s.now())
		if err != nil {
			return nil, err
		}
		if err := s.store.Reschedule(ctx, id, job.Trigger, next); err != nil {
			return nil, err
		}
	}
	if err := s.store.SetPaused(ctx, id, false); err != nil {
		return nil, err
	}

	s.logger.Info("Resumed job", zap.String("job_id", id))
	s.Wake()
	return s.store.Get(ctx, id)
}

// RescheduleJob replaces the trigger of a job and recomputes its next fire
// time from now
func (s *Scheduler) RescheduleJob(ctx context.Context, id string, spec model.TriggerSpec) (*model.Job, error) {
	next, err := trigger.First(spec, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Reschedule(ctx, id, spec, next); err != nil {
		return nil, err
	}

	s.logger.Info("Rescheduled job",
		zap.String("job_id", id),
		zap.String("trigger", string(spec.Kind)),
		zap.Time("next_fire", next))

	s.Wake()
	return s.store.Get(ctx, id)
}
