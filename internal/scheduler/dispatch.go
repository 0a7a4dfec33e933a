package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/executor"
	"github.com/t77yq/jobscheduler/internal/model"
	"github.com/t77yq/jobscheduler/internal/storage"
	"github.com/t77yq/jobscheduler/internal/trigger"
)

// poll runs one tick unless the loop is backing off after store failures
func (s *Scheduler) poll(ctx context.Context) {
	now := s.now()
	if now.Before(s.retryAt) {
		return
	}

	s.polls.Add(1)
	if err := s.tick(ctx, now); err != nil {
		s.storeFailures.Add(1)
		delay := s.backoff.NextRetry(s.failures)
		s.failures++
		s.retryAt = now.Add(delay)
		s.logger.Error("Poll failed, backing off",
			zap.Int("attempt", s.failures),
			zap.Duration("delay", delay),
			zap.Error(err))
		return
	}

	if s.failures > 0 {
		s.logger.Info("Job store recovered", zap.Int("failed_polls", s.failures))
		if err := s.sweepExhausted(ctx); err != nil {
			s.logger.Warn("Failed to sweep exhausted jobs", zap.Error(err))
		}
	}
	s.failures = 0
	s.retryAt = time.Time{}
}

// tick dispatches the jobs due at now in next-fire order
func (s *Scheduler) tick(ctx context.Context, now time.Time) error {
	due, err := s.store.Due(ctx, now, s.config.BatchSize)
	if err != nil {
		return errors.Wrap(err, "failed to load due jobs")
	}

	for _, job := range due {
		if job.Paused || job.NextFire == nil {
			continue
		}
		if !s.exec.HasCapacity() {
			// unclaimed jobs stay due; retry once a run completes
			s.backlog = true
			s.logger.Debug("Executor saturated, deferring due jobs", zap.String("job_id", job.ID))
			return nil
		}
		if err := s.dispatch(ctx, job, now); err != nil {
			return err
		}
	}

	if len(due) == s.config.BatchSize {
		s.Wake()
	}
	return nil
}

// dispatch claims and submits the due firings of one job. Without Coalesce
// every missed firing up to now runs; with it they collapse into one run at
// the latest missed time. Only store infrastructure errors are returned.
func (s *Scheduler) dispatch(ctx context.Context, job *model.Job, now time.Time) error {
	trig, err := trigger.New(job.Trigger)
	if err != nil {
		s.logger.Error("Job has an invalid trigger, pausing it",
			zap.String("job_id", job.ID),
			zap.Error(err))
		if err := s.store.SetPaused(ctx, job.ID, true); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	}

	version := job.Version
	fire := *job.NextFire
	backlog := false
	for {
		next, ok := trig.Next(fire, now)
		if s.config.Coalesce {
			for ok && !next.After(now) {
				fire = next
				next, ok = trig.Next(fire, now)
			}
		} else if ok && !next.After(now) {
			// missed firings of one job queue behind each other
			backlog = true
		}

		var nextFire *time.Time
		if ok {
			nextFire = &next
		}

		if err := s.store.Advance(ctx, job.ID, version, fire, nextFire); err != nil {
			switch {
			case errors.Is(err, storage.ErrVersionConflict):
				s.conflicts.Add(1)
				s.logger.Debug("Firing already claimed", zap.String("job_id", job.ID), zap.Time("fire", fire))
				return nil
			case errors.Is(err, storage.ErrNotFound):
				return nil
			default:
				return err
			}
		}
		version++

		fired := fire
		claimed := job.Clone()
		claimed.NextFire = nextFire
		claimed.LastFire = &fired
		claimed.Version = version

		kept, err := s.submit(ctx, claimed, fire, backlog)
		if err != nil || !kept {
			return err
		}

		if !ok {
			return s.removeExhausted(ctx, job.ID, version)
		}
		if next.After(now) {
			return nil
		}
		if !s.exec.HasCapacity() {
			s.backlog = true
			return nil
		}
		fire = next
	}
}

// submit hands a claimed firing to the executor. Firings of a backlog are
// held behind the job's running instance instead of being subject to the
// overlap policy. When the pool refuses a firing for lack of room the claim
// is rolled back so the firing stays due, and kept is false.
func (s *Scheduler) submit(ctx context.Context, job *model.Job, fire time.Time, backlog bool) (kept bool, err error) {
	if backlog {
		err = s.exec.Hold(job, fire)
	} else {
		err = s.exec.Submit(job, fire)
	}
	switch {
	case err == nil:
		s.dispatched.Add(1)
		s.logger.Debug("Dispatched job",
			zap.String("job_id", job.ID),
			zap.Time("scheduled_at", fire),
			zap.Bool("backlog", backlog))
		return true, nil
	case errors.Is(err, executor.ErrMaxInstancesReached):
		s.skipped.Add(1)
		return true, nil
	}

	s.logger.Warn("Executor refused job, releasing claim",
		zap.String("job_id", job.ID),
		zap.Time("scheduled_at", fire),
		zap.Error(err))
	s.backlog = true

	rerr := s.store.Advance(ctx, job.ID, job.Version, fire, &fire)
	if rerr != nil && !errors.Is(rerr, storage.ErrVersionConflict) && !errors.Is(rerr, storage.ErrNotFound) {
		return false, rerr
	}
	return false, nil
}

// removeExhausted deletes a job whose last firing was just claimed. A job
// changed since the claim, for example rescheduled, is kept.
func (s *Scheduler) removeExhausted(ctx context.Context, id string, version int64) error {
	err := s.store.RemoveExhausted(ctx, id, version)
	switch {
	case err == nil:
		s.logger.Info("Removed finished one-shot job", zap.String("job_id", id))
		return nil
	case errors.Is(err, storage.ErrVersionConflict), errors.Is(err, storage.ErrNotFound):
		s.logger.Debug("Exhausted job changed since its last firing, keeping it", zap.String("job_id", id))
		return nil
	}
	return errors.Wrapf(err, "failed to remove exhausted job %s", id)
}

// sweepExhausted removes jobs left without a next fire time, which happens
// when the process stopped between claiming a one-shot firing and removing
// the job
func (s *Scheduler) sweepExhausted(ctx context.Context) error {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}
	for _, job := range jobs {
		if job.NextFire != nil {
			continue
		}
		if err := s.removeExhausted(ctx, job.ID, job.Version); err != nil {
			return err
		}
	}
	return nil
}

// handleCompletion records the outcome and emits the execution event
func (s *Scheduler) handleCompletion(event model.ExecutionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	s.completed.Add(1)

	result := model.JobResultSucceeded
	if !event.Succeeded() {
		result = model.JobResultFailed
	}
	// exhausted jobs are already gone from the store
	if err := s.store.RecordResult(ctx, event.JobID, result); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("Failed to record job result",
			zap.String("job_id", event.JobID),
			zap.Error(err))
	}

	s.dispatcher.Emit(event.Name(), event)
}
