package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/t77yq/jobscheduler/internal/model"
)

// MemoryJobStore implements JobStore in process memory. Jobs do not survive
// a restart; it backs tests and the "memory" store driver.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
	now  func() time.Time
}

// NewMemoryJobStore creates an empty in-memory job store
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]*model.Job),
		now:  time.Now,
	}
}

// Add implements JobStore.Add
func (s *MemoryJobStore) Add(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return errors.Wrapf(ErrDuplicateID, "job %s", job.ID)
	}
	prepareNew(job, s.now())
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Remove implements JobStore.Remove
func (s *MemoryJobStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	delete(s.jobs, id)
	return nil
}

// Get implements JobStore.Get
func (s *MemoryJobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return job.Clone(), nil
}

// List implements JobStore.List
func (s *MemoryJobStore) List(ctx context.Context) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*model.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

// Due implements JobStore.Due
func (s *MemoryJobStore) Due(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	s.mu.RLock()
	var due []*model.Job
	for _, job := range s.jobs {
		if job.IsDue(now) {
			due = append(due, job.Clone())
		}
	}
	s.mu.RUnlock()

	sortDue(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Advance implements JobStore.Advance
func (s *MemoryJobStore) Advance(ctx context.Context, id string, version int64, fired time.Time, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if job.Version != version {
		return errors.Wrapf(ErrVersionConflict, "job %s at version %d, claimed %d", id, job.Version, version)
	}

	if next != nil {
		t := *next
		job.NextFire = &t
	} else {
		job.NextFire = nil
	}
	job.LastFire = &fired
	job.Version++
	job.UpdatedAt = s.now()
	return nil
}

// RecordResult implements JobStore.RecordResult
func (s *MemoryJobStore) RecordResult(ctx context.Context, id string, result model.JobResult) error {
	return s.mutate(id, false, func(job *model.Job) {
		job.LastResult = result
	})
}

// SetPaused implements JobStore.SetPaused
func (s *MemoryJobStore) SetPaused(ctx context.Context, id string, paused bool) error {
	return s.mutate(id, true, func(job *model.Job) {
		job.Paused = paused
	})
}

// Reschedule implements JobStore.Reschedule
func (s *MemoryJobStore) Reschedule(ctx context.Context, id string, spec model.TriggerSpec, next time.Time) error {
	return s.mutate(id, true, func(job *model.Job) {
		job.Trigger = spec
		job.NextFire = &next
	})
}

// RemoveExhausted implements JobStore.RemoveExhausted
func (s *MemoryJobStore) RemoveExhausted(ctx context.Context, id string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if job.Version != version || job.NextFire != nil {
		return errors.Wrapf(ErrVersionConflict, "job %s at version %d, expected exhausted at %d", id, job.Version, version)
	}
	delete(s.jobs, id)
	return nil
}

// Close implements JobStore.Close
func (s *MemoryJobStore) Close() error {
	return nil
}

func (s *MemoryJobStore) mutate(id string, bump bool, fn func(job *model.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	fn(job)
	if bump {
		job.Version++
	}
	job.UpdatedAt = s.now()
	return nil
}

// sortDue orders jobs by next fire time, breaking ties by ID
func sortDue(jobs []*model.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i].NextFire, jobs[j].NextFire
		if !a.Equal(*b) {
			return a.Before(*b)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
