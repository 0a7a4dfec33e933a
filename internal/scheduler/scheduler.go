// Package scheduler contains the scheduler core: the control loop that polls
// the job store, claims due firings, hands them to the executor and reports
// every finished run to the event dispatcher.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/events"
	"github.com/t77yq/jobscheduler/internal/executor"
	"github.com/t77yq/jobscheduler/internal/model"
	"github.com/t77yq/jobscheduler/internal/storage"
)

// Executor is the part of the worker pool the core drives. The job handed
// over is the claimed snapshot; a nil NextFire marks its trigger's last
// firing.
type Executor interface {
	Submit(job *model.Job, scheduledAt time.Time) error
	Hold(job *model.Job, scheduledAt time.Time) error
	HasCapacity() bool
	Completions() <-chan model.ExecutionEvent
	Running() []executor.RunInfo
	Wait(ctx context.Context) error
}

// Config defines configuration for the scheduler core
type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	Coalesce        bool
	ShutdownTimeout time.Duration
	ShutdownPolicy  ShutdownPolicy
	Backoff         ExponentialBackoff
}

// Stats are counters kept by the control loop
type Stats struct {
	State         State  `json:"state"`
	Polls         uint64 `json:"polls"`
	Dispatched    uint64 `json:"dispatched"`
	Skipped       uint64 `json:"skipped"`
	Conflicts     uint64 `json:"conflicts"`
	Completed     uint64 `json:"completed"`
	StoreFailures uint64 `json:"store_failures"`
}

// Option customizes a Scheduler
type Option func(*Scheduler)

// WithClock replaces the wall clock used to decide which jobs are due
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler is the scheduler core
type Scheduler struct {
	logger     *zap.Logger
	config     Config
	store      storage.JobStore
	exec       Executor
	dispatcher events.Dispatcher
	backoff    RetryStrategy
	now        func() time.Time

	mu       sync.Mutex
	state    State
	stopCh   chan struct{}
	loopDone chan struct{}
	wake     chan struct{}

	// owned by the control goroutine
	backlog  bool
	failures int
	retryAt  time.Time

	polls         atomic.Uint64
	dispatched    atomic.Uint64
	skipped       atomic.Uint64
	conflicts     atomic.Uint64
	completed     atomic.Uint64
	storeFailures atomic.Uint64
}

// New creates a scheduler. Nothing runs until Start.
func New(store storage.JobStore, exec Executor, dispatcher events.Dispatcher, config Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}
	if config.ShutdownPolicy == "" {
		config.ShutdownPolicy = ShutdownAbandon
	}
	if config.Backoff.InitialDelay <= 0 {
		config.Backoff.InitialDelay = defaultBackoffInitial
	}
	if config.Backoff.MaxDelay <= 0 {
		config.Backoff.MaxDelay = defaultBackoffMax
	}
	if config.Backoff.Multiplier < 1 {
		config.Backoff.Multiplier = defaultBackoffMultiplier
	}
	if dispatcher == nil {
		dispatcher = events.Nop{}
	}

	s := &Scheduler{
		logger:     logger.Named("scheduler"),
		config:     config,
		store:      store,
		exec:       exec,
		dispatcher: dispatcher,
		backoff:    &config.Backoff,
		now:        time.Now,
		state:      StateStopped,
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the lifecycle state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns the control loop counters
func (s *Scheduler) Stats() Stats {
	return Stats{
		State:         s.State(),
		Polls:         s.polls.Load(),
		Dispatched:    s.dispatched.Load(),
		Skipped:       s.skipped.Load(),
		Conflicts:     s.conflicts.Load(),
		Completed:     s.completed.Load(),
		StoreFailures: s.storeFailures.Load(),
	}
}

// Start begins the poll loop. It returns once the loop is running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped {
		return ErrAlreadyRunning
	}

	s.logger.Info("Starting scheduler",
		zap.Duration("poll_interval", s.config.PollInterval),
		zap.Int("batch_size", s.config.BatchSize),
		zap.Bool("coalesce", s.config.Coalesce))

	s.state = StateRunning
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.failures = 0
	s.retryAt = time.Time{}

	go s.run(ctx)
	return nil
}

// Stop stops polling and waits for in-flight runs. Runs still going after
// ShutdownTimeout are waited for until ctx ends under ShutdownWait, or left
// behind under ShutdownAbandon. Running bodies are never interrupted.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.state = StateShuttingDown
	close(s.stopCh)
	loopDone := s.loopDone
	s.mu.Unlock()

	s.logger.Info("Stopping scheduler")
	<-loopDone

	timeoutCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	err := s.drain(timeoutCtx)
	cancel()

	if err != nil && s.config.ShutdownPolicy == ShutdownWait && ctx.Err() == nil {
		s.logger.Warn("Shutdown timeout elapsed, still waiting for running jobs",
			zap.Int("running", len(s.exec.Running())))
		err = s.drain(ctx)
	}

	if err != nil {
		for _, r := range s.exec.Running() {
			s.logger.Warn("Abandoning running job",
				zap.String("job_id", r.JobID),
				zap.String("handler", r.Handler),
				zap.Time("started_at", r.StartedAt))
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.logger.Info("Scheduler stopped", zap.Bool("drained", err == nil))
	return nil
}

// Wake asks the loop to poll now instead of at the next tick
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	if err := s.sweepExhausted(ctx); err != nil {
		s.logger.Warn("Failed to sweep exhausted jobs", zap.Error(err))
	}
	s.poll(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Info("Context cancelled, poll loop exiting")
			return
		case <-ticker.C:
			s.poll(ctx)
		case <-s.wake:
			s.poll(ctx)
		case event := <-s.exec.Completions():
			s.handleCompletion(event)
			if s.backlog {
				s.backlog = false
				s.poll(ctx)
			}
		}
	}
}

// drain handles completions until every accepted run has finished or ctx
// ends
func (s *Scheduler) drain(ctx context.Context) error {
	waitDone := make(chan error, 1)
	go func() {
		waitDone <- s.exec.Wait(ctx)
	}()

	for {
		select {
		case event := <-s.exec.Completions():
			s.handleCompletion(event)
		case err := <-waitDone:
			// completions are sent before a run counts as finished
			for {
				select {
				case event := <-s.exec.Completions():
					s.handleCompletion(event)
				default:
					return err
				}
			}
		}
	}
}
