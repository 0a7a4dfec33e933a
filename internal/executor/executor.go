// Package executor runs job actions on a bounded worker pool and reports
// every finished run as an execution event.
package executor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/t77yq/jobscheduler/internal/model"
)

// OverlapPolicy decides what happens to a firing when its job already has
// MaxInstances runs in flight
type OverlapPolicy string

const (
	// OverlapSkip drops the firing
	OverlapSkip OverlapPolicy = "skip"
	// OverlapQueue holds the firing until a running instance finishes
	OverlapQueue OverlapPolicy = "queue"
)

// Config defines configuration for the executor
type Config struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	OverlapPolicy  OverlapPolicy
}

// run is one accepted firing of a job
type run struct {
	id          string
	job         *model.Job
	scheduledAt time.Time
	startedAt   time.Time
}

// RunInfo describes a run currently executing
type RunInfo struct {
	JobID       string    `json:"job_id"`
	Handler     string    `json:"handler"`
	ScheduledAt time.Time `json:"scheduled_at"`
	StartedAt   time.Time `json:"started_at"`
}

// Executor manages action execution
type Executor struct {
	logger *zap.Logger
	config Config

	handlersMu sync.RWMutex
	handlers   map[string]ActionHandler

	mu        sync.Mutex
	closed    bool
	active    int
	instances map[string]int
	held      map[string][]*run
	heldCount int
	skipped   uint64
	completed uint64
	limiters  map[string]*rate.Limiter

	queue       chan *run
	quit        chan struct{}
	completions chan model.ExecutionEvent
	runningRuns sync.Map
	workers     sync.WaitGroup
	inflight    sync.WaitGroup

	resources *ResourceMonitor
	now       func() time.Time
}

// NewExecutor creates a new executor. resources may be nil, in which case
// Stats reports no host usage.
func NewExecutor(config Config, logger *zap.Logger, resources *ResourceMonitor) *Executor {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	if config.OverlapPolicy == "" {
		config.OverlapPolicy = OverlapSkip
	}

	capacity := config.Workers + config.QueueSize
	return &Executor{
		logger:      logger.Named("executor"),
		config:      config,
		handlers:    make(map[string]ActionHandler),
		instances:   make(map[string]int),
		held:        make(map[string][]*run),
		limiters:    make(map[string]*rate.Limiter),
		queue:       make(chan *run, capacity),
		quit:        make(chan struct{}),
		completions: make(chan model.ExecutionEvent, capacity),
		resources:   resources,
		now:         time.Now,
	}
}

// Start launches the worker pool
func (e *Executor) Start() {
	e.logger.Info("Starting executor",
		zap.Int("workers", e.config.Workers),
		zap.Int("queue_size", e.config.QueueSize),
		zap.String("overlap_policy", string(e.config.OverlapPolicy)))

	for i := 0; i < e.config.Workers; i++ {
		e.workers.Add(1)
		go e.worker()
	}
}

// Completions delivers one event per finished run
func (e *Executor) Completions() <-chan model.ExecutionEvent {
	return e.completions
}

// HasCapacity reports whether Submit can accept another run
func (e *Executor) HasCapacity() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed && e.active < cap(e.queue)
}

// Submit hands a firing of job to the pool without blocking. A firing of a
// job already at MaxInstances is skipped or held per the overlap policy.
func (e *Executor) Submit(job *model.Job, scheduledAt time.Time) error {
	return e.submit(job, scheduledAt, e.config.OverlapPolicy == OverlapQueue)
}

// Hold is Submit for firings that must not be skipped, such as the missed
// firings of a job catching up: one that finds the job at MaxInstances waits
// behind the running instance whatever the overlap policy.
func (e *Executor) Hold(job *model.Job, scheduledAt time.Time) error {
	return e.submit(job, scheduledAt, true)
}

func (e *Executor) submit(job *model.Job, scheduledAt time.Time, hold bool) error {
	r := &run{
		id:          uuid.New().String(),
		job:         job.Clone(),
		scheduledAt: scheduledAt,
	}

	maxInstances := job.MaxInstances
	if maxInstances <= 0 {
		maxInstances = 1
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}

	if e.instances[job.ID] >= maxInstances {
		if hold {
			if len(e.held[job.ID]) >= e.maxHeld() {
				e.mu.Unlock()
				return errors.Wrapf(ErrQueueFull, "job %s has %d held runs", job.ID, e.maxHeld())
			}
			e.held[job.ID] = append(e.held[job.ID], r)
			e.heldCount++
			e.inflight.Add(1)
			e.mu.Unlock()

			e.logger.Debug("Run held until an instance finishes",
				zap.String("job_id", job.ID),
				zap.Time("scheduled_at", scheduledAt))
			return nil
		}

		e.skipped++
		limiter := e.skipLimiter(job.ID)
		e.mu.Unlock()

		if limiter.Allow() {
			e.logger.Warn("Skipping run, max instances reached",
				zap.String("job_id", job.ID),
				zap.Int("max_instances", maxInstances),
				zap.Time("scheduled_at", scheduledAt))
		}
		return errors.Wrapf(ErrMaxInstancesReached, "job %s", job.ID)
	}

	if e.active >= cap(e.queue) {
		e.mu.Unlock()
		return ErrQueueFull
	}
	e.active++
	e.instances[job.ID]++
	e.inflight.Add(1)
	e.mu.Unlock()

	// never blocks: active never exceeds the queue capacity
	e.queue <- r
	return nil
}

// Running returns the runs currently executing
func (e *Executor) Running() []RunInfo {
	var runs []RunInfo
	e.runningRuns.Range(func(key, value interface{}) bool {
		if r, ok := value.(*run); ok {
			runs = append(runs, RunInfo{
				JobID:       r.job.ID,
				Handler:     r.job.Action.Handler,
				ScheduledAt: r.scheduledAt,
				StartedAt:   r.startedAt,
			})
		}
		return true
	})
	return runs
}

// Stats returns current executor statistics
func (e *Executor) Stats() *model.ExecutorStats {
	running := 0
	e.runningRuns.Range(func(key, value interface{}) bool {
		running++
		return true
	})

	e.mu.Lock()
	stats := &model.ExecutorStats{
		Workers:     e.config.Workers,
		Running:     running,
		Queued:      len(e.queue),
		Held:        e.heldCount,
		Skipped:     e.skipped,
		Completed:   e.completed,
		CollectedAt: e.now(),
	}
	e.mu.Unlock()

	if e.resources != nil {
		sample := e.resources.Sample()
		stats.CPUUsage = sample.CPUUsage
		stats.MemoryUsage = sample.MemoryUsage
	}
	return stats
}

// Wait blocks until every accepted run has finished or ctx ends
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting runs. Queued and held runs still execute; workers
// exit once the queue is drained.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.logger.Info("Stopping executor")
	close(e.quit)
}

func (e *Executor) worker() {
	defer e.workers.Done()

	for {
		select {
		case r := <-e.queue:
			e.process(r)
		case <-e.quit:
			for {
				select {
				case r := <-e.queue:
					e.process(r)
				default:
					return
				}
			}
		}
	}
}

// process executes r and any runs of the same job that were held behind it
func (e *Executor) process(r *run) {
	for r != nil {
		event := e.execute(r)
		next := e.finish(r)

		e.complete(event)
		e.inflight.Done()
		r = next
	}
}

// complete delivers event. Once the executor is closed nobody may be reading
// completions any more, so an event that does not fit is dropped.
func (e *Executor) complete(event model.ExecutionEvent) {
	select {
	case e.completions <- event:
		return
	case <-e.quit:
	}

	select {
	case e.completions <- event:
	default:
		e.logger.Warn("Dropping execution event after close",
			zap.String("job_id", event.JobID),
			zap.String("outcome", string(event.Outcome)),
			zap.Time("scheduled_at", event.ScheduledAt))
	}
}

// finish releases the slot held by r, handing it to the next held run of
// the same job if there is one
func (e *Executor) finish(r *run) *run {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.completed++
	if held := e.held[r.job.ID]; len(held) > 0 {
		next := held[0]
		if len(held) == 1 {
			delete(e.held, r.job.ID)
		} else {
			e.held[r.job.ID] = held[1:]
		}
		e.heldCount--
		return next
	}

	e.active--
	if e.instances[r.job.ID]--; e.instances[r.job.ID] <= 0 {
		delete(e.instances, r.job.ID)
	}
	return nil
}

// execute runs the job's action and builds the resulting event
func (e *Executor) execute(r *run) model.ExecutionEvent {
	r.startedAt = e.now()
	e.runningRuns.Store(r.id, r)
	defer e.runningRuns.Delete(r.id)

	event := model.ExecutionEvent{
		ID:          r.id,
		JobID:       r.job.ID,
		JobName:     r.job.Name,
		Handler:     r.job.Action.Handler,
		ScheduledAt: r.scheduledAt,
		StartedAt:   r.startedAt,
		Exhausted:   r.job.NextFire == nil,
	}

	result, err := e.invoke(r.job)
	event.FinishedAt = e.now()
	event.Duration = event.FinishedAt.Sub(event.StartedAt)

	if err != nil {
		event.Outcome = model.OutcomeFailed
		event.Error = err.Error()
		e.logger.Warn("Job run failed",
			zap.String("job_id", r.job.ID),
			zap.String("handler", r.job.Action.Handler),
			zap.Duration("duration", event.Duration),
			zap.Error(err))
		return event
	}

	event.Outcome = model.OutcomeSucceeded
	event.Result = result
	e.logger.Debug("Job run succeeded",
		zap.String("job_id", r.job.ID),
		zap.String("handler", r.job.Action.Handler),
		zap.Duration("duration", event.Duration))
	return event
}

// invoke resolves and calls the handler, converting panics into errors
func (e *Executor) invoke(job *model.Job) (result json.RawMessage, err error) {
	handler, ok := e.handler(job.Action.Handler)
	if !ok {
		return nil, errors.Wrapf(ErrActionResolution, "no handler registered for %q", job.Action.Handler)
	}

	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = errors.Mark(errors.Newf("action panicked: %v", p), ErrActionExecution)
		}
	}()

	ctx := context.Background()
	if e.config.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.DefaultTimeout)
		defer cancel()
	}

	result, err = handler.Execute(ctx, job)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "action failed"), ErrActionExecution)
	}
	return result, nil
}

func (e *Executor) maxHeld() int {
	if e.config.QueueSize > 0 {
		return e.config.QueueSize
	}
	return 1
}

// skipLimiter returns the per-job limiter that throttles skip warnings.
// Callers hold e.mu.
func (e *Executor) skipLimiter(jobID string) *rate.Limiter {
	limiter, ok := e.limiters[jobID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute), 1)
		e.limiters[jobID] = limiter
	}
	return limiter
}
