package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/jobscheduler/internal/executor"
	"github.com/t77yq/jobscheduler/internal/model"
	"github.com/t77yq/jobscheduler/internal/storage"
	"github.com/t77yq/jobscheduler/internal/trigger"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type submission struct {
	JobID       string
	ScheduledAt time.Time
	Held        bool
	Exhausted   bool
}

// fakeExecutor records submissions instead of running them
type fakeExecutor struct {
	mu          sync.Mutex
	submitted   []submission
	capacity    int
	err         error
	completions chan model.ExecutionEvent
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{capacity: -1, completions: make(chan model.ExecutionEvent, 16)}
}

func (f *fakeExecutor) Submit(job *model.Job, scheduledAt time.Time) error {
	return f.record(job, scheduledAt, false)
}

func (f *fakeExecutor) Hold(job *model.Job, scheduledAt time.Time) error {
	return f.record(job, scheduledAt, true)
}

func (f *fakeExecutor) record(job *model.Job, scheduledAt time.Time, held bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, submission{
		JobID:       job.ID,
		ScheduledAt: scheduledAt,
		Held:        held,
		Exhausted:   job.NextFire == nil,
	})
	return nil
}

func (f *fakeExecutor) HasCapacity() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capacity < 0 || len(f.submitted) < f.capacity
}

func (f *fakeExecutor) Completions() <-chan model.ExecutionEvent { return f.completions }
func (f *fakeExecutor) Running() []executor.RunInfo { return nil }
func (f *fakeExecutor) Wait(ctx context.Context) error { return nil }

func (f *fakeExecutor) Submitted() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submitted...)
}

// recorder is a Dispatcher that keeps every event
type recorder struct {
	mu     sync.Mutex
	events []model.ExecutionEvent
	names  []string
	signal chan struct{}
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan struct{}, 64)}
}

func (r *recorder) Emit(name string, payload model.ExecutionEvent) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.events = append(r.events, payload)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func (r *recorder) Events() []model.ExecutionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ExecutionEvent(nil), r.events...)
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.signal:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
}

type harness struct {
	clock *fakeClock
	store *storage.MemoryJobStore
	exec  *fakeExecutor
	rec   *recorder
	s     *Scheduler
}

func newHarness(t *testing.T, config Config) *harness {
	h := &harness{
		clock: &fakeClock{now: t0},
		store: storage.NewMemoryJobStore(),
		exec:  newFakeExecutor(),
		rec:   newRecorder(),
	}
	h.s = New(h.store, h.exec, h.rec, config, zaptest.NewLogger(t), WithClock(h.clock.Now))
	return h
}

func intervalJob(id string, every time.Duration) *model.Job {
	return &model.Job{
		ID:      id,
		Action:  model.Action{Handler: "log", Args: json.RawMessage(`{"message":"tick"}`)},
		Trigger: model.TriggerSpec{Kind: model.TriggerInterval, Every: every},
	}
}

func completion(jobID string, outcome model.ExecutionOutcome, scheduled time.Time) model.ExecutionEvent {
	ev := model.ExecutionEvent{
		ID:          "run-" + jobID + "-" + scheduled.Format("150405"),
		JobID:       jobID,
		Handler:     "log",
		Outcome:     outcome,
		ScheduledAt: scheduled,
		StartedAt:   scheduled,
		FinishedAt:  scheduled.Add(time.Millisecond),
	}
	if outcome == model.OutcomeFailed {
		ev.Error = "action failed: boom"
	}
	return ev
}

func TestIntervalJobCatchesUpMissedFirings(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	job, err := h.s.AddJob(ctx, intervalJob("j1", 5*time.Second))
	require.NoError(t, err)
	require.NotNil(t, job.NextFire)
	assert.True(t, job.NextFire.Equal(t0.Add(5*time.Second)))

	h.clock.Set(t0.Add(12 * time.Second))
	h.s.poll(ctx)

	submitted := h.exec.Submitted()
	require.Len(t, submitted, 2)
	assert.True(t, submitted[0].ScheduledAt.Equal(t0.Add(5*time.Second)))
	assert.True(t, submitted[1].ScheduledAt.Equal(t0.Add(10*time.Second)))
	assert.True(t, submitted[0].Held, "missed firings queue behind each other")
	assert.True(t, submitted[1].Held)

	stored, err := h.store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, stored.NextFire.Equal(t0.Add(15*time.Second)))
	assert.True(t, stored.LastFire.Equal(t0.Add(10*time.Second)))

	// nothing more is due until 15s
	h.s.poll(ctx)
	assert.Len(t, h.exec.Submitted(), 2)
}

func TestIntervalJobFiresOnGrid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	_, err := h.s.AddJob(ctx, intervalJob("grid", 5*time.Second))
	require.NoError(t, err)

	for _, at := range []time.Duration{3, 5, 7, 10, 14, 15} {
		h.clock.Set(t0.Add(at * time.Second))
		h.s.poll(ctx)
	}

	submitted := h.exec.Submitted()
	require.Len(t, submitted, 3)
	for i, want := range []time.Duration{5, 10, 15} {
		assert.True(t, submitted[i].ScheduledAt.Equal(t0.Add(want*time.Second)), "firing %d", i)
		assert.False(t, submitted[i].Held, "on-time firing %d follows the overlap policy", i)
	}
}

func TestCoalesceCollapsesMissedFirings(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Coalesce: true})

	_, err := h.s.AddJob(ctx, intervalJob("j1", 5*time.Second))
	require.NoError(t, err)

	h.clock.Set(t0.Add(27 * time.Second))
	h.s.poll(ctx)

	submitted := h.exec.Submitted()
	require.Len(t, submitted, 1)
	assert.True(t, submitted[0].ScheduledAt.Equal(t0.Add(25*time.Second)))
	assert.False(t, submitted[0].Held)

	stored, err := h.store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, stored.NextFire.Equal(t0.Add(30*time.Second)))
}

func TestDateJobFiresOnceAndIsRemoved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	report := &model.Job{
		ID:      "report",
		Action:  model.Action{Handler: "log"},
		Trigger: model.TriggerSpec{Kind: model.TriggerDate, At: t0.Add(30 * time.Second)},
	}
	_, err := h.s.AddJob(ctx, report)
	require.NoError(t, err)

	_, err = h.s.AddJob(ctx, report)
	assert.True(t, errors.Is(err, storage.ErrDuplicateID))

	h.clock.Set(t0.Add(10 * time.Second))
	h.s.poll(ctx)
	assert.Empty(t, h.exec.Submitted())

	h.clock.Set(t0.Add(31 * time.Second))
	h.s.poll(ctx)
	h.s.poll(ctx)
	submitted := h.exec.Submitted()
	require.Len(t, submitted, 1)
	assert.True(t, submitted[0].ScheduledAt.Equal(t0.Add(30*time.Second)))
	assert.True(t, submitted[0].Exhausted)

	// removed as soon as the last firing is handed over
	_, err = h.store.Get(ctx, "report")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	h.s.handleCompletion(completion("report", model.OutcomeSucceeded, t0.Add(30*time.Second)))
	assert.Equal(t, []string{model.EventJobSucceeded}, h.rec.Names())

	h.clock.Set(t0.Add(time.Hour))
	h.s.poll(ctx)
	assert.Len(t, h.exec.Submitted(), 1)
}

func TestFailingJobKeepsFiring(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	_, err := h.s.AddJob(ctx, intervalJob("flaky", 5*time.Second))
	require.NoError(t, err)
	_, err = h.s.AddJob(ctx, intervalJob("steady", 5*time.Second))
	require.NoError(t, err)

	h.clock.Set(t0.Add(5 * time.Second))
	h.s.poll(ctx)
	require.Len(t, h.exec.Submitted(), 2)

	h.s.handleCompletion(completion("flaky", model.OutcomeFailed, t0.Add(5*time.Second)))
	h.s.handleCompletion(completion("steady", model.OutcomeSucceeded, t0.Add(5*time.Second)))

	assert.Equal(t, []string{model.EventJobFailed, model.EventJobSucceeded}, h.rec.Names())

	flaky, err := h.store.Get(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, model.JobResultFailed, flaky.LastResult)
	assert.True(t, flaky.NextFire.Equal(t0.Add(10*time.Second)))

	h.clock.Set(t0.Add(10 * time.Second))
	h.s.poll(ctx)
	assert.Len(t, h.exec.Submitted(), 4)
}

func TestDueJobsDispatchInNextFireOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	_, err := h.s.AddJob(ctx, intervalJob("slow", 9*time.Second))
	require.NoError(t, err)
	_, err = h.s.AddJob(ctx, intervalJob("fast", 3*time.Second))
	require.NoError(t, err)
	_, err = h.s.AddJob(ctx, intervalJob("medium", 6*time.Second))
	require.NoError(t, err)

	h.clock.Set(t0.Add(9 * time.Second))
	h.s.poll(ctx)

	var order []string
	for _, sub := range h.exec.Submitted() {
		order = append(order, sub.JobID+"@"+sub.ScheduledAt.Sub(t0).String())
	}
	// each job catches up its own missed firings before the next job
	assert.Equal(t, []string{"fast@3s", "fast@6s", "fast@9s", "medium@6s", "slow@9s"}, order)
}

func TestConcurrentPollsDispatchOnce(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	store := storage.NewMemoryJobStore()
	logger := zap.NewNop()

	var schedulers []*Scheduler
	var execs []*fakeExecutor
	for i := 0; i < 4; i++ {
		fx := newFakeExecutor()
		execs = append(execs, fx)
		schedulers = append(schedulers, New(store, fx, newRecorder(), Config{}, logger, WithClock(clock.Now)))
	}

	for _, id := range []string{"a", "b", "c"} {
		_, err := schedulers[0].AddJob(ctx, intervalJob(id, 5*time.Second))
		require.NoError(t, err)
	}
	clock.Set(t0.Add(5 * time.Second))

	var wg sync.WaitGroup
	for _, s := range schedulers {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			s.poll(ctx)
		}(s)
	}
	wg.Wait()

	counts := map[string]int{}
	for _, fx := range execs {
		for _, sub := range fx.Submitted() {
			counts[sub.JobID]++
		}
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, counts)
}

func TestSaturatedExecutorLeavesJobsDue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.exec.capacity = 1

	_, err := h.s.AddJob(ctx, intervalJob("a", 5*time.Second))
	require.NoError(t, err)
	_, err = h.s.AddJob(ctx, intervalJob("b", 5*time.Second))
	require.NoError(t, err)

	h.clock.Set(t0.Add(5 * time.Second))
	h.s.poll(ctx)

	require.Len(t, h.exec.Submitted(), 1)
	assert.True(t, h.s.backlog)

	b, err := h.store.Get(ctx, "b")
	require.NoError(t, err)
	assert.True(t, b.NextFire.Equal(t0.Add(5*time.Second)), "unclaimed job must stay due")
	assert.Nil(t, b.LastFire)
}

func TestRefusedSubmissionReleasesClaim(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.exec.err = executor.ErrQueueFull

	_, err := h.s.AddJob(ctx, intervalJob("a", 5*time.Second))
	require.NoError(t, err)

	h.clock.Set(t0.Add(5 * time.Second))
	h.s.poll(ctx)

	a, err := h.store.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, a.NextFire.Equal(t0.Add(5*time.Second)))

	h.exec.mu.Lock()
	h.exec.err = nil
	h.exec.mu.Unlock()
	h.s.poll(ctx)
	require.Len(t, h.exec.Submitted(), 1)
}

func TestSkippedFiringAdvancesJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.exec.err = errors.Wrap(executor.ErrMaxInstancesReached, "job a")

	_, err := h.s.AddJob(ctx, intervalJob("a", 5*time.Second))
	require.NoError(t, err)

	h.clock.Set(t0.Add(5 * time.Second))
	h.s.poll(ctx)

	a, err := h.store.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, a.NextFire.Equal(t0.Add(10*time.Second)))
	assert.Equal(t, uint64(1), h.s.Stats().Skipped)
}

// flakyStore fails Due while failing is set
type flakyStore struct {
	storage.JobStore
	failing atomic.Bool
	calls   atomic.Int32
}

func (f *flakyStore) Due(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	f.calls.Add(1)
	if f.failing.Load() {
		return nil, errors.Mark(errors.New("connection refused"), storage.ErrStoreUnavailable)
	}
	return f.JobStore.Due(ctx, now, limit)
}

func TestStoreFailuresBackOff(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	store := &flakyStore{JobStore: storage.NewMemoryJobStore()}
	fx := newFakeExecutor()
	s := New(store, fx, nil, Config{
		Backoff: ExponentialBackoff{InitialDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2},
	}, zaptest.NewLogger(t), WithClock(clock.Now))

	_, err := s.AddJob(ctx, intervalJob("a", time.Second))
	require.NoError(t, err)
	store.failing.Store(true)

	s.poll(ctx)
	assert.Equal(t, int32(1), store.calls.Load())

	// still backing off
	clock.Set(t0.Add(500 * time.Millisecond))
	s.poll(ctx)
	assert.Equal(t, int32(1), store.calls.Load())

	clock.Set(t0.Add(time.Second))
	s.poll(ctx)
	assert.Equal(t, int32(2), store.calls.Load())
	assert.Equal(t, t0.Add(3*time.Second), s.retryAt)

	store.failing.Store(false)
	clock.Set(t0.Add(3 * time.Second))
	s.poll(ctx)
	assert.Equal(t, 0, s.failures)
	// the outage delayed firings at 1s, 2s and 3s; all of them run now
	assert.Len(t, fx.Submitted(), 3)
	assert.Equal(t, uint64(2), s.Stats().StoreFailures)
}

func TestCorruptTriggerPausesJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	next := t0
	bad := intervalJob("bad", 0)
	bad.NextFire = &next
	require.NoError(t, h.store.Add(ctx, bad))

	h.s.poll(ctx)

	assert.Empty(t, h.exec.Submitted())
	stored, err := h.store.Get(ctx, "bad")
	require.NoError(t, err)
	assert.True(t, stored.Paused)
}

func TestAddJobValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	_, err := h.s.AddJob(ctx, &model.Job{ID: "x", Trigger: model.TriggerSpec{Kind: model.TriggerInterval, Every: time.Second}})
	assert.True(t, errors.Is(err, ErrInvalidJob))

	_, err = h.s.AddJob(ctx, &model.Job{
		ID:      "feb31",
		Action:  model.Action{Handler: "log"},
		Trigger: model.TriggerSpec{Kind: model.TriggerCron, Expression: "0 0 31 2 *"},
	})
	assert.True(t, errors.Is(err, trigger.ErrInvalidSpec))

	job, err := h.s.AddJob(ctx, &model.Job{
		Action:  model.Action{Handler: "log"},
		Trigger: model.TriggerSpec{Kind: model.TriggerCron, Expression: "*/15 * * * *"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, job.ID, job.Name)
	assert.Equal(t, 1, job.MaxInstances)
	assert.True(t, job.NextFire.Equal(t0.Add(15*time.Minute)))

	assert.True(t, errors.Is(h.s.RemoveJob(ctx, "missing"), storage.ErrNotFound))
	require.NoError(t, h.s.RemoveJob(ctx, job.ID))

	jobs, err := h.s.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPauseResumeReschedule(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	_, err := h.s.AddJob(ctx, intervalJob("a", 5*time.Second))
	require.NoError(t, err)

	paused, err := h.s.PauseJob(ctx, "a")
	require.NoError(t, err)
	assert.True(t, paused.Paused)

	h.clock.Set(t0.Add(20 * time.Second))
	h.s.poll(ctx)
	assert.Empty(t, h.exec.Submitted())

	resumed, err := h.s.ResumeJob(ctx, "a")
	require.NoError(t, err)
	assert.False(t, resumed.Paused)
	assert.True(t, resumed.NextFire.Equal(t0.Add(25*time.Second)), "missed firings are not replayed")

	rescheduled, err := h.s.RescheduleJob(ctx, "a", model.TriggerSpec{Kind: model.TriggerInterval, Every: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, rescheduled.Trigger.Every)
	assert.True(t, rescheduled.NextFire.Equal(t0.Add(80*time.Second)))

	_, err = h.s.RescheduleJob(ctx, "a", model.TriggerSpec{Kind: "weekly"})
	assert.True(t, errors.Is(err, trigger.ErrInvalidSpec))

	_, err = h.s.PauseJob(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	_, err = h.s.ResumeJob(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestExponentialBackoff(t *testing.T) {
	b := &ExponentialBackoff{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, b.NextRetry(0))
	assert.Equal(t, 2*time.Second, b.NextRetry(1))
	assert.Equal(t, 8*time.Second, b.NextRetry(3))
	assert.Equal(t, 10*time.Second, b.NextRetry(4))
	assert.Equal(t, 10*time.Second, b.NextRetry(1000))
}

func TestReaddedOneShotIsKept(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	_, err := h.s.AddJob(ctx, &model.Job{
		ID:      "report",
		Action:  model.Action{Handler: "log"},
		Trigger: model.TriggerSpec{Kind: model.TriggerDate, At: t0.Add(5 * time.Second)},
	})
	require.NoError(t, err)

	h.clock.Set(t0.Add(5 * time.Second))
	h.s.poll(ctx)
	require.Len(t, h.exec.Submitted(), 1)

	// a job re-added while its last run is still in flight is not touched
	// by that run's completion
	_, err = h.s.AddJob(ctx, &model.Job{
		ID:      "report",
		Action:  model.Action{Handler: "log"},
		Trigger: model.TriggerSpec{Kind: model.TriggerDate, At: t0.Add(time.Minute)},
	})
	require.NoError(t, err)

	h.s.handleCompletion(completion("report", model.OutcomeSucceeded, t0.Add(5*time.Second)))

	job, err := h.store.Get(ctx, "report")
	require.NoError(t, err)
	assert.True(t, job.NextFire.Equal(t0.Add(time.Minute)))
}

func TestSkippedLastFiringRemovesJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	_, err := h.s.AddJob(ctx, &model.Job{
		ID:      "report",
		Action:  model.Action{Handler: "log"},
		Trigger: model.TriggerSpec{Kind: model.TriggerDate, At: t0.Add(5 * time.Second)},
	})
	require.NoError(t, err)

	h.exec.err = errors.Wrap(executor.ErrMaxInstancesReached, "job report")
	h.clock.Set(t0.Add(5 * time.Second))
	h.s.poll(ctx)

	_, err = h.store.Get(ctx, "report")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestRefusedLastFiringKeepsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	_, err := h.s.AddJob(ctx, &model.Job{
		ID:      "report",
		Action:  model.Action{Handler: "log"},
		Trigger: model.TriggerSpec{Kind: model.TriggerDate, At: t0.Add(5 * time.Second)},
	})
	require.NoError(t, err)

	h.exec.err = executor.ErrQueueFull
	h.clock.Set(t0.Add(5 * time.Second))
	h.s.poll(ctx)

	job, err := h.store.Get(ctx, "report")
	require.NoError(t, err)
	require.NotNil(t, job.NextFire)
	assert.True(t, job.NextFire.Equal(t0.Add(5*time.Second)))
}

func TestStartSweepsExhaustedJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{PollInterval: time.Hour})

	_, err := h.s.AddJob(ctx, &model.Job{
		ID:      "leftover",
		Action:  model.Action{Handler: "log"},
		Trigger: model.TriggerSpec{Kind: model.TriggerDate, At: t0.Add(5 * time.Second)},
	})
	require.NoError(t, err)
	_, err = h.s.AddJob(ctx, intervalJob("live", time.Minute))
	require.NoError(t, err)

	// claimed by a process that stopped before removing it
	leftover, err := h.store.Get(ctx, "leftover")
	require.NoError(t, err)
	require.NoError(t, h.store.Advance(ctx, "leftover", leftover.Version, t0.Add(5*time.Second), nil))

	require.NoError(t, h.s.Start(ctx))
	require.Eventually(t, func() bool {
		_, err := h.store.Get(ctx, "leftover")
		return errors.Is(err, storage.ErrNotFound)
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.s.Stop(ctx))

	_, err = h.store.Get(ctx, "live")
	assert.NoError(t, err)
}
