package storage

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

	"github.com/t77yq/jobscheduler/internal/model"
)

var suiteT0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestJob(id string, next *time.Time) *model.Job {
	return &model.Job{
		ID:   id,
		Name: "job " + id,
		Action: model.Action{
			Handler: "log",
			Args:    json.RawMessage(`{"message":"hello"}`),
		},
		Trigger: model.TriggerSpec{Kind: model.TriggerInterval, Every: 5 * time.Second},
		NextFire: next,
	}
}

func at(offset time.Duration) *time.Time {
	t := suiteT0.Add(offset)
	return &t
}

// runJobStoreSuite exercises behaviour every JobStore implementation shares
func runJobStoreSuite(t *testing.T, newStore func(t *testing.T) JobStore) {
	ctx := context.Background()

	t.Run("Add and Get", func(t *testing.T) {
		store := newStore(t)
		job := newTestJob("a", at(5*time.Second))
		require.NoError(t, store.Add(ctx, job))

		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "job a", got.Name)
		assert.Equal(t, "log", got.Action.Handler)
		assert.JSONEq(t, `{"message":"hello"}`, string(got.Action.Args))
		assert.Equal(t, model.TriggerInterval, got.Trigger.Kind)
		assert.Equal(t, 5*time.Second, got.Trigger.Every)
		assert.Equal(t, 1, got.MaxInstances)
		assert.Equal(t, model.JobResultNeverRun, got.LastResult)
		assert.Positive(t, got.Version)
		require.NotNil(t, got.NextFire)
		assert.True(t, got.NextFire.Equal(suiteT0.Add(5*time.Second)))
		assert.Nil(t, got.LastFire)
	})

	t.Run("duplicate id is rejected", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Add(ctx, newTestJob("a", at(0))))

		err := store.Add(ctx, newTestJob("a", at(time.Second)))
		assert.True(t, errors.Is(err, ErrDuplicateID))
	})

	t.Run("missing job", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Get(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.True(t, errors.Is(store.Remove(ctx, "missing"), ErrNotFound))
		assert.True(t, errors.Is(store.RecordResult(ctx, "missing", model.JobResultFailed), ErrNotFound))
		assert.True(t, errors.Is(store.SetPaused(ctx, "missing", true), ErrNotFound))
		assert.True(t, errors.Is(store.Reschedule(ctx, "missing", model.TriggerSpec{}, suiteT0), ErrNotFound))
		assert.True(t, errors.Is(store.Advance(ctx, "missing", 1, suiteT0, nil), ErrNotFound))
		assert.True(t, errors.Is(store.RemoveExhausted(ctx, "missing", 1), ErrNotFound))
	})

	t.Run("Remove", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Add(ctx, newTestJob("a", at(0))))
		require.NoError(t, store.Remove(ctx, "a"))

		_, err := store.Get(ctx, "a")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("List is ordered by id", func(t *testing.T) {
		store := newStore(t)
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, store.Add(ctx, newTestJob(id, at(0))))
		}

		jobs, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, "a", jobs[0].ID)
		assert.Equal(t, "b", jobs[1].ID)
		assert.Equal(t, "c", jobs[2].ID)
	})

	t.Run("Due orders by next fire then id", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Add(ctx, newTestJob("a", at(2*time.Second))))
		require.NoError(t, store.Add(ctx, newTestJob("c", at(time.Second))))
		require.NoError(t, store.Add(ctx, newTestJob("b", at(time.Second))))
		require.NoError(t, store.Add(ctx, newTestJob("future", at(time.Hour))))
		require.NoError(t, store.Add(ctx, newTestJob("exhausted", nil)))

		paused := newTestJob("paused", at(0))
		paused.Paused = true
		require.NoError(t, store.Add(ctx, paused))

		due, err := store.Due(ctx, suiteT0.Add(5*time.Second), 0)
		require.NoError(t, err)
		require.Len(t, due, 3)
		assert.Equal(t, "b", due[0].ID)
		assert.Equal(t, "c", due[1].ID)
		assert.Equal(t, "a", due[2].ID)

		due, err = store.Due(ctx, suiteT0.Add(5*time.Second), 2)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, "b", due[0].ID)
		assert.Equal(t, "c", due[1].ID)

		due, err = store.Due(ctx, suiteT0.Add(time.Second), 0)
		require.NoError(t, err)
		assert.Len(t, due, 2)
	})

	t.Run("Advance claims a firing once", func(t *testing.T) {
		store := newStore(t)
		job := newTestJob("a", at(5*time.Second))
		require.NoError(t, store.Add(ctx, job))

		fired := suiteT0.Add(5 * time.Second)
		require.NoError(t, store.Advance(ctx, "a", job.Version, fired, at(10*time.Second)))

		err := store.Advance(ctx, "a", job.Version, fired, at(10*time.Second))
		assert.True(t, errors.Is(err, ErrVersionConflict))

		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, job.Version+1, got.Version)
		require.NotNil(t, got.LastFire)
		assert.True(t, got.LastFire.Equal(fired))
		assert.True(t, got.NextFire.Equal(suiteT0.Add(10*time.Second)))

		due, err := store.Due(ctx, suiteT0.Add(7*time.Second), 0)
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("Advance with no next fire exhausts the job", func(t *testing.T) {
		store := newStore(t)
		job := newTestJob("once", at(0))
		require.NoError(t, store.Add(ctx, job))
		require.NoError(t, store.Advance(ctx, "once", job.Version, suiteT0, nil))

		got, err := store.Get(ctx, "once")
		require.NoError(t, err)
		assert.Nil(t, got.NextFire)

		due, err := store.Due(ctx, suiteT0.Add(time.Hour), 0)
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("RemoveExhausted only removes the claimed version", func(t *testing.T) {
		store := newStore(t)
		job := newTestJob("once", at(0))
		require.NoError(t, store.Add(ctx, job))

		err := store.RemoveExhausted(ctx, "once", job.Version)
		assert.True(t, errors.Is(err, ErrVersionConflict), "job with a next fire is kept")

		require.NoError(t, store.Advance(ctx, "once", job.Version, suiteT0, nil))
		require.NoError(t, store.Reschedule(ctx, "once", job.Trigger, suiteT0.Add(time.Minute)))
		err = store.RemoveExhausted(ctx, "once", job.Version+1)
		assert.True(t, errors.Is(err, ErrVersionConflict), "rescheduled job is kept")

		got, err := store.Get(ctx, "once")
		require.NoError(t, err)
		require.NoError(t, store.Advance(ctx, "once", got.Version, suiteT0.Add(time.Minute), nil))
		require.NoError(t, store.RemoveExhausted(ctx, "once", got.Version+1))

		_, err = store.Get(ctx, "once")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("re-added job starts from a fresh version", func(t *testing.T) {
		store := newStore(t)
		first := newTestJob("a", at(0))
		require.NoError(t, store.Add(ctx, first))
		require.NoError(t, store.Remove(ctx, "a"))

		second := newTestJob("a", at(0))
		require.NoError(t, store.Add(ctx, second))
		assert.NotEqual(t, first.Version, second.Version)

		err := store.Advance(ctx, "a", first.Version, suiteT0, at(5*time.Second))
		assert.True(t, errors.Is(err, ErrVersionConflict))
	})

	t.Run("concurrent claims dispatch once", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Add(ctx, newTestJob("a", at(0))))

		var wg sync.WaitGroup
		var claimed, conflicts int32
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				due, err := store.Due(ctx, suiteT0, 0)
				if err != nil || len(due) == 0 {
					return
				}
				err = store.Advance(ctx, "a", due[0].Version, suiteT0, at(5*time.Second))
				switch {
				case err == nil:
					atomic.AddInt32(&claimed, 1)
				case errors.Is(err, ErrVersionConflict):
					atomic.AddInt32(&conflicts, 1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&claimed))
	})

	t.Run("RecordResult keeps version", func(t *testing.T) {
		store := newStore(t)
		job := newTestJob("a", at(0))
		require.NoError(t, store.Add(ctx, job))
		require.NoError(t, store.RecordResult(ctx, "a", model.JobResultFailed))

		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.JobResultFailed, got.LastResult)
		assert.Equal(t, job.Version, got.Version)
	})

	t.Run("SetPaused invalidates stale claims", func(t *testing.T) {
		store := newStore(t)
		job := newTestJob("a", at(0))
		require.NoError(t, store.Add(ctx, job))
		require.NoError(t, store.SetPaused(ctx, "a", true))

		due, err := store.Due(ctx, suiteT0, 0)
		require.NoError(t, err)
		assert.Empty(t, due)

		err = store.Advance(ctx, "a", job.Version, suiteT0, at(5*time.Second))
		assert.True(t, errors.Is(err, ErrVersionConflict))

		require.NoError(t, store.SetPaused(ctx, "a", false))
		due, err = store.Due(ctx, suiteT0, 0)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, job.Version+2, due[0].Version)
	})

	t.Run("Reschedule", func(t *testing.T) {
		store := newStore(t)
		job := newTestJob("a", at(0))
		require.NoError(t, store.Add(ctx, job))

		spec := model.TriggerSpec{Kind: model.TriggerCron, Expression: "*/5 * * * *"}
		require.NoError(t, store.Reschedule(ctx, "a", spec, suiteT0.Add(5*time.Minute)))

		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.TriggerCron, got.Trigger.Kind)
		assert.Equal(t, "*/5 * * * *", got.Trigger.Expression)
		assert.True(t, got.NextFire.Equal(suiteT0.Add(5*time.Minute)))
		assert.Equal(t, job.Version+1, got.Version)
	})
}
