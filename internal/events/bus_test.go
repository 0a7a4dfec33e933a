package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/jobscheduler/internal/model"
)

// recorder is a Dispatcher that keeps every event it receives
type recorder struct {
	mu     sync.Mutex
	names  []string
	events []model.ExecutionEvent
}

func (r *recorder) Emit(name string, payload model.ExecutionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	r.events = append(r.events, payload)
}

func succeeded(jobID string) model.ExecutionEvent {
	return model.ExecutionEvent{ID: "ev-" + jobID, JobID: jobID, Outcome: model.OutcomeSucceeded}
}

func failed(jobID string) model.ExecutionEvent {
	return model.ExecutionEvent{ID: "ev-" + jobID, JobID: jobID, Outcome: model.OutcomeFailed, Error: "boom"}
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	d := Multi{a, nil, b}

	d.Emit(model.EventJobSucceeded, succeeded("x"))

	assert.Equal(t, []string{model.EventJobSucceeded}, a.names)
	assert.Equal(t, []string{model.EventJobSucceeded}, b.names)
	Nop{}.Emit(model.EventJobFailed, failed("x"))
}

func TestBusListen(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))

	all := make(chan string, 8)
	failures := make(chan string, 8)
	bus.Listen(func(name string, ev model.ExecutionEvent) { all <- name + ":" + ev.JobID })
	bus.Listen(func(name string, ev model.ExecutionEvent) { failures <- ev.JobID }, model.EventJobFailed)

	bus.Emit(model.EventJobSucceeded, succeeded("a"))
	bus.Emit(model.EventJobFailed, failed("b"))

	assert.Equal(t, "job_succeeded:a", receive(t, all))
	assert.Equal(t, "job_failed:b", receive(t, all))
	assert.Equal(t, "b", receive(t, failures))

	select {
	case id := <-failures:
		t.Fatalf("unexpected event for %s", id)
	case <-time.After(20 * time.Millisecond):
	}

	bus.Close()
}

func TestBusListenerPanicIsContained(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	defer bus.Close()

	seen := make(chan string, 4)
	bus.Listen(func(name string, ev model.ExecutionEvent) {
		if ev.JobID == "bad" {
			panic("listener bug")
		}
		seen <- ev.JobID
	})

	bus.Emit(model.EventJobFailed, failed("bad"))
	bus.Emit(model.EventJobSucceeded, succeeded("good"))

	assert.Equal(t, "good", receive(t, seen))
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	ch, unsubscribe := bus.Subscribe(1)

	bus.Emit(model.EventJobSucceeded, succeeded("a"))
	bus.Emit(model.EventJobSucceeded, succeeded("b"))
	bus.Emit(model.EventJobSucceeded, succeeded("c"))

	assert.Equal(t, uint64(2), bus.Dropped())
	env := <-ch
	assert.Equal(t, "a", env.Event.JobID)

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)

	// emitting with no subscribers is fine
	bus.Emit(model.EventJobSucceeded, succeeded("d"))
	bus.Close()
}

func TestBusCloseAfterUnsubscribe(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	_, unsubscribe := bus.Subscribe(1)

	bus.Close()
	require.NotPanics(t, unsubscribe)
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}
