package events

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/jobscheduler/internal/model"
	"github.com/t77yq/jobscheduler/internal/testutil"
)

func TestNATSPublisher(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	logger := zaptest.NewLogger(t)

	config := NATSPublisherConfig{Stream: "TEST_EVENTS", SubjectPrefix: "scheduler"}
	p, err := NewNATSPublisher(js, config, logger)
	require.NoError(t, err)
	require.NoError(t, testutil.WaitForStream(t, js, "TEST_EVENTS", 5*time.Second))

	info, err := js.StreamInfo("TEST_EVENTS")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"scheduler.job_succeeded", "scheduler.job_failed"}, info.Config.Subjects)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 8)
	err = SubscribeEvents(ctx, js, "TEST_EVENTS", logger, func(name string, ev model.ExecutionEvent) {
		received <- name + ":" + ev.JobID
	})
	require.NoError(t, err)

	p.Start()
	p.Emit(model.EventJobSucceeded, succeeded("a"))
	p.Emit(model.EventJobFailed, failed("b"))
	// same event ID again is deduplicated by the stream
	p.Emit(model.EventJobFailed, failed("b"))
	p.Close()

	assert.Equal(t, "job_succeeded:a", receive(t, received))
	assert.Equal(t, "job_failed:b", receive(t, received))

	info, err = js.StreamInfo("TEST_EVENTS")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)

	// emitting after close is a no-op
	p.Emit(model.EventJobSucceeded, succeeded("late"))
	assert.Equal(t, uint64(0), p.Dropped())
}

func TestNATSPublisherUpdatesExistingStream(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	logger := zaptest.NewLogger(t)

	config := NATSPublisherConfig{Stream: "TEST_EVENTS", SubjectPrefix: "scheduler", MaxAge: time.Hour}
	_, err := NewNATSPublisher(js, config, logger)
	require.NoError(t, err)

	config.MaxAge = 2 * time.Hour
	_, err = NewNATSPublisher(js, config, logger)
	require.NoError(t, err)

	info, err := js.StreamInfo("TEST_EVENTS")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, info.Config.MaxAge)
}

func TestNATSPublisherBreakerOpens(t *testing.T) {
	s, _, js := testutil.StartJetStream(t)

	config := NATSPublisherConfig{
		Stream:         "TEST_EVENTS",
		SubjectPrefix:  "scheduler",
		PublishTimeout: 50 * time.Millisecond,
		MaxFailures:    2,
		OpenTimeout:    time.Minute,
	}
	p, err := NewNATSPublisher(js, config, zaptest.NewLogger(t))
	require.NoError(t, err)

	s.Shutdown()

	p.Start()
	for _, id := range []string{"a", "b", "c", "d"} {
		p.Emit(model.EventJobFailed, failed(id))
	}
	p.Close()

	assert.Equal(t, gobreaker.StateOpen, p.breaker.State())
}
