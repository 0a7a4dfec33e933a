package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
)

// NATSPublisherConfig defines how events are published to JetStream
type NATSPublisherConfig struct {
	Stream         string
	SubjectPrefix  string
	QueueSize      int
	PublishTimeout time.Duration
	MaxAge         time.Duration

	// Breaker trips after MaxFailures consecutive publish failures and stays
	// open for OpenTimeout
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Subject returns the subject an event name is published on
func (c NATSPublisherConfig) Subject(name string) string {
	return c.SubjectPrefix + "." + name
}

// NATSPublisher publishes execution events to a JetStream stream. Emit only
// enqueues; a background goroutine publishes through a circuit breaker so an
// unreachable server never stalls the scheduler.
type NATSPublisher struct {
	logger  *zap.Logger
	js      nats.JetStreamContext
	config  NATSPublisherConfig
	breaker *gobreaker.CircuitBreaker
	queue   chan Envelope
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

// NewNATSPublisher creates a publisher and ensures its stream exists
func NewNATSPublisher(js nats.JetStreamContext, config NATSPublisherConfig, logger *zap.Logger) (*NATSPublisher, error) {
	if config.Stream == "" {
		config.Stream = "SCHEDULER_EVENTS"
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = "scheduler"
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 24 * time.Hour
	}
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}

	p := &NATSPublisher{
		logger: logger.Named("nats-publisher"),
		js:     js,
		config: config,
		queue:  make(chan Envelope, config.QueueSize),
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "nats-events",
		Timeout: config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("Event publishing circuit changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	if err := p.setup(); err != nil {
		return nil, err
	}
	return p, nil
}

// setup creates or updates the events stream
func (p *NATSPublisher) setup() error {
	subjects := []string{
		p.config.Subject(model.EventJobSucceeded),
		p.config.Subject(model.EventJobFailed),
	}

	streamInfo, err := p.js.StreamInfo(p.config.Stream)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return errors.Wrap(err, "failed to get stream info")
	}

	if streamInfo == nil {
		_, err = p.js.AddStream(&nats.StreamConfig{
			Name:       p.config.Stream,
			Subjects:   subjects,
			Retention:  nats.LimitsPolicy,
			MaxAge:     p.config.MaxAge,
			MaxMsgs:    -1,
			MaxBytes:   -1,
			Discard:    nats.DiscardOld,
			MaxMsgSize: 1 * 1024 * 1024,
			Storage:    nats.FileStorage,
			Replicas:   1,
			Duplicates: time.Hour,
		})
		if err != nil {
			return errors.Wrapf(err, "failed to create stream %s", p.config.Stream)
		}
		p.logger.Info("Created stream", zap.String("name", p.config.Stream))
		return nil
	}

	config := streamInfo.Config
	config.Subjects = subjects
	config.MaxAge = p.config.MaxAge
	if _, err = p.js.UpdateStream(&config); err != nil {
		return errors.Wrapf(err, "failed to update stream %s", p.config.Stream)
	}
	p.logger.Info("Updated stream", zap.String("name", p.config.Stream))
	return nil
}

// Start launches the publishing goroutine
func (p *NATSPublisher) Start() {
	p.wg.Add(1)
	go p.run()
}

// Emit implements Dispatcher
func (p *NATSPublisher) Emit(name string, payload model.ExecutionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	select {
	case p.queue <- Envelope{Name: name, Event: payload}:
	default:
		p.dropped++
		p.logger.Warn("Event queue full, dropping event",
			zap.String("event", name),
			zap.String("job_id", payload.JobID))
	}
}

// Dropped returns how many events were dropped because the queue was full
func (p *NATSPublisher) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close stops accepting events and publishes what is queued
func (p *NATSPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *NATSPublisher) run() {
	defer p.wg.Done()

	for env := range p.queue {
		if err := p.publish(env); err != nil {
			p.logger.Error("Failed to publish event",
				zap.String("event", env.Name),
				zap.String("job_id", env.Event.JobID),
				zap.String("event_id", env.Event.ID),
				zap.Error(err))
		}
	}
}

// publish sends one event. The event ID doubles as the JetStream message ID
// so redelivered publishes are deduplicated by the stream.
func (p *NATSPublisher) publish(env Envelope) error {
	data, err := json.Marshal(env.Event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
		defer cancel()
		return p.js.Publish(p.config.Subject(env.Name), data,
			nats.MsgId(env.Event.ID),
			nats.Context(ctx))
	})
	return err
}

// SubscribeEvents delivers events stored in stream from now on to handler.
// The subscription is removed when ctx ends.
func SubscribeEvents(ctx context.Context, js nats.JetStreamContext, stream string, logger *zap.Logger, handler Listener) error {
	sub, err := js.Subscribe("", func(msg *nats.Msg) {
		var event model.ExecutionEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logger.Error("Failed to unmarshal event", zap.Error(err))
			msg.Term()
			return
		}

		handler(event.Name(), event)
		msg.Ack()
	}, nats.BindStream(stream), nats.DeliverNew(), nats.ManualAck())
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to events")
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}
