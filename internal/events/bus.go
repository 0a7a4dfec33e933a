package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
)

const defaultBuffer = 64

// Envelope is an event together with the name it was emitted under
type Envelope struct {
	Name  string
	Event model.ExecutionEvent
}

type subscription struct {
	names map[string]struct{}
	ch    chan Envelope
}

func (s *subscription) wants(name string) bool {
	if len(s.names) == 0 {
		return true
	}
	_, ok := s.names[name]
	return ok
}

// Bus is an in-memory hook bus. Emit never blocks: each subscriber has a
// buffered channel and events for a full subscriber are dropped.
type Bus struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	seq     atomic.Uint64
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// NewBus creates an empty hook bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger.Named("event-bus"),
		subs:   make(map[uint64]*subscription),
	}
}

// Emit implements Dispatcher
func (b *Bus) Emit(name string, payload model.ExecutionEvent) {
	env := Envelope{Name: name, Event: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.wants(name) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			b.dropped.Add(1)
			b.logger.Warn("Dropping event for slow subscriber",
				zap.String("event", name),
				zap.String("job_id", payload.JobID))
		}
	}
}

// Subscribe returns a channel receiving events with the given names, or all
// events when no names are given
func (b *Bus) Subscribe(buffer int, names ...string) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscription{
		names: make(map[string]struct{}, len(names)),
		ch:    make(chan Envelope, buffer),
	}
	for _, name := range names {
		sub.names[name] = struct{}{}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			_, ok := b.subs[id]
			delete(b.subs, id)
			b.mu.Unlock()
			// Emit sends under the read lock, so no send can follow removal
			if ok {
				close(sub.ch)
			}
		})
	}
	return sub.ch, unsubscribe
}

// Listen runs listener on its own goroutine for every matching event. A
// panicking listener is logged and keeps receiving later events.
func (b *Bus) Listen(listener Listener, names ...string) func() {
	ch, unsubscribe := b.Subscribe(defaultBuffer, names...)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for env := range ch {
			b.deliver(listener, env)
		}
	}()
	return unsubscribe
}

// Dropped returns how many events were dropped for slow subscribers
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close unsubscribes everyone and waits for listeners to drain
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	b.wg.Wait()
}

func (b *Bus) deliver(listener Listener, env Envelope) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("Event listener panicked",
				zap.String("event", env.Name),
				zap.String("job_id", env.Event.JobID),
				zap.Any("panic", p))
		}
	}()
	listener(env.Name, env.Event)
}
