// Package events delivers execution events from the scheduler core to
// in-process hooks and to NATS.
package events

import "github.com/t77yq/jobscheduler/internal/model"

// Dispatcher receives execution events. Emit must not block the caller on
// slow consumers.
type Dispatcher interface {
	Emit(name string, payload model.ExecutionEvent)
}

// Listener handles one delivered event
type Listener func(name string, event model.ExecutionEvent)

// Multi fans an event out to several dispatchers in order
type Multi []Dispatcher

// Emit implements Dispatcher
func (m Multi) Emit(name string, payload model.ExecutionEvent) {
	for _, d := range m {
		if d != nil {
			d.Emit(name, payload)
		}
	}
}

// Nop discards every event
type Nop struct{}

// Emit implements Dispatcher
func (Nop) Emit(string, model.ExecutionEvent) {}
