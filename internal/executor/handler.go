package executor

import (
	"context"
	"encoding/json"

	"github.com/t77yq/jobscheduler/internal/model"
)

// ActionHandler runs the action of a job. The returned result is attached to
// the execution event.
type ActionHandler interface {
	Execute(ctx context.Context, job *model.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to ActionHandler
type HandlerFunc func(ctx context.Context, job *model.Job) (json.RawMessage, error)

// Execute implements ActionHandler
func (f HandlerFunc) Execute(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// RegisterHandler registers an action handler under name, replacing any
// previous registration
func (e *Executor) RegisterHandler(name string, handler ActionHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[name] = handler
}

// HasHandler reports whether a handler is registered under name
func (e *Executor) HasHandler(name string) bool {
	_, ok := e.handler(name)
	return ok
}

// Handlers returns the registered handler names
func (e *Executor) Handlers() []string {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()

	names := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		names = append(names, name)
	}
	return names
}

func (e *Executor) handler(name string) (ActionHandler, bool) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	h, ok := e.handlers[name]
	return h, ok
}
