// Package action maps scheduled task kinds to their handlers. The
// dispatcher validates the action kind before any side effect; unknown
// kinds fail the run without touching the store.
package action

import (
	"context"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/models"
)

// Result is the structured outcome stored on the run record.
type Result = map[string]any

// Handler executes one action kind.
type Handler interface {
	Execute(ctx context.Context, task *models.ScheduledTask, manual bool, opts map[string]any) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *models.ScheduledTask, manual bool, opts map[string]any) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, task *models.ScheduledTask, manual bool, opts map[string]any) (Result, error) {
	return f(ctx, task, manual, opts)
}

// Dispatcher routes fired tasks to the handler registered for their kind.
type Dispatcher struct {
	handlers map[models.ActionType]Handler
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[models.ActionType]Handler)}
}

// Register binds a handler to an action kind, replacing any previous one.
func (d *Dispatcher) Register(kind models.ActionType, h Handler) {
	d.handlers[kind] = h
}

// Run implements scheduler.ActionRunner.
func (d *Dispatcher) Run(ctx context.Context, task *models.ScheduledTask, manual bool, opts map[string]any) (Result, error) {
	h, ok := d.handlers[task.ActionType]
	if !ok {
		return nil, apperr.Validationf("no handler for action type %q", task.ActionType)
	}
	return h.Execute(ctx, task, manual, opts)
}
