package action

import (
	"context"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/models"
)

// CustomFunc is a named operation that custom tasks can invoke.
type CustomFunc func(ctx context.Context, opts map[string]any) (Result, error)

// NewCustomHandler routes custom tasks to functions registered at startup.
// The action config names the function with "name".
func NewCustomHandler(funcs map[string]CustomFunc) Handler {
	return HandlerFunc(func(ctx context.Context, task *models.ScheduledTask, _ bool, opts map[string]any) (Result, error) {
		name := optionString(opts, task.ActionConfig, "name")
		if name == "" {
			return nil, apperr.Validationf("custom action requires a function name")
		}
		fn, ok := funcs[name]
		if !ok {
			return nil, apperr.Validationf("unknown custom function %q", name)
		}
		return fn(ctx, opts)
	})
}
