// Package notify delivers run completion events to operators.
package notify

import (
	"context"
	"time"
)

// Event describes one finished task run.
type Event struct {
	Task     string
	TaskID   int64
	Status   string
	Duration time.Duration
	Error    string
	Result   map[string]any
}

// Notifier delivers events. Delivery failures are logged by callers and
// never affect run outcomes.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
