package models

import "time"

// RunStatus is the state of one execution attempt.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// TaskRun is one execution attempt of a scheduled task.
// Runs for one task are totally ordered by StartedAt.
type TaskRun struct {
	ID           int64          `json:"id"`
	ExecutionID  string         `json:"execution_id"`
	TaskID       int64          `json:"task_id"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Status       RunStatus      `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// TaskLock is the per-task mutex row. At most one row per task may have
// IsActive=true; released rows are kept for audit.
type TaskLock struct {
	ID          int64     `json:"id"`
	TaskID      int64     `json:"task_id"`
	ExecutionID string    `json:"execution_id"`
	LockedAt    time.Time `json:"locked_at"`
	IsActive    bool      `json:"is_active"`
}
