package models

import (
	"time"

	"github.com/tapevault/tapevault/internal/apperr"
)

// ScheduleType identifies how a scheduled task computes its next run time.
type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "once"
	ScheduleInterval ScheduleType = "interval"
	ScheduleDaily    ScheduleType = "daily"
	ScheduleWeekly   ScheduleType = "weekly"
	ScheduleMonthly  ScheduleType = "monthly"
	ScheduleYearly   ScheduleType = "yearly"
	ScheduleCron     ScheduleType = "cron"
)

// Valid reports whether the schedule type is a known kind.
func (s ScheduleType) Valid() bool {
	switch s {
	case ScheduleOnce, ScheduleInterval, ScheduleDaily, ScheduleWeekly,
		ScheduleMonthly, ScheduleYearly, ScheduleCron:
		return true
	}
	return false
}

// ActionType identifies what a scheduled task does when it fires.
type ActionType string

const (
	ActionBackup         ActionType = "backup"
	ActionRecovery       ActionType = "recovery"
	ActionCleanup        ActionType = "cleanup"
	ActionHealthCheck    ActionType = "health_check"
	ActionRetentionCheck ActionType = "retention_check"
	ActionCustom         ActionType = "custom"
)

// Valid reports whether the action type is a known kind.
func (a ActionType) Valid() bool {
	switch a {
	case ActionBackup, ActionRecovery, ActionCleanup, ActionHealthCheck,
		ActionRetentionCheck, ActionCustom:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskStatusActive   TaskStatus = "active"
	TaskStatusInactive TaskStatus = "inactive"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusPaused   TaskStatus = "paused"
	TaskStatusError    TaskStatus = "error"
)

// ScheduledTask is a durable schedule definition driving one action kind.
type ScheduledTask struct {
	ID       int64  `json:"id"`
	TaskName string `json:"task_name"`

	ScheduleType   ScheduleType   `json:"schedule_type"`
	ScheduleConfig map[string]any `json:"schedule_config"`

	ActionType   ActionType     `json:"action_type"`
	ActionConfig map[string]any `json:"action_config"`
	// BackupTaskID points to the backup template to execute for backup actions.
	BackupTaskID *int64 `json:"backup_task_id,omitempty"`

	Status  TaskStatus `json:"status"`
	Enabled bool       `json:"enabled"`

	NextRunTime     *time.Time `json:"next_run_time,omitempty"`
	LastRunTime     *time.Time `json:"last_run_time,omitempty"`
	LastSuccessTime *time.Time `json:"last_success_time,omitempty"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
	LastError       string     `json:"last_error,omitempty"`

	TotalRuns   int64 `json:"total_runs"`
	SuccessRuns int64 `json:"success_runs"`
	FailureRuns int64 `json:"failure_runs"`
	// AverageDuration is the running mean run duration in seconds,
	// updated as round((old+new)/2) on each completion.
	AverageDuration float64 `json:"average_duration"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the task definition at the create/update boundary.
// Malformed schedule or action configs are rejected here, not at fire time.
func (t *ScheduledTask) Validate() error {
	if t.TaskName == "" {
		return apperr.Validationf("task_name is required")
	}
	if !t.ScheduleType.Valid() {
		return apperr.Validationf("unknown schedule_type %q", t.ScheduleType)
	}
	if !t.ActionType.Valid() {
		return apperr.Validationf("unknown action_type %q", t.ActionType)
	}
	if _, err := DecodeScheduleSpec(t.ScheduleType, t.ScheduleConfig); err != nil {
		return err
	}
	if t.ActionType == ActionBackup {
		cfg, err := DecodeActionConfig(t.ActionConfig)
		if err != nil {
			return err
		}
		if t.BackupTaskID == nil && cfg.BackupTaskID == 0 {
			return apperr.Validationf("backup action requires backup_task_id")
		}
	}
	return nil
}

// TemplateID resolves the backup template id from the task pointer or the
// action config, preferring the explicit pointer.
func (t *ScheduledTask) TemplateID() (int64, bool) {
	if t.BackupTaskID != nil {
		return *t.BackupTaskID, true
	}
	cfg, err := DecodeActionConfig(t.ActionConfig)
	if err != nil || cfg.BackupTaskID == 0 {
		return 0, false
	}
	return cfg.BackupTaskID, true
}
