// Package persistence defines the store contracts shared by the scheduler
// engine and the backup pipeline. Implementations live in subpackages
// (postgres today); consumers receive these interfaces in their
// constructors.
package persistence

import (
	"context"
	"time"

	"github.com/tapevault/tapevault/internal/models"
)

// TaskStore persists scheduled task definitions.
type TaskStore interface {
	// CreateTask inserts a new task. Returns apperr.ErrConflict when the
	// task name already exists.
	CreateTask(ctx context.Context, task *models.ScheduledTask) error
	GetTask(ctx context.Context, id int64) (*models.ScheduledTask, error)
	GetTaskByName(ctx context.Context, name string) (*models.ScheduledTask, error)
	ListTasks(ctx context.Context) ([]*models.ScheduledTask, error)
	ListEnabledTasks(ctx context.Context) ([]*models.ScheduledTask, error)
	// UpdateTask persists the full task row.
	UpdateTask(ctx context.Context, task *models.ScheduledTask) error
	DeleteTask(ctx context.Context, id int64) error
	// ResetRunningTasks flips every task with status=running back to active.
	// Used by UnlockAll recovery after a crash. Returns the number of rows.
	ResetRunningTasks(ctx context.Context) (int64, error)
}

// LockStore serializes per-task execution through TaskLock rows.
type LockStore interface {
	// AcquireTaskLock tries to take the lock with a single compare-and-set
	// statement. Returns true iff this caller now holds the lock. Any store
	// error is reported as not acquired (fail closed).
	AcquireTaskLock(ctx context.Context, taskID int64, executionID string) (bool, error)
	// ReleaseTaskLock flips is_active=false for rows matching both ids.
	// Rows are kept for audit.
	ReleaseTaskLock(ctx context.Context, taskID int64, executionID string) error
	// ReleaseLocksByTask force-releases any active lock for the task.
	ReleaseLocksByTask(ctx context.Context, taskID int64) error
	// ReleaseAllLocks releases every active lock. Returns the number released.
	ReleaseAllLocks(ctx context.Context) (int64, error)
	// ActiveLock returns the active lock row for the task, or nil.
	ActiveLock(ctx context.Context, taskID int64) (*models.TaskLock, error)
}

// RunStore records execution attempts.
type RunStore interface {
	RecordRunStart(ctx context.Context, taskID int64, executionID string, startedAt time.Time) error
	RecordRunEnd(ctx context.Context, executionID string, endedAt time.Time, status models.RunStatus, result map[string]any, errMessage string) error
	ListRuns(ctx context.Context, taskID int64, limit int) ([]*models.TaskRun, error)
}

// BackupTaskFilter narrows backup task listings.
type BackupTaskFilter struct {
	Status        models.BackupStatus
	Type          models.BackupType
	Name          string
	TemplatesOnly bool
	Limit         int
}

// CompleteGroupParams carries the single-transaction bookkeeping performed
// after an archive is renamed into the final directory.
type CompleteGroupParams struct {
	BackupTaskID int64
	SetID        string
	Paths        []string
	ChunkNumber  int
	// GroupBytes is the cumulative uncompressed size of the group.
	GroupBytes int64
	// ArchiveBytes is the size of the finished archive.
	ArchiveBytes int64
}

// BackupStatistics aggregates backup state for the statistics endpoint.
type BackupStatistics struct {
	TotalExecutions     int64   `json:"total_executions"`
	RunningExecutions   int64   `json:"running_executions"`
	CompletedExecutions int64   `json:"completed_executions"`
	FailedExecutions    int64   `json:"failed_executions"`
	TotalTemplates      int64   `json:"total_templates"`
	TotalSets           int64   `json:"total_sets"`
	TotalFiles          int64   `json:"total_files"`
	TotalBytes          int64   `json:"total_bytes"`
	CompressedBytes     int64   `json:"compressed_bytes"`
	CompressionRatio    float64 `json:"compression_ratio"`
}

// BackupStore persists backup templates, executions, sets and files.
type BackupStore interface {
	CreateBackupTask(ctx context.Context, task *models.BackupTask) error
	GetBackupTask(ctx context.Context, id int64) (*models.BackupTask, error)
	ListBackupTasks(ctx context.Context, filter BackupTaskFilter) ([]*models.BackupTask, error)
	UpdateBackupTask(ctx context.Context, task *models.BackupTask) error
	// DeleteBackupTaskCascade removes a template together with its child
	// executions, their backup sets and backup files.
	DeleteBackupTaskCascade(ctx context.Context, id int64) error
	// FindRunningExecution returns the running execution for a template,
	// or nil when none is running.
	FindRunningExecution(ctx context.Context, templateID int64) (*models.BackupTask, error)
	Statistics(ctx context.Context) (*BackupStatistics, error)

	CreateBackupSet(ctx context.Context, set *models.BackupSet) error
	GetBackupSet(ctx context.Context, setID string) (*models.BackupSet, error)
	UpdateBackupSet(ctx context.Context, set *models.BackupSet) error
	// ExpireBackupSets flips active sets whose retention window has passed
	// to expired. Returns the number of sets expired.
	ExpireBackupSets(ctx context.Context, asOf time.Time) (int64, error)

	// FetchPendingFilesGroupedBySize returns pending file groups whose
	// cumulative size stays within maxGroupBytes each (an oversize file
	// forms a singleton group), together with the new cursor position.
	// A returned cursor of zero with a non-zero start signals a store-side
	// anomaly; the caller restarts from the beginning.
	FetchPendingFilesGroupedBySize(ctx context.Context, setID string, maxGroupBytes int64, taskID int64, waitIfSmall bool, startFromID int64) ([]models.FileGroup, int64, error)
	// CountPendingFiles counts files under the set that are not yet copied.
	// The prefetcher runs this full sweep before declaring the set done.
	CountPendingFiles(ctx context.Context, setID string) (int64, error)
	// MarkFilesAsCopied bulk-marks files copied in a single statement.
	// Idempotent: re-marking already-marked files is a no-op.
	MarkFilesAsCopied(ctx context.Context, setID string, paths []string) error
	// CompleteGroup marks the group's files copied with their chunk number
	// and advances the execution counters in one transaction.
	CompleteGroup(ctx context.Context, params CompleteGroupParams) error
	InsertBackupFiles(ctx context.Context, files []models.BackupFile) error
	ListBackupFiles(ctx context.Context, setID string, limit int) ([]*models.BackupFile, error)

	GetScanStatus(ctx context.Context, taskID int64) (models.ScanStatus, error)
	SetScanStatus(ctx context.Context, taskID int64, status models.ScanStatus, completedAt *time.Time) error
}

// TapeStore reads the cartridge inventory. The tape subsystem owns the
// rows; the orchestrator never writes them.
type TapeStore interface {
	ListTapeCartridges(ctx context.Context) ([]*models.TapeCartridge, error)
}

// Store aggregates every contract the orchestrator needs.
type Store interface {
	TaskStore
	LockStore
	RunStore
	BackupStore
	TapeStore

	// Ping verifies backend connectivity for health checks.
	Ping(ctx context.Context) error
}
