package action

import (
	"context"
	"time"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/logger"
	"github.com/tapevault/tapevault/internal/logger/tag"
	"github.com/tapevault/tapevault/internal/models"
	"github.com/tapevault/tapevault/internal/persistence"
)

// staleExecutionAge is how long a running execution may sit before a new
// run proceeds past it. Executions this old are assumed crashed.
const staleExecutionAge = 24 * time.Hour

// BackupRunner drives one execution record through the backup pipeline.
type BackupRunner interface {
	Run(ctx context.Context, exec *models.BackupTask) error
}

// BackupHandler creates an execution record from the task's template and
// runs it through the pipeline.
type BackupHandler struct {
	store  persistence.Store
	engine BackupRunner
	clock  func() time.Time
}

// NewBackupHandler builds the backup action handler.
func NewBackupHandler(store persistence.Store, engine BackupRunner) *BackupHandler {
	return &BackupHandler{store: store, engine: engine, clock: time.Now}
}

// Execute implements Handler. At most one execution per template runs at a
// time: a second fire on the same day is skipped, while an execution stuck
// in running state for over a day is treated as crashed and run past.
func (h *BackupHandler) Execute(ctx context.Context, task *models.ScheduledTask, manual bool, opts map[string]any) (Result, error) {
	templateID, ok := task.TemplateID()
	if !ok {
		return nil, apperr.Validationf("task %q has no backup template", task.TaskName)
	}

	tmpl, err := h.store.GetBackupTask(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !tmpl.IsTemplate {
		return nil, apperr.Validationf("backup task %d is not a template", templateID)
	}

	now := h.clock()
	running, err := h.store.FindRunningExecution(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if running != nil {
		stale := running.StartedAt != nil && now.Sub(*running.StartedAt) > staleExecutionAge
		if !stale {
			reason := "execution in progress"
			if task.LastRunTime != nil && sameDay(*task.LastRunTime, now) {
				reason = "already ran today"
			}
			logger.Info(ctx, "Skipping backup, template busy",
				tag.TemplateID(templateID), tag.BackupTaskID(running.ID),
				tag.String("reason", reason))
			return Result{
				"status":          "skipped",
				"reason":          reason,
				"running_task_id": running.ID,
				"template_id":     templateID,
			}, nil
		}
		logger.Warn(ctx, "Running execution looks crashed, proceeding",
			tag.TemplateID(templateID), tag.BackupTaskID(running.ID),
			tag.Elapsed(now.Sub(*running.StartedAt)))
	}

	exec := tmpl.NewExecution(now)
	if err := h.store.CreateBackupTask(ctx, exec); err != nil {
		return nil, err
	}
	logger.Info(ctx, "Backup execution created",
		tag.BackupTaskID(exec.ID), tag.TemplateID(templateID),
		tag.Task(exec.TaskName))

	if err := h.engine.Run(ctx, exec); err != nil {
		return nil, err
	}

	result := Result{
		"status":          string(exec.Status),
		"backup_task_id":  exec.ID,
		"template_id":     templateID,
		"total_files":     exec.TotalFiles,
		"total_bytes":     exec.TotalBytes,
		"processed_files": exec.ProcessedFiles,
		"processed_bytes": exec.ProcessedBytes,
	}
	if exec.BackupSetID != nil {
		result["backup_set_id"] = *exec.BackupSetID
	}
	if exec.TapeID != nil {
		result["tape_id"] = *exec.TapeID
	}
	return result, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}
