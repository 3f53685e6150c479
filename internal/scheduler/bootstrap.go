package scheduler

import (
	"context"
	"errors"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/logger"
	"github.com/tapevault/tapevault/internal/logger/tag"
	"github.com/tapevault/tapevault/internal/models"
	"github.com/tapevault/tapevault/internal/persistence"
)

// Names of the built-in tasks seeded from configuration.
const (
	monthlyBackupTaskName  = "monthly-backup"
	retentionCheckTaskName = "retention-check"
)

// bootstrap seeds the built-in cron tasks when the corresponding cron
// expressions are configured. Existing tasks are left untouched so operator
// edits survive restarts.
func (s *Scheduler) bootstrap(ctx context.Context) error {
	if expr := s.cfg.RetentionCheckCron; expr != "" {
		task := &models.ScheduledTask{
			TaskName:       retentionCheckTaskName,
			ScheduleType:   models.ScheduleCron,
			ScheduleConfig: map[string]any{"expression": expr},
			ActionType:     models.ActionRetentionCheck,
			Status:         models.TaskStatusActive,
			Enabled:        true,
		}
		if err := s.seedTask(ctx, task); err != nil {
			return err
		}
	}

	if expr := s.cfg.MonthlyBackupCron; expr != "" {
		templateID, ok, err := s.findMonthlyTemplate(ctx)
		if err != nil {
			return err
		}
		if !ok {
			logger.Warn(ctx, "No monthly_full backup template exists, skipping built-in monthly backup task")
			return nil
		}
		task := &models.ScheduledTask{
			TaskName:       monthlyBackupTaskName,
			ScheduleType:   models.ScheduleCron,
			ScheduleConfig: map[string]any{"expression": expr},
			ActionType:     models.ActionBackup,
			BackupTaskID:   &templateID,
			Status:         models.TaskStatusActive,
			Enabled:        true,
		}
		if err := s.seedTask(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) seedTask(ctx context.Context, task *models.ScheduledTask) error {
	_, err := s.store.GetTaskByName(ctx, task.TaskName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return err
	}

	if err := s.AddTask(ctx, task); err != nil {
		// Another process may have seeded it between the check and the insert.
		if errors.Is(err, apperr.ErrConflict) {
			return nil
		}
		return err
	}
	logger.Info(ctx, "Seeded built-in task", tag.Task(task.TaskName))
	return nil
}

func (s *Scheduler) findMonthlyTemplate(ctx context.Context) (int64, bool, error) {
	templates, err := s.store.ListBackupTasks(ctx, persistence.BackupTaskFilter{
		Type:          models.BackupMonthlyFull,
		TemplatesOnly: true,
		Limit:         1,
	})
	if err != nil {
		return 0, false, err
	}
	if len(templates) == 0 {
		return 0, false, nil
	}
	return templates[0].ID, true, nil
}
