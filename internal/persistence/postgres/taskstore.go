package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/models"
)

const scheduledTaskColumns = `
	id, task_name, schedule_type, schedule_config, action_type, action_config,
	backup_task_id, status, enabled, next_run_time, last_run_time,
	last_success_time, last_failure_time, last_error, total_runs, success_runs,
	failure_runs, average_duration, created_at, updated_at`

func scanScheduledTask(row pgx.Row) (*models.ScheduledTask, error) {
	var t models.ScheduledTask
	err := row.Scan(
		&t.ID, &t.TaskName, &t.ScheduleType, &t.ScheduleConfig, &t.ActionType,
		&t.ActionConfig, &t.BackupTaskID, &t.Status, &t.Enabled, &t.NextRunTime,
		&t.LastRunTime, &t.LastSuccessTime, &t.LastFailureTime, &t.LastError,
		&t.TotalRuns, &t.SuccessRuns, &t.FailureRuns, &t.AverageDuration,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask implements persistence.TaskStore.
func (s *Store) CreateTask(ctx context.Context, task *models.ScheduledTask) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.pool.QueryRow(ctx, `
		INSERT INTO scheduled_tasks (
			task_name, schedule_type, schedule_config, action_type,
			action_config, backup_task_id, status, enabled, next_run_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`,
		task.TaskName, task.ScheduleType, task.ScheduleConfig, task.ActionType,
		task.ActionConfig, task.BackupTaskID, task.Status, task.Enabled,
		task.NextRunTime,
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
	if err := classify(err); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return apperr.Conflictf("task name %q already exists", task.TaskName)
		}
		return fmt.Errorf("create scheduled task: %w", err)
	}
	return nil
}

// GetTask implements persistence.TaskStore.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.ScheduledTask, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	task, err := scanScheduledTask(s.pool.QueryRow(ctx,
		`SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE id = $1`, id))
	if err := classify(err); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFoundf("scheduled task %d", id)
		}
		return nil, fmt.Errorf("get scheduled task: %w", err)
	}
	return task, nil
}

// GetTaskByName implements persistence.TaskStore.
func (s *Store) GetTaskByName(ctx context.Context, name string) (*models.ScheduledTask, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	task, err := scanScheduledTask(s.pool.QueryRow(ctx,
		`SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE task_name = $1`, name))
	if err := classify(err); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFoundf("scheduled task %q", name)
		}
		return nil, fmt.Errorf("get scheduled task by name: %w", err)
	}
	return task, nil
}

func (s *Store) listTasks(ctx context.Context, where string, args ...any) ([]*models.ScheduledTask, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduledTaskColumns+` FROM scheduled_tasks `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", classify(err))
	}
	defer rows.Close()

	var tasks []*models.ScheduledTask
	for rows.Next() {
		task, err := scanScheduledTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", classify(err))
		}
		tasks = append(tasks, task)
	}
	return tasks, classify(rows.Err())
}

// ListTasks implements persistence.TaskStore.
func (s *Store) ListTasks(ctx context.Context) ([]*models.ScheduledTask, error) {
	return s.listTasks(ctx, "")
}

// ListEnabledTasks implements persistence.TaskStore.
func (s *Store) ListEnabledTasks(ctx context.Context) ([]*models.ScheduledTask, error) {
	return s.listTasks(ctx, "WHERE enabled")
}

// UpdateTask implements persistence.TaskStore.
func (s *Store) UpdateTask(ctx context.Context, task *models.ScheduledTask) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_tasks SET
			task_name = $2, schedule_type = $3, schedule_config = $4,
			action_type = $5, action_config = $6, backup_task_id = $7,
			status = $8, enabled = $9, next_run_time = $10, last_run_time = $11,
			last_success_time = $12, last_failure_time = $13, last_error = $14,
			total_runs = $15, success_runs = $16, failure_runs = $17,
			average_duration = $18, updated_at = now()
		WHERE id = $1`,
		task.ID, task.TaskName, task.ScheduleType, task.ScheduleConfig,
		task.ActionType, task.ActionConfig, task.BackupTaskID, task.Status,
		task.Enabled, task.NextRunTime, task.LastRunTime, task.LastSuccessTime,
		task.LastFailureTime, task.LastError, task.TotalRuns, task.SuccessRuns,
		task.FailureRuns, task.AverageDuration,
	)
	if err := classify(err); err != nil {
		return fmt.Errorf("update scheduled task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("scheduled task %d", task.ID)
	}
	return nil
}

// DeleteTask implements persistence.TaskStore.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	return s.tx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM task_locks WHERE task_id = $1`, id); err != nil {
			return fmt.Errorf("delete task locks: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete scheduled task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFoundf("scheduled task %d", id)
		}
		return nil
	})
}

// ResetRunningTasks implements persistence.TaskStore.
func (s *Store) ResetRunningTasks(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_tasks SET status = 'active', updated_at = now()
		WHERE status = 'running'`)
	if err := classify(err); err != nil {
		return 0, fmt.Errorf("reset running tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}
