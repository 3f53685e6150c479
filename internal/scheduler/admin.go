package scheduler

import (
	"context"
	"time"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/logger"
	"github.com/tapevault/tapevault/internal/logger/tag"
	"github.com/tapevault/tapevault/internal/models"
)

// AddTask validates, computes the first run time and persists a new task.
func (s *Scheduler) AddTask(ctx context.Context, task *models.ScheduledTask) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if task.Status == "" {
		task.Status = models.TaskStatusActive
	}

	next, err := NextRunTime(task, s.clock())
	if err != nil {
		return err
	}
	task.NextRunTime = next

	if err := s.store.CreateTask(ctx, task); err != nil {
		return err
	}
	s.setEntry(task)

	logger.Info(ctx, "Task created",
		tag.Task(task.TaskName), tag.TaskID(task.ID),
		tag.Action(string(task.ActionType)))
	return nil
}

// UpdateTask persists an edited task and refreshes its schedule. The caller
// passes the full task row (read-modify-write at the API layer).
func (s *Scheduler) UpdateTask(ctx context.Context, task *models.ScheduledTask) error {
	if err := task.Validate(); err != nil {
		return err
	}

	next, err := NextRunTime(task, s.clock())
	if err != nil {
		return err
	}
	task.NextRunTime = next

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	s.setEntry(task)

	logger.Info(ctx, "Task updated", tag.Task(task.TaskName), tag.TaskID(task.ID))
	return nil
}

// DeleteTask cancels any in-flight run, releases the task's locks and
// removes the row.
func (s *Scheduler) DeleteTask(ctx context.Context, taskID int64) error {
	s.cancelExecution(ctx, taskID)

	if err := s.store.ReleaseLocksByTask(ctx, taskID); err != nil {
		logger.Error(ctx, "Failed to release locks for deleted task",
			tag.TaskID(taskID), tag.Error(err))
	}
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	s.dropEntry(taskID)

	logger.Info(ctx, "Task deleted", tag.TaskID(taskID))
	return nil
}

// RunTaskNow fires the task immediately, bypassing its schedule. The lock
// still applies: a run already in progress makes this a no-op skip.
func (s *Scheduler) RunTaskNow(ctx context.Context, taskID int64, opts map[string]any) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	logger.Info(ctx, "Manual run requested", tag.Task(task.TaskName), tag.TaskID(taskID))
	s.launch(ctx, task, true, opts)
	return nil
}

// StopTask cancels the task's in-flight run, if any, and pauses the task.
func (s *Scheduler) StopTask(ctx context.Context, taskID int64) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	cancelled := s.cancelExecution(ctx, taskID)
	if !cancelled {
		task.Status = models.TaskStatusPaused
		if err := s.store.UpdateTask(ctx, task); err != nil {
			return err
		}
		s.setEntry(task)
	}

	logger.Info(ctx, "Task stopped", tag.Task(task.TaskName), tag.TaskID(taskID))
	return nil
}

// EnableTask resumes scheduling for the task.
func (s *Scheduler) EnableTask(ctx context.Context, taskID int64) error {
	return s.setEnabled(ctx, taskID, true)
}

// DisableTask suspends scheduling for the task. In-flight runs finish.
func (s *Scheduler) DisableTask(ctx context.Context, taskID int64) error {
	return s.setEnabled(ctx, taskID, false)
}

func (s *Scheduler) setEnabled(ctx context.Context, taskID int64, enabled bool) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.Enabled = enabled
	if enabled {
		if task.Status == models.TaskStatusPaused || task.Status == models.TaskStatusInactive {
			task.Status = models.TaskStatusActive
		}
		next, err := NextRunTime(task, s.clock())
		if err != nil {
			return err
		}
		task.NextRunTime = next
	} else if task.Status == models.TaskStatusActive {
		task.Status = models.TaskStatusInactive
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	s.setEntry(task)

	logger.Info(ctx, "Task enabled state changed",
		tag.Task(task.TaskName), tag.TaskID(taskID),
		tag.Status(string(task.Status)))
	return nil
}

// UnlockTask force-releases the task's lock after a crash left it held.
// A task stuck in running state is reset to active.
func (s *Scheduler) UnlockTask(ctx context.Context, taskID int64) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.store.ReleaseLocksByTask(ctx, taskID); err != nil {
		return err
	}
	if task.Status == models.TaskStatusRunning {
		task.Status = models.TaskStatusActive
		if err := s.store.UpdateTask(ctx, task); err != nil {
			return err
		}
		s.setEntry(task)
	}
	logger.Info(ctx, "Task unlocked", tag.Task(task.TaskName), tag.TaskID(taskID))
	return nil
}

// UnlockAll releases every active lock and resets tasks stuck in running
// state. Returns the number of locks released.
func (s *Scheduler) UnlockAll(ctx context.Context) (int64, error) {
	released, err := s.store.ReleaseAllLocks(ctx)
	if err != nil {
		return 0, err
	}
	reset, err := s.store.ResetRunningTasks(ctx)
	if err != nil {
		return released, err
	}
	if err := s.reload(ctx); err != nil {
		logger.Error(ctx, "Failed to reload tasks after unlock", tag.Error(err))
	}
	logger.Info(ctx, "Released all task locks",
		tag.Groups(int(released)), tag.Files(int(reset)))
	return released, nil
}

// cancelExecution cancels the in-flight run for the task and waits for it
// to wind down. Returns false when no run was in flight.
func (s *Scheduler) cancelExecution(ctx context.Context, taskID int64) bool {
	s.mu.Lock()
	exec, ok := s.running[taskID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	exec.cancel()
	select {
	case <-exec.done:
	case <-time.After(30 * time.Second):
		logger.Warn(ctx, "Timed out waiting for execution to cancel",
			tag.TaskID(taskID), tag.ExecutionID(exec.executionID))
	case <-ctx.Done():
	}
	return true
}

// GetTask fetches one task for the API layer.
func (s *Scheduler) GetTask(ctx context.Context, taskID int64) (*models.ScheduledTask, error) {
	return s.store.GetTask(ctx, taskID)
}

// ListTasks lists every task for the API layer.
func (s *Scheduler) ListTasks(ctx context.Context) ([]*models.ScheduledTask, error) {
	return s.store.ListTasks(ctx)
}

// ListRuns lists recent runs of one task, newest first.
func (s *Scheduler) ListRuns(ctx context.Context, taskID int64, limit int) ([]*models.TaskRun, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	runs, err := s.store.ListRuns(ctx, taskID, limit)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []*models.TaskRun{}
	}
	return runs, nil
}

// ActiveLock reports the active lock row for a task, or apperr.ErrNotFound.
func (s *Scheduler) ActiveLock(ctx context.Context, taskID int64) (*models.TaskLock, error) {
	lock, err := s.store.ActiveLock(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, apperr.NotFoundf("no active lock for task %d", taskID)
	}
	return lock, nil
}
