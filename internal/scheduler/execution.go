package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/tapevault/tapevault/internal/logger"
	"github.com/tapevault/tapevault/internal/logger/tag"
	"github.com/tapevault/tapevault/internal/models"
	"github.com/tapevault/tapevault/internal/notify"
)

// launch starts one execution in its own goroutine. The database lock is
// the authority on concurrency; the in-memory running table only provides
// cancellation handles and cheap duplicate suppression within this process.
// The run mutates a private copy of the task; the tick loop keeps reading
// the published entry until setEntry swaps the updated copy in.
func (s *Scheduler) launch(ctx context.Context, task *models.ScheduledTask, manual bool, opts map[string]any) {
	runCtx, cancel := context.WithCancel(ctx)
	exec := &execution{
		executionID: uuid.NewString(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	s.mu.Lock()
	if _, inFlight := s.running[task.ID]; inFlight {
		// The in-flight run keeps its handle. A manual request would skip
		// on the held database lock anyway.
		s.mu.Unlock()
		cancel()
		if manual {
			logger.Info(ctx, "Task already running, skipping manual run",
				tag.Task(task.TaskName), tag.TaskID(task.ID))
		}
		return
	}
	s.running[task.ID] = exec
	s.mu.Unlock()

	run := *task
	task = &run

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer close(exec.done)
		defer func() {
			s.mu.Lock()
			if s.running[task.ID] == exec {
				delete(s.running, task.ID)
			}
			s.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				s.recoverRun(ctx, task, exec.executionID, r)
			}
		}()
		s.runExecution(runCtx, task, exec.executionID, manual, opts)
	}()
}

// recoverRun closes out the run record after a panicked action so the
// TaskRun row does not stay running forever. The lock release defer in
// runExecution has already fired during unwinding.
func (s *Scheduler) recoverRun(ctx context.Context, task *models.ScheduledTask, executionID string, r any) {
	ctx = context.WithoutCancel(ctx)
	logger.Error(ctx, "Task execution panicked",
		tag.Task(task.TaskName), tag.TaskID(task.ID),
		tag.ExecutionID(executionID), tag.Error(r))

	msg := fmt.Sprintf("panic: %v", r)
	if err := s.store.RecordRunEnd(ctx, executionID, s.clock(), models.RunStatusFailed, nil, msg); err != nil {
		logger.Error(ctx, "Failed to record run end after panic",
			tag.ExecutionID(executionID), tag.Error(err))
	}

	task.Status = models.TaskStatusError
	task.LastError = msg
	if err := s.store.UpdateTask(ctx, task); err != nil {
		logger.Error(ctx, "Failed to record task failure after panic",
			tag.TaskID(task.ID), tag.Error(err))
	}
	s.setEntry(task)
}

// runExecution drives the full lifecycle of one run: lock, run record,
// action, counters, next run time. Bookkeeping failures are logged and
// never change the run outcome.
func (s *Scheduler) runExecution(ctx context.Context, task *models.ScheduledTask, executionID string, manual bool, opts map[string]any) {
	acquired, err := s.store.AcquireTaskLock(ctx, task.ID, executionID)
	if err != nil {
		logger.Error(ctx, "Lock acquisition failed, skipping run",
			tag.Task(task.TaskName), tag.TaskID(task.ID), tag.Error(err))
		return
	}
	if !acquired {
		logger.Info(ctx, "Task already locked, skipping run",
			tag.Task(task.TaskName), tag.TaskID(task.ID),
			tag.ExecutionID(executionID))
		return
	}
	defer func() {
		// Release must survive run cancellation.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.store.ReleaseTaskLock(releaseCtx, task.ID, executionID); err != nil {
			logger.Error(ctx, "Failed to release task lock",
				tag.TaskID(task.ID), tag.ExecutionID(executionID), tag.Error(err))
		}
	}()

	startedAt := s.clock()
	if err := s.store.RecordRunStart(ctx, task.ID, executionID, startedAt); err != nil {
		logger.Error(ctx, "Failed to record run start",
			tag.TaskID(task.ID), tag.ExecutionID(executionID), tag.Error(err))
	}

	task.Status = models.TaskStatusRunning
	task.LastRunTime = &startedAt
	if err := s.store.UpdateTask(ctx, task); err != nil {
		logger.Error(ctx, "Failed to mark task running",
			tag.TaskID(task.ID), tag.Error(err))
	}

	logger.Info(ctx, "Task execution started",
		tag.Task(task.TaskName), tag.TaskID(task.ID),
		tag.ExecutionID(executionID), tag.Action(string(task.ActionType)))

	result, runErr := s.runner.Run(ctx, task, manual, opts)

	endedAt := s.clock()
	elapsed := endedAt.Sub(startedAt)

	switch {
	case runErr == nil:
		s.completeRun(ctx, task, executionID, endedAt, elapsed, result)
	case errors.Is(runErr, context.Canceled):
		s.cancelRun(ctx, task, executionID, endedAt)
	default:
		s.failRun(ctx, task, executionID, endedAt, elapsed, runErr)
	}
}

func (s *Scheduler) completeRun(ctx context.Context, task *models.ScheduledTask, executionID string, endedAt time.Time, elapsed time.Duration, result map[string]any) {
	task.TotalRuns++
	task.SuccessRuns++
	task.LastSuccessTime = &endedAt
	task.LastError = ""
	task.Status = models.TaskStatusActive
	task.AverageDuration = rollAverage(task.AverageDuration, elapsed.Seconds())
	s.advance(ctx, task, endedAt)

	if err := s.store.UpdateTask(ctx, task); err != nil {
		logger.Error(ctx, "Failed to record task success",
			tag.TaskID(task.ID), tag.Error(err))
	}
	if err := s.store.RecordRunEnd(ctx, executionID, endedAt, models.RunStatusSuccess, result, ""); err != nil {
		logger.Error(ctx, "Failed to record run end",
			tag.ExecutionID(executionID), tag.Error(err))
	}
	s.setEntry(task)

	logger.Info(ctx, "Task execution succeeded",
		tag.Task(task.TaskName), tag.TaskID(task.ID),
		tag.ExecutionID(executionID), tag.Elapsed(elapsed))
	s.notify(ctx, task, string(models.RunStatusSuccess), elapsed, "", result)
}

func (s *Scheduler) failRun(ctx context.Context, task *models.ScheduledTask, executionID string, endedAt time.Time, elapsed time.Duration, runErr error) {
	task.TotalRuns++
	task.FailureRuns++
	task.LastFailureTime = &endedAt
	task.LastError = runErr.Error()
	task.Status = models.TaskStatusError
	// Failed tasks keep their schedule and retry on the next occurrence.
	s.advance(ctx, task, endedAt)

	if err := s.store.UpdateTask(ctx, task); err != nil {
		logger.Error(ctx, "Failed to record task failure",
			tag.TaskID(task.ID), tag.Error(err))
	}
	if err := s.store.RecordRunEnd(ctx, executionID, endedAt, models.RunStatusFailed, nil, runErr.Error()); err != nil {
		logger.Error(ctx, "Failed to record run end",
			tag.ExecutionID(executionID), tag.Error(err))
	}
	s.setEntry(task)

	logger.Error(ctx, "Task execution failed",
		tag.Task(task.TaskName), tag.TaskID(task.ID),
		tag.ExecutionID(executionID), tag.Elapsed(elapsed), tag.Error(runErr))
	s.notify(ctx, task, string(models.RunStatusFailed), elapsed, runErr.Error(), nil)
}

func (s *Scheduler) cancelRun(ctx context.Context, task *models.ScheduledTask, executionID string, endedAt time.Time) {
	// The run context is gone; finish bookkeeping on a detached context.
	ctx = context.WithoutCancel(ctx)

	task.TotalRuns++
	task.Status = models.TaskStatusPaused
	s.advance(ctx, task, endedAt)

	if err := s.store.UpdateTask(ctx, task); err != nil {
		logger.Error(ctx, "Failed to record task cancellation",
			tag.TaskID(task.ID), tag.Error(err))
	}
	if err := s.store.RecordRunEnd(ctx, executionID, endedAt, models.RunStatusCancelled, nil, "cancelled"); err != nil {
		logger.Error(ctx, "Failed to record run end",
			tag.ExecutionID(executionID), tag.Error(err))
	}
	s.setEntry(task)

	logger.Info(ctx, "Task execution cancelled",
		tag.Task(task.TaskName), tag.TaskID(task.ID),
		tag.ExecutionID(executionID))
}

// advance recomputes and stores the next run time on the task value.
func (s *Scheduler) advance(ctx context.Context, task *models.ScheduledTask, now time.Time) {
	next, err := NextRunTime(task, now)
	if err != nil {
		logger.Error(ctx, "Failed to compute next run time",
			tag.TaskID(task.ID), tag.Error(err))
		return
	}
	task.NextRunTime = next
	if next != nil {
		logger.Debug(ctx, "Next run scheduled",
			tag.Task(task.TaskName), tag.NextRun(*next))
	}
}

func (s *Scheduler) notify(ctx context.Context, task *models.ScheduledTask, status string, elapsed time.Duration, errMsg string, result map[string]any) {
	err := s.notifier.Notify(ctx, notify.Event{
		Task:     task.TaskName,
		TaskID:   task.ID,
		Status:   status,
		Duration: elapsed,
		Error:    errMsg,
		Result:   result,
	})
	if err != nil {
		logger.Warn(ctx, "Notification delivery failed",
			tag.Task(task.TaskName), tag.Error(err))
	}
}

// rollAverage folds a new duration sample into the running mean. The
// first sample seeds the mean rather than averaging against zero.
func rollAverage(old, sample float64) float64 {
	if old == 0 {
		return math.Round(sample)
	}
	return math.Round((old + sample) / 2)
}
