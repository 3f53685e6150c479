package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapevault/tapevault/internal/config"
	"github.com/tapevault/tapevault/internal/models"
	"github.com/tapevault/tapevault/internal/persistence/persistencetest"
)

type runnerFunc func(ctx context.Context, task *models.ScheduledTask, manual bool, opts map[string]any) (map[string]any, error)

func (f runnerFunc) Run(ctx context.Context, task *models.ScheduledTask, manual bool, opts map[string]any) (map[string]any, error) {
	return f(ctx, task, manual, opts)
}

func testConfig() *config.Config {
	return &config.Config{
		TickInterval:  time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

func newTestScheduler(t *testing.T, store *persistencetest.Store, runner ActionRunner, now time.Time) *Scheduler {
	t.Helper()
	return New(testConfig(), store, runner, WithClock(func() time.Time { return now }))
}

func seedTask(t *testing.T, store *persistencetest.Store) *models.ScheduledTask {
	t.Helper()
	tk := &models.ScheduledTask{
		TaskName:       "hourly-cleanup",
		ScheduleType:   models.ScheduleInterval,
		ScheduleConfig: map[string]any{"interval": 1, "unit": "hours"},
		ActionType:     models.ActionCleanup,
		Status:         models.TaskStatusActive,
		Enabled:        true,
	}
	require.NoError(t, store.CreateTask(context.Background(), tk))
	return tk
}

func TestRunExecutionSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	s := newTestScheduler(t, store, runnerFunc(
		func(context.Context, *models.ScheduledTask, bool, map[string]any) (map[string]any, error) {
			return map[string]any{"status": "completed"}, nil
		}), now)
	tk := seedTask(t, store)

	s.runExecution(ctx, tk, "exec-1", false, nil)

	stored, err := store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.TotalRuns)
	assert.Equal(t, int64(1), stored.SuccessRuns)
	assert.Equal(t, int64(0), stored.FailureRuns)
	assert.Equal(t, models.TaskStatusActive, stored.Status)
	require.NotNil(t, stored.NextRunTime)
	assert.Equal(t, now.Add(time.Hour), *stored.NextRunTime)
	require.NotNil(t, stored.LastSuccessTime)
	assert.Empty(t, stored.LastError)

	runs := store.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusSuccess, runs[0].Status)
	assert.Equal(t, "completed", runs[0].Result["status"])

	lock, err := store.ActiveLock(ctx, tk.ID)
	require.NoError(t, err)
	assert.Nil(t, lock, "lock must be released after the run")
}

func TestRunExecutionSkipsWhenLockHeld(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	var ran bool
	s := newTestScheduler(t, store, runnerFunc(
		func(context.Context, *models.ScheduledTask, bool, map[string]any) (map[string]any, error) {
			ran = true
			return nil, nil
		}), now)
	tk := seedTask(t, store)

	acquired, err := store.AcquireTaskLock(ctx, tk.ID, "other-exec")
	require.NoError(t, err)
	require.True(t, acquired)

	s.runExecution(ctx, tk, "exec-2", false, nil)

	assert.False(t, ran, "action must not run while the lock is held")
	assert.Empty(t, store.Runs(), "skipped runs leave no run record")

	stored, err := store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.TotalRuns)
}

func TestRunExecutionFailsClosedOnLockError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	store.AcquireTaskLockFn = func(context.Context, int64, string) (bool, error) {
		return false, errors.New("connection refused")
	}
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	var ran bool
	s := newTestScheduler(t, store, runnerFunc(
		func(context.Context, *models.ScheduledTask, bool, map[string]any) (map[string]any, error) {
			ran = true
			return nil, nil
		}), now)
	tk := seedTask(t, store)

	s.runExecution(ctx, tk, "exec-3", false, nil)

	assert.False(t, ran)
	assert.Empty(t, store.Runs())
}

func TestRunExecutionFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	s := newTestScheduler(t, store, runnerFunc(
		func(context.Context, *models.ScheduledTask, bool, map[string]any) (map[string]any, error) {
			return nil, errors.New("tape drive offline")
		}), now)
	tk := seedTask(t, store)

	s.runExecution(ctx, tk, "exec-4", false, nil)

	stored, err := store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.TotalRuns)
	assert.Equal(t, int64(1), stored.FailureRuns)
	assert.Equal(t, models.TaskStatusError, stored.Status)
	assert.Equal(t, "tape drive offline", stored.LastError)
	require.NotNil(t, stored.NextRunTime, "failed tasks keep their schedule")

	runs := store.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
	assert.Equal(t, "tape drive offline", runs[0].ErrorMessage)

	lock, err := store.ActiveLock(ctx, tk.ID)
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestTickDuringRunCompletion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	release := make(chan struct{})
	s := newTestScheduler(t, store, runnerFunc(
		func(context.Context, *models.ScheduledTask, bool, map[string]any) (map[string]any, error) {
			<-release
			return nil, nil
		}), now)

	tk := seedTask(t, store)
	past := now.Add(-time.Minute)
	tk.NextRunTime = &past
	require.NoError(t, store.UpdateTask(ctx, tk))
	require.NoError(t, s.reload(ctx))

	s.tick(ctx, now)

	// Keep ticking while the run completes. The completion must not write
	// through the entry the tick loop is reading.
	ticks := make(chan struct{})
	go func() {
		defer close(ticks)
		for i := 0; i < 500; i++ {
			s.tick(ctx, now)
		}
	}()
	close(release)
	<-ticks
	s.waitRunning()

	stored, err := store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.TotalRuns)
	assert.Equal(t, int64(1), stored.SuccessRuns)

	s.mu.Lock()
	entry := s.entries[tk.ID]
	s.mu.Unlock()
	require.NotNil(t, entry)
	require.NotNil(t, entry.NextRunTime)
	assert.Equal(t, now.Add(time.Hour), *entry.NextRunTime)
}

func TestManualRunKeepsCancellationHandle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	started := make(chan struct{})
	s := newTestScheduler(t, store, runnerFunc(
		func(ctx context.Context, _ *models.ScheduledTask, _ bool, _ map[string]any) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}), now)
	tk := seedTask(t, store)

	s.launch(ctx, tk, false, nil)
	<-started

	// The manual run skips on the held lock and must leave the in-flight
	// run's cancellation handle in place.
	require.NoError(t, s.RunTaskNow(ctx, tk.ID, nil))

	assert.True(t, s.cancelExecution(ctx, tk.ID),
		"the original run must still be cancellable")
	s.waitRunning()

	runs := store.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusCancelled, runs[0].Status)
}

func TestPanickedRunRecordsFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	s := newTestScheduler(t, store, runnerFunc(
		func(context.Context, *models.ScheduledTask, bool, map[string]any) (map[string]any, error) {
			panic("drive handle invalid")
		}), now)
	tk := seedTask(t, store)

	s.launch(ctx, tk, false, nil)
	s.waitRunning()

	runs := store.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].ErrorMessage, "panic: drive handle invalid")

	stored, err := store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusError, stored.Status)
	assert.Contains(t, stored.LastError, "panic")

	lock, err := store.ActiveLock(ctx, tk.ID)
	require.NoError(t, err)
	assert.Nil(t, lock, "lock released during unwinding")

	s.mu.Lock()
	_, inFlight := s.running[tk.ID]
	s.mu.Unlock()
	assert.False(t, inFlight)
}

func TestRollAverageFirstSample(t *testing.T) {
	t.Parallel()

	// The first sample seeds the mean instead of averaging against zero.
	assert.Equal(t, 12.0, rollAverage(0, 12.3))
	assert.Equal(t, 9.0, rollAverage(12, 6.4))
}

func TestAddTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(t, store, nil, now)

	tk := &models.ScheduledTask{
		TaskName:       "nightly",
		ScheduleType:   models.ScheduleDaily,
		ScheduleConfig: map[string]any{"time": "02:00"},
		ActionType:     models.ActionRetentionCheck,
		Enabled:        true,
	}
	require.NoError(t, s.AddTask(ctx, tk))
	require.NotNil(t, tk.NextRunTime)
	assert.Equal(t, time.Date(2025, 6, 16, 2, 0, 0, 0, time.UTC), *tk.NextRunTime)

	t.Run("duplicate name conflicts", func(t *testing.T) {
		dup := &models.ScheduledTask{
			TaskName:       "nightly",
			ScheduleType:   models.ScheduleDaily,
			ScheduleConfig: map[string]any{"time": "03:00"},
			ActionType:     models.ActionRetentionCheck,
		}
		assert.Error(t, s.AddTask(ctx, dup))
	})

	t.Run("invalid schedule rejected", func(t *testing.T) {
		bad := &models.ScheduledTask{
			TaskName:       "broken",
			ScheduleType:   models.ScheduleCron,
			ScheduleConfig: map[string]any{"expression": "bogus"},
			ActionType:     models.ActionRetentionCheck,
		}
		assert.Error(t, s.AddTask(ctx, bad))
	})
}

func TestUnlockAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(t, store, nil, now)
	tk := seedTask(t, store)

	acquired, err := store.AcquireTaskLock(ctx, tk.ID, "crashed-exec")
	require.NoError(t, err)
	require.True(t, acquired)

	tk.Status = models.TaskStatusRunning
	require.NoError(t, store.UpdateTask(ctx, tk))

	released, err := s.UnlockAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	stored, err := store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusActive, stored.Status)

	lock, err := store.ActiveLock(ctx, tk.ID)
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestTickFiresDueTasks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	fired := make(chan int64, 2)
	s := newTestScheduler(t, store, runnerFunc(
		func(_ context.Context, task *models.ScheduledTask, _ bool, _ map[string]any) (map[string]any, error) {
			fired <- task.ID
			return nil, nil
		}), now)

	due := seedTask(t, store)
	past := now.Add(-time.Minute)
	due.NextRunTime = &past
	require.NoError(t, store.UpdateTask(ctx, due))

	notYet := &models.ScheduledTask{
		TaskName:       "later",
		ScheduleType:   models.ScheduleInterval,
		ScheduleConfig: map[string]any{"interval": 1, "unit": "hours"},
		ActionType:     models.ActionCleanup,
		Status:         models.TaskStatusActive,
		Enabled:        true,
	}
	require.NoError(t, store.CreateTask(ctx, notYet))
	future := now.Add(time.Hour)
	notYet.NextRunTime = &future
	require.NoError(t, store.UpdateTask(ctx, notYet))

	require.NoError(t, s.reload(ctx))
	s.tick(ctx, now)
	s.waitRunning()

	select {
	case id := <-fired:
		assert.Equal(t, due.ID, id)
	default:
		t.Fatal("due task did not fire")
	}
	select {
	case id := <-fired:
		t.Fatalf("task %d fired before its time", id)
	default:
	}
}
