package action

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/models"
	"github.com/tapevault/tapevault/internal/persistence"
	"github.com/tapevault/tapevault/internal/persistence/persistencetest"
)

type fakeRunner struct {
	ran []int64
	err error
}

func (f *fakeRunner) Run(_ context.Context, exec *models.BackupTask) error {
	f.ran = append(f.ran, exec.ID)
	if f.err != nil {
		return f.err
	}
	exec.Status = models.BackupStatusCompleted
	exec.TotalFiles = 10
	exec.ProcessedFiles = 10
	return nil
}

func seedTemplate(t *testing.T, store *persistencetest.Store) *models.BackupTask {
	t.Helper()
	tmpl := &models.BackupTask{
		TaskName:    "docs",
		TaskType:    models.BackupFull,
		IsTemplate:  true,
		SourcePaths: []string{"/data/docs"},
	}
	require.NoError(t, store.CreateBackupTask(context.Background(), tmpl))
	return tmpl
}

func scheduledFor(tmpl *models.BackupTask) *models.ScheduledTask {
	id := tmpl.ID
	return &models.ScheduledTask{
		ID:           1,
		TaskName:     "docs-nightly",
		ScheduleType: models.ScheduleDaily,
		ActionType:   models.ActionBackup,
		BackupTaskID: &id,
	}
}

func newHandler(store *persistencetest.Store, runner BackupRunner, now time.Time) *BackupHandler {
	h := NewBackupHandler(store, runner)
	h.clock = func() time.Time { return now }
	return h
}

func TestBackupExecuteCreatesAndRunsExecution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	tmpl := seedTemplate(t, store)
	now := time.Date(2025, 6, 15, 2, 0, 0, 0, time.UTC)

	runner := &fakeRunner{}
	h := newHandler(store, runner, now)

	result, err := h.Execute(ctx, scheduledFor(tmpl), false, nil)
	require.NoError(t, err)
	require.Len(t, runner.ran, 1)

	assert.Equal(t, string(models.BackupStatusCompleted), result["status"])
	assert.Equal(t, tmpl.ID, result["template_id"])
	assert.Equal(t, int64(10), result["total_files"])

	execs, err := store.ListBackupTasks(ctx, persistence.BackupTaskFilter{})
	require.NoError(t, err)
	require.Len(t, execs, 2, "template plus one execution")
	exec := execs[1]
	assert.False(t, exec.IsTemplate)
	require.NotNil(t, exec.TemplateID)
	assert.Equal(t, tmpl.ID, *exec.TemplateID)
	assert.Equal(t, "docs-20250615_020000", exec.TaskName)
}

func TestBackupExecuteRejectsNonTemplate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	tmpl := seedTemplate(t, store)

	exec := tmpl.NewExecution(time.Now())
	require.NoError(t, store.CreateBackupTask(ctx, exec))

	task := scheduledFor(tmpl)
	task.BackupTaskID = &exec.ID

	h := newHandler(store, &fakeRunner{}, time.Now())
	_, err := h.Execute(ctx, task, false, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestBackupExecuteSkipsWhileTemplateBusy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	tmpl := seedTemplate(t, store)
	now := time.Date(2025, 6, 15, 14, 0, 0, 0, time.UTC)

	running := tmpl.NewExecution(now.Add(-2 * time.Hour))
	running.Status = models.BackupStatusRunning
	started := now.Add(-2 * time.Hour)
	running.StartedAt = &started
	require.NoError(t, store.CreateBackupTask(ctx, running))

	task := scheduledFor(tmpl)
	lastRun := now.Add(-2 * time.Hour)
	task.LastRunTime = &lastRun

	runner := &fakeRunner{}
	h := newHandler(store, runner, now)

	result, err := h.Execute(ctx, task, false, nil)
	require.NoError(t, err)
	assert.Empty(t, runner.ran, "no new execution while one is running")
	assert.Equal(t, "skipped", result["status"])
	assert.Equal(t, "already ran today", result["reason"])
	assert.Equal(t, running.ID, result["running_task_id"])
}

func TestBackupExecuteProceedsPastStaleExecution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	tmpl := seedTemplate(t, store)
	now := time.Date(2025, 6, 15, 14, 0, 0, 0, time.UTC)

	crashed := tmpl.NewExecution(now.Add(-30 * time.Hour))
	crashed.Status = models.BackupStatusRunning
	started := now.Add(-30 * time.Hour)
	crashed.StartedAt = &started
	require.NoError(t, store.CreateBackupTask(ctx, crashed))

	runner := &fakeRunner{}
	h := newHandler(store, runner, now)

	result, err := h.Execute(ctx, scheduledFor(tmpl), false, nil)
	require.NoError(t, err)
	require.Len(t, runner.ran, 1, "a day-old running execution is treated as crashed")
	assert.Equal(t, string(models.BackupStatusCompleted), result["status"])
}

func TestBackupExecutePropagatesPipelineFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	tmpl := seedTemplate(t, store)

	runner := &fakeRunner{err: errors.New("compression failed")}
	h := newHandler(store, runner, time.Now())

	_, err := h.Execute(ctx, scheduledFor(tmpl), false, nil)
	assert.EqualError(t, err, "compression failed")
}

func TestDispatcherRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	task := &models.ScheduledTask{ActionType: models.ActionBackup}
	_, err := d.Run(context.Background(), task, false, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
