package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/config"
	"github.com/tapevault/tapevault/internal/models"
	"github.com/tapevault/tapevault/internal/persistence/persistencetest"
	"github.com/tapevault/tapevault/internal/scheduler"
	"github.com/tapevault/tapevault/internal/tape"
)

type noopRunner struct{}

func (noopRunner) Run(context.Context, *models.ScheduledTask, bool, map[string]any) (map[string]any, error) {
	return nil, nil
}

func testAPIConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DatabaseURL:  "postgres://localhost/test",
		CompressDir:  t.TempDir(),
		MaxFileSize:  1 << 30,
		Host:         "127.0.0.1",
		LogFormat:    "text",
		TickInterval: time.Minute,
	}
}

func newTestHandler(t *testing.T, store *persistencetest.Store, withScheduler bool) http.Handler {
	t.Helper()
	cfg := testAPIConfig(t)
	var sched *scheduler.Scheduler
	if withScheduler {
		sched = scheduler.New(cfg, store, noopRunner{})
	}
	devices := tape.NewDeviceCache(t.TempDir(), tape.NewDriveWriter(t.TempDir()))
	return New(cfg, store, sched, devices).routes(context.Background())
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	store := persistencetest.New()
	h := newTestHandler(t, store, false)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, "ok", body["status"])

	store.PingFn = func(context.Context) error {
		return apperr.Transient(errors.New("db down"))
	}
	rec = doJSON(t, h, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSchedulerRoutesRequireScheduler(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, persistencetest.New(), false)
	rec := doJSON(t, h, http.MethodGet, "/api/v1/scheduler/tasks/", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code,
		"API-only processes have no scheduler")
}

func TestScheduledTaskCRUD(t *testing.T) {
	t.Parallel()

	store := persistencetest.New()
	h := newTestHandler(t, store, true)

	// Create.
	rec := doJSON(t, h, http.MethodPost, "/api/v1/scheduler/tasks/", map[string]any{
		"task_name":       "health-every-hour",
		"schedule_type":   "interval",
		"schedule_config": map[string]any{"interval": 1, "unit": "hours"},
		"action_type":     "health_check",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created models.ScheduledTask
	decodeJSON(t, rec, &created)
	assert.NotZero(t, created.ID)
	assert.True(t, created.Enabled)
	assert.NotNil(t, created.NextRunTime)

	// Get.
	rec = doJSON(t, h, http.MethodGet, "/api/v1/scheduler/tasks/1/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Partial update keeps omitted fields.
	rec = doJSON(t, h, http.MethodPut, "/api/v1/scheduler/tasks/1/", map[string]any{
		"schedule_config": map[string]any{"interval": 2, "unit": "hours"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated models.ScheduledTask
	decodeJSON(t, rec, &updated)
	assert.Equal(t, "health-every-hour", updated.TaskName)
	assert.InEpsilon(t, 2.0, updated.ScheduleConfig["interval"], 0.01)

	// Disable, then enable.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/scheduler/tasks/1/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/api/v1/scheduler/tasks/1/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Delete.
	rec = doJSON(t, h, http.MethodDelete, "/api/v1/scheduler/tasks/1/", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/api/v1/scheduler/tasks/1/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTaskRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, persistencetest.New(), true)
	rec := doJSON(t, h, http.MethodPost, "/api/v1/scheduler/tasks/", map[string]any{
		"task_name":       "broken",
		"schedule_type":   "cron",
		"schedule_config": map[string]any{"expression": "not a cron"},
		"action_type":     "health_check",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunTaskNow(t *testing.T) {
	t.Parallel()

	store := persistencetest.New()
	h := newTestHandler(t, store, true)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/scheduler/tasks/", map[string]any{
		"task_name":       "manual-health",
		"schedule_type":   "daily",
		"schedule_config": map[string]any{"time": "03:00"},
		"action_type":     "health_check",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodPost, "/api/v1/scheduler/tasks/1/run", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/scheduler/tasks/99/run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackupTemplateCRUD(t *testing.T) {
	t.Parallel()

	store := persistencetest.New()
	h := newTestHandler(t, store, false)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/backup/tasks/", map[string]any{
		"task_name":      "docs",
		"task_type":      "full",
		"source_paths":   []string{"/data/docs"},
		"compression":    true,
		"retention_days": 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created models.BackupTask
	decodeJSON(t, rec, &created)
	assert.True(t, created.IsTemplate, "the API only creates templates")

	rec = doJSON(t, h, http.MethodGet, "/api/v1/backup/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var templates struct {
		Templates []models.BackupTask `json:"templates"`
	}
	decodeJSON(t, rec, &templates)
	require.Len(t, templates.Templates, 1)

	// Update merges over the stored template.
	rec = doJSON(t, h, http.MethodPut, "/api/v1/backup/tasks/1/", map[string]any{
		"retention_days": 90,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated models.BackupTask
	decodeJSON(t, rec, &updated)
	assert.Equal(t, 90, updated.RetentionDays)
	assert.Equal(t, "docs", updated.TaskName)

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/backup/tasks/1/", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBackupCreateRejectsInvalidTemplate(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, persistencetest.New(), false)
	rec := doJSON(t, h, http.MethodPost, "/api/v1/backup/tasks/", map[string]any{
		"task_name": "no-sources",
		"task_type": "full",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBackupUpdateRejectsExecutionRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	tmpl := &models.BackupTask{
		TaskName:    "docs",
		TaskType:    models.BackupFull,
		IsTemplate:  true,
		SourcePaths: []string{"/data/docs"},
	}
	require.NoError(t, store.CreateBackupTask(ctx, tmpl))
	exec := tmpl.NewExecution(time.Now())
	require.NoError(t, store.CreateBackupTask(ctx, exec))

	h := newTestHandler(t, store, false)
	rec := doJSON(t, h, http.MethodPut, "/api/v1/backup/tasks/2/", map[string]any{
		"retention_days": 5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelBackupTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	exec := &models.BackupTask{
		TaskName:    "docs-20250615_020000",
		TaskType:    models.BackupFull,
		SourcePaths: []string{"/data/docs"},
		Status:      models.BackupStatusRunning,
	}
	require.NoError(t, store.CreateBackupTask(ctx, exec))

	h := newTestHandler(t, store, false)
	rec := doJSON(t, h, http.MethodPut, "/api/v1/backup/tasks/1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var cancelled models.BackupTask
	decodeJSON(t, rec, &cancelled)
	assert.Equal(t, models.BackupStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	// A finished record cannot be cancelled again.
	rec = doJSON(t, h, http.MethodPut, "/api/v1/backup/tasks/1/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatisticsEndpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	require.NoError(t, store.CreateBackupTask(ctx, &models.BackupTask{
		TaskName:    "docs",
		TaskType:    models.BackupFull,
		IsTemplate:  true,
		SourcePaths: []string{"/data/docs"},
	}))
	require.NoError(t, store.CreateBackupSet(ctx, &models.BackupSet{
		SetID:       "set-1",
		SetName:     "docs-20250615",
		BackupGroup: "2025-06",
		Status:      models.SetStatusActive,
		BackupType:  models.BackupFull,
		BackupTime:  time.Now(),
		TotalFiles:  12,
		TotalBytes:  4096,
	}))

	h := newTestHandler(t, store, false)
	rec := doJSON(t, h, http.MethodGet, "/api/v1/backup/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Statistics      map[string]any `json:"statistics"`
		TotalBytesHuman string         `json:"total_bytes_human"`
	}
	decodeJSON(t, rec, &body)
	assert.EqualValues(t, 1, body.Statistics["total_templates"])
	assert.EqualValues(t, 1, body.Statistics["total_sets"])
	assert.EqualValues(t, 12, body.Statistics["total_files"])
	assert.Equal(t, "4.0 KiB", body.TotalBytesHuman)
}

func TestDevicesEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, persistencetest.New(), false)
	rec := doJSON(t, h, http.MethodGet, "/api/v1/tape/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Devices []tape.Device `json:"devices"`
	}
	decodeJSON(t, rec, &body)
	assert.Empty(t, body.Devices, "no scan has happened yet")
}

func TestCartridgesEndpoint(t *testing.T) {
	t.Parallel()

	store := persistencetest.New()
	store.SeedTapeCartridge(models.TapeCartridge{
		TapeID:        "TAPE_202506",
		Label:         "June full backups",
		Status:        models.TapeStatusInUse,
		CapacityBytes: 12_000_000_000_000,
		UsedBytes:     3_500_000_000_000,
		BackupGroup:   "2025-06",
		HealthScore:   98,
	})

	h := newTestHandler(t, store, false)
	rec := doJSON(t, h, http.MethodGet, "/api/v1/tape/cartridges", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Cartridges []models.TapeCartridge `json:"cartridges"`
	}
	decodeJSON(t, rec, &body)
	require.Len(t, body.Cartridges, 1)
	assert.Equal(t, "TAPE_202506", body.Cartridges[0].TapeID)
	assert.Equal(t, models.TapeStatusInUse, body.Cartridges[0].Status)
}
