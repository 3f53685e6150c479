package action

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/config"
	"github.com/tapevault/tapevault/internal/models"
	"github.com/tapevault/tapevault/internal/persistence/persistencetest"
	"github.com/tapevault/tapevault/internal/tape"
)

func seedSet(t *testing.T, store *persistencetest.Store, setID string, status models.SetStatus, retentionUntil *time.Time) {
	t.Helper()
	require.NoError(t, store.CreateBackupSet(context.Background(), &models.BackupSet{
		SetID:          setID,
		SetName:        setID,
		BackupGroup:    "2025-06",
		Status:         status,
		BackupType:     models.BackupFull,
		BackupTime:     time.Now(),
		RetentionUntil: retentionUntil,
	}))
}

func TestRetentionHandlerExpiresOverdueSets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(24 * time.Hour)
	seedSet(t, store, "set-old", models.SetStatusActive, &past)
	seedSet(t, store, "set-fresh", models.SetStatusActive, &future)
	seedSet(t, store, "set-forever", models.SetStatusActive, nil)

	result, err := NewRetentionHandler(store).Execute(ctx, nil, false, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result["expired_sets"])

	old, err := store.GetBackupSet(ctx, "set-old")
	require.NoError(t, err)
	assert.Equal(t, models.SetStatusExpired, old.Status)

	fresh, err := store.GetBackupSet(ctx, "set-fresh")
	require.NoError(t, err)
	assert.Equal(t, models.SetStatusActive, fresh.Status)

	forever, err := store.GetBackupSet(ctx, "set-forever")
	require.NoError(t, err)
	assert.Equal(t, models.SetStatusActive, forever.Status, "sets without retention never expire")
}

func TestHealthCheckHandlerReportsDrive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()

	mount := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(mount, ".tape_id"), []byte("TAPE_TEST01\n"), 0o644))
	devices := tape.NewDeviceCache(t.TempDir(), tape.NewDriveWriter(mount))

	result, err := NewHealthCheckHandler(store, devices).Execute(ctx, nil, false, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result["database"])
	assert.Equal(t, true, result["tape_available"])
	assert.Equal(t, "TAPE_TEST01", result["tape_id"])

	cached, err := devices.Load()
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "TAPE_TEST01", cached.TapeID)
}

func TestHealthCheckHandlerFailsOnDatabase(t *testing.T) {
	t.Parallel()

	store := persistencetest.New()
	store.PingFn = func(context.Context) error {
		return apperr.Transient(errors.New("connection refused"))
	}
	devices := tape.NewDeviceCache(t.TempDir(), tape.NewDriveWriter(t.TempDir()))

	_, err := NewHealthCheckHandler(store, devices).Execute(context.Background(), nil, false, nil)
	assert.ErrorIs(t, err, apperr.ErrTransientStore)
}

func TestCleanupHandlerRemovesColdWorkDirs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	cfg := &config.Config{CompressDir: t.TempDir()}

	old := time.Now().Add(-48 * time.Hour)
	mkWorkDir := func(setID string, modTime time.Time) string {
		dir := filepath.Join(cfg.CompressDir, "work", setID)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.Chtimes(dir, modTime, modTime))
		return dir
	}

	// Finished set, cold dir: removed.
	seedSet(t, store, "set-done", models.SetStatusActive, nil)
	doneDir := mkWorkDir("set-done", old)

	// Set record gone entirely: removed.
	goneDir := mkWorkDir("set-gone", old)

	// Still producing: kept even though cold.
	seedSet(t, store, "set-busy", models.SetStatusPending, nil)
	busyDir := mkWorkDir("set-busy", old)

	// Recent activity: kept.
	seedSet(t, store, "set-warm", models.SetStatusActive, nil)
	warmDir := mkWorkDir("set-warm", time.Now())

	result, err := NewCleanupHandler(cfg, store).Execute(ctx, nil, false, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result["removed_dirs"])

	assert.NoDirExists(t, doneDir)
	assert.NoDirExists(t, goneDir)
	assert.DirExists(t, busyDir)
	assert.DirExists(t, warmDir)
}

func TestRecoveryHandlerCopiesArchives(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()

	mount := t.TempDir()
	cfg := &config.Config{
		TapeDriveLetter: mount,
		RecoveryTempDir: t.TempDir(),
	}

	tapeID := "TAPE_202506"
	seedSet(t, store, "set-r1", models.SetStatusActive, nil)
	set, err := store.GetBackupSet(ctx, "set-r1")
	require.NoError(t, err)
	set.TapeID = &tapeID
	require.NoError(t, store.UpdateBackupSet(ctx, set))

	setDir := filepath.Join(mount, "set-r1")
	require.NoError(t, os.MkdirAll(setDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(setDir, "backup_set-r1_001.tar.zst"), []byte("payload"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(setDir, "backup_set-r1_002.tar.zst"), []byte("payload"), 0o644))

	task := &models.ScheduledTask{ActionType: models.ActionRecovery}
	result, err := NewRecoveryHandler(cfg, store).Execute(ctx, task, true, map[string]any{"set_id": "set-r1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result["archives"])
	assert.Equal(t, tapeID, result["tape_id"])

	recovered, err := os.ReadDir(filepath.Join(cfg.RecoveryTempDir, "set-r1"))
	require.NoError(t, err)
	assert.Len(t, recovered, 2)
}

func TestRecoveryHandlerRejectsUnwrittenSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	cfg := &config.Config{
		TapeDriveLetter: t.TempDir(),
		RecoveryTempDir: t.TempDir(),
	}

	seedSet(t, store, "set-r2", models.SetStatusActive, nil)

	task := &models.ScheduledTask{ActionType: models.ActionRecovery}
	_, err := NewRecoveryHandler(cfg, store).Execute(ctx, task, true, map[string]any{"set_id": "set-r2"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = NewRecoveryHandler(cfg, store).Execute(ctx, task, true, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation, "set_id is required")
}

func TestCustomHandlerDispatchesByName(t *testing.T) {
	t.Parallel()

	var gotOpts map[string]any
	h := NewCustomHandler(map[string]CustomFunc{
		"rescan": func(_ context.Context, opts map[string]any) (Result, error) {
			gotOpts = opts
			return Result{"status": "done"}, nil
		},
	})

	task := &models.ScheduledTask{
		ActionType:   models.ActionCustom,
		ActionConfig: map[string]any{"name": "rescan"},
	}
	result, err := h.Execute(context.Background(), task, true, map[string]any{"depth": 2})
	require.NoError(t, err)
	assert.Equal(t, "done", result["status"])
	assert.Equal(t, 2, gotOpts["depth"])

	task.ActionConfig = map[string]any{"name": "unknown"}
	_, err = h.Execute(context.Background(), task, true, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
