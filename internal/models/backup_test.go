package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapevault/tapevault/internal/apperr"
)

func TestValidateTemplate(t *testing.T) {
	t.Parallel()

	valid := func() *BackupTask {
		return &BackupTask{
			TaskName:    "docs",
			TaskType:    BackupFull,
			IsTemplate:  true,
			SourcePaths: []string{"/data/docs"},
		}
	}

	require.NoError(t, valid().ValidateTemplate())

	noName := valid()
	noName.TaskName = ""
	assert.ErrorIs(t, noName.ValidateTemplate(), apperr.ErrValidation)

	badType := valid()
	badType.TaskType = "snapshot"
	assert.ErrorIs(t, badType.ValidateTemplate(), apperr.ErrValidation)

	noSources := valid()
	noSources.SourcePaths = nil
	assert.ErrorIs(t, noSources.ValidateTemplate(), apperr.ErrValidation)

	negRetention := valid()
	negRetention.RetentionDays = -1
	assert.ErrorIs(t, negRetention.ValidateTemplate(), apperr.ErrValidation)
}

func TestNewExecution(t *testing.T) {
	t.Parallel()

	tmpl := &BackupTask{
		ID:              42,
		TaskName:        "docs",
		TaskType:        BackupMonthlyFull,
		IsTemplate:      true,
		SourcePaths:     []string{"/data/docs", "/data/media"},
		ExcludePatterns: []string{"*.tmp"},
		Compression:     true,
		CompressFormat:  "tar.zst",
		RetentionDays:   90,
	}
	now := time.Date(2025, 6, 15, 2, 30, 0, 0, time.UTC)

	exec := tmpl.NewExecution(now)
	assert.Equal(t, "docs-20250615_023000", exec.TaskName)
	assert.False(t, exec.IsTemplate)
	require.NotNil(t, exec.TemplateID)
	assert.Equal(t, int64(42), *exec.TemplateID)
	assert.Equal(t, BackupStatusPending, exec.Status)
	assert.Equal(t, ScanPending, exec.ScanStatus)
	assert.Equal(t, StageScan, exec.OperationStage)
	assert.Equal(t, tmpl.SourcePaths, exec.SourcePaths)

	// The execution owns its slices.
	exec.SourcePaths[0] = "/changed"
	assert.Equal(t, "/data/docs", tmpl.SourcePaths[0])
}

func TestFileGroupHelpers(t *testing.T) {
	t.Parallel()

	g := FileGroup{
		{FilePath: "/a", FileSize: 10},
		{FilePath: "/b", FileSize: 25},
	}
	assert.Equal(t, int64(35), g.TotalSize())
	assert.Equal(t, []string{"/a", "/b"}, g.Paths())
}

func TestBackupGroupOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "2025-06", BackupGroupOf(time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2025-12", BackupGroupOf(time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)))
}
