package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapevault/tapevault/internal/models"
	"github.com/tapevault/tapevault/internal/persistence/persistencetest"
)

func writeSourceFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCompressGroupStagesArchive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	exec := seedExecution(t, store, "set-c1")

	srcDir := t.TempDir()
	pathA := writeSourceFile(t, srcDir, "a.txt", "alpha contents")
	pathB := writeSourceFile(t, srcDir, "b.txt", "bravo contents")
	insertFiles := []models.BackupFile{
		{BackupSetID: "set-c1", FilePath: pathA, FileName: "a.txt", FileType: models.FileTypeFile, FileSize: 14},
		{BackupSetID: "set-c1", FilePath: pathB, FileName: "b.txt", FileType: models.FileTypeFile, FileSize: 14},
	}
	require.NoError(t, store.InsertBackupFiles(ctx, insertFiles))
	files, err := store.ListBackupFiles(ctx, "set-c1", 0)
	require.NoError(t, err)

	group := models.FileGroup{*files[0], *files[1]}
	cfg := testEngineConfig(t, 1<<20)
	e := NewEngine(cfg, store)

	codec, ext, err := archiveCodec("tar.gz")
	require.NoError(t, err)
	require.NoError(t, e.compressGroup(ctx, exec, "set-c1", group, 1, codec, ext))

	// The archive lands in final/, not work/.
	finalEntries, err := os.ReadDir(cfg.FinalDir("set-c1"))
	require.NoError(t, err)
	require.Len(t, finalEntries, 1)
	assert.Contains(t, finalEntries[0].Name(), "backup_set-c1_")
	assert.Contains(t, finalEntries[0].Name(), "_001.tar.gz")

	info, err := finalEntries[0].Info()
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	workEntries, _ := os.ReadDir(cfg.WorkDir("set-c1"))
	assert.Empty(t, workEntries, "work dir must not keep finished archives")

	// Group bookkeeping: files marked with their chunk, counters advanced.
	stored, err := store.ListBackupFiles(ctx, "set-c1", 0)
	require.NoError(t, err)
	for _, f := range stored {
		require.NotNil(t, f.IsCopySuccess)
		assert.True(t, *f.IsCopySuccess)
		require.NotNil(t, f.ChunkNumber)
		assert.Equal(t, 1, *f.ChunkNumber)
	}

	freshExec, err := store.GetBackupTask(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), freshExec.ProcessedFiles)
	assert.Equal(t, int64(28), freshExec.ProcessedBytes)
	assert.Equal(t, info.Size(), freshExec.CompressedBytes)
}

func TestCompressGroupMissingSourceFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistencetest.New()
	exec := seedExecution(t, store, "set-c2")

	group := models.FileGroup{{
		BackupSetID: "set-c2",
		FilePath:    filepath.Join(t.TempDir(), "vanished.txt"),
		FileType:    models.FileTypeFile,
		FileSize:    10,
	}}
	e := NewEngine(testEngineConfig(t, 1<<20), store)

	codec, ext, err := archiveCodec("tar")
	require.NoError(t, err)
	assert.Error(t, e.compressGroup(ctx, exec, "set-c2", group, 1, codec, ext))
}

func TestArchiveCodec(t *testing.T) {
	t.Parallel()

	for format, wantExt := range map[string]string{
		"":       "tar.zst",
		"zstd":   "tar.zst",
		"tar.gz": "tar.gz",
		"gzip":   "tar.gz",
		"tar":    "tar",
	} {
		_, ext, err := archiveCodec(format)
		require.NoError(t, err, "format %q", format)
		assert.Equal(t, wantExt, ext, "format %q", format)
	}

	_, _, err := archiveCodec("7z")
	assert.Error(t, err, "7z archives are read-only")
}

func TestArchiveMemberName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "data/reports/q1.pdf", archiveMemberName("/data/reports/q1.pdf"))
	assert.Equal(t, "relative/path.txt", archiveMemberName("relative/path.txt"))
}
