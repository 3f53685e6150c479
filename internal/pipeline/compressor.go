package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/mholt/archives"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/backoff"
	"github.com/tapevault/tapevault/internal/logger"
	"github.com/tapevault/tapevault/internal/logger/tag"
	"github.com/tapevault/tapevault/internal/models"
	"github.com/tapevault/tapevault/internal/persistence"
)

// compressAttempts is the total number of tries per archive.
const compressAttempts = 3

// compress is the consumer stage. Each group becomes one archive, written
// under work/ and renamed into final/ only once verified, so the tape mover
// never sees a partial file.
func (e *Engine) compress(ctx context.Context, exec *models.BackupTask, setID string, in <-chan batch) error {
	codec, ext, err := archiveCodec(exec.CompressFormat)
	if err != nil {
		return err
	}

	chunk := 0
	for {
		var b batch
		select {
		case b = <-in:
		case <-ctx.Done():
			return ctx.Err()
		}
		if b.EOF {
			logger.Info(ctx, "Compression complete",
				tag.SetID(setID), tag.Chunk(chunk))
			return nil
		}

		// A cancel request from the API lands on the execution record;
		// honor it at the batch boundary.
		if fresh, err := e.store.GetBackupTask(ctx, exec.ID); err == nil &&
			fresh.Status == models.BackupStatusCancelled {
			return fmt.Errorf("execution %d cancelled: %w", exec.ID, context.Canceled)
		}

		for _, group := range b.Groups {
			chunk++
			if err := e.compressGroup(ctx, exec, setID, group, chunk, codec, ext); err != nil {
				return fmt.Errorf("compress chunk %d: %w", chunk, err)
			}
		}
	}
}

// compressGroup archives one group and records its completion. The archive
// step retries in place; the completed-group bookkeeping retries only on
// transient store errors.
func (e *Engine) compressGroup(ctx context.Context, exec *models.BackupTask, setID string, group models.FileGroup, chunk int, codec archives.Archiver, ext string) error {
	start := e.clock()

	fileMap := make(map[string]string, len(group))
	for _, f := range group {
		fileMap[f.FilePath] = archiveMemberName(f.FilePath)
	}
	files, err := archives.FilesFromDisk(ctx, nil, fileMap)
	if err != nil {
		return fmt.Errorf("collect group files: %w", err)
	}

	workDir := e.cfg.WorkDir(setID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("backup_%s_%s_%03d.%s",
		setID, start.Format("20060102_150405"), chunk, ext)
	workPath := filepath.Join(workDir, name)

	policy := &backoff.ConstantBackoffPolicy{
		Interval:   2 * time.Second,
		MaxRetries: compressAttempts - 1,
	}
	attempt := 0
	err = backoff.Retry(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			logger.Warn(ctx, "Retrying archive",
				tag.Archive(name), tag.Attempt(attempt))
		}
		return writeArchive(ctx, codec, files, workPath)
	}, policy, nil)
	if err != nil {
		return err
	}

	info, err := os.Stat(workPath)
	if err != nil {
		return fmt.Errorf("stat finished archive: %w", err)
	}

	finalDir := e.cfg.FinalDir(setID)
	if err := os.MkdirAll(finalDir, 0o755); err != nil {
		return err
	}
	finalPath := filepath.Join(finalDir, name)
	if err := os.Rename(workPath, finalPath); err != nil {
		return fmt.Errorf("move archive to final: %w", err)
	}

	err = backoff.Retry(ctx, func(ctx context.Context) error {
		return e.store.CompleteGroup(ctx, persistence.CompleteGroupParams{
			BackupTaskID: exec.ID,
			SetID:        setID,
			Paths:        group.Paths(),
			ChunkNumber:  chunk,
			GroupBytes:   group.TotalSize(),
			ArchiveBytes: info.Size(),
		})
	}, backoff.NewConstantBackoffPolicy(time.Second), apperr.IsRetriable)
	if err != nil {
		return fmt.Errorf("record completed group: %w", err)
	}

	logger.Info(ctx, "Archive staged",
		tag.Archive(name), tag.SetID(setID), tag.Chunk(chunk),
		tag.Files(len(group)),
		tag.String("size", humanize.IBytes(uint64(info.Size()))),
		tag.Elapsed(time.Since(start)))
	return nil
}

// writeArchive creates the archive file for one attempt. A failed attempt
// leaves nothing behind.
func writeArchive(ctx context.Context, codec archives.Archiver, files []archives.FileInfo, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := codec.Archive(ctx, out, files); err != nil {
		out.Close()
		os.Remove(path)
		return fmt.Errorf("write archive: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		os.Remove(path)
		return fmt.Errorf("archive %s came out empty", filepath.Base(path))
	}
	return nil
}

// archiveCodec maps the template's compress format to a writer and file
// extension. Zstandard is the default; 7z archives can be restored but not
// produced, so templates asking for it are rejected at run time.
func archiveCodec(format string) (archives.Archiver, string, error) {
	switch strings.ToLower(format) {
	case "", "zst", "zstd", "tar.zst":
		codec := archives.CompressedArchive{
			Compression: archives.Zstd{
				EncoderOptions: []zstd.EOption{
					zstd.WithEncoderLevel(zstd.SpeedDefault),
				},
			},
			Archival: archives.Tar{},
		}
		return codec, "tar.zst", nil
	case "gz", "gzip", "tar.gz":
		codec := archives.CompressedArchive{
			Compression: archives.Gz{},
			Archival:    archives.Tar{},
		}
		return codec, "tar.gz", nil
	case "tar", "none":
		return archives.Tar{}, "tar", nil
	default:
		return nil, "", apperr.Validationf("unsupported compress_format %q", format)
	}
}

// archiveMemberName converts an absolute path to the member path stored in
// the archive: forward slashes, no volume, no leading slash.
func archiveMemberName(path string) string {
	name := strings.TrimPrefix(path, filepath.VolumeName(path))
	name = filepath.ToSlash(name)
	return strings.TrimPrefix(name, "/")
}
