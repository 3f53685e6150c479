package pipeline

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tapevault/tapevault/internal/logger"
	"github.com/tapevault/tapevault/internal/logger/tag"
	"github.com/tapevault/tapevault/internal/models"
)

// insertBatchSize bounds one file-table insert.
const insertBatchSize = 500

// scan walks the execution's source paths and fills the file table. The
// prefetcher consumes concurrently; the scan-status handshake tells it when
// the table is complete.
func (e *Engine) scan(ctx context.Context, exec *models.BackupTask, setID string) error {
	if err := e.store.SetScanStatus(ctx, exec.ID, models.ScanScanning, nil); err != nil {
		return err
	}

	var (
		pending    []models.BackupFile
		totalFiles int64
		totalBytes int64
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := e.store.InsertBackupFiles(ctx, pending); err != nil {
			return err
		}
		pending = pending[:0]
		return nil
	}

	for _, root := range exec.SourcePaths {
		logger.Info(ctx, "Scanning source path",
			tag.BackupTaskID(exec.ID), tag.Dir(root))

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable entries are recorded in the log, not fatal.
				logger.Warn(ctx, "Skipping unreadable path",
					tag.File(path), tag.Error(err))
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if excluded(path, exec.ExcludePatterns) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				logger.Warn(ctx, "Skipping unstattable path",
					tag.File(path), tag.Error(err))
				return nil
			}
			mod := info.ModTime()

			fileType := models.FileTypeFile
			if info.Mode()&os.ModeSymlink != 0 {
				fileType = models.FileTypeSymlink
			}

			pending = append(pending, models.BackupFile{
				BackupSetID:   setID,
				FilePath:      path,
				FileName:      filepath.Base(path),
				DirectoryPath: filepath.Dir(path),
				FileType:      fileType,
				FileSize:      info.Size(),
				ModifiedTime:  &mod,
			})
			totalFiles++
			totalBytes += info.Size()

			if len(pending) >= insertBatchSize {
				return flush()
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if err := flush(); err != nil {
		return err
	}

	exec.TotalFiles = totalFiles
	exec.TotalBytes = totalBytes
	exec.OperationStage = models.StageCompress
	if err := e.store.UpdateBackupTask(ctx, exec); err != nil {
		return err
	}

	completedAt := e.clock()
	if err := e.store.SetScanStatus(ctx, exec.ID, models.ScanCompleted, &completedAt); err != nil {
		return err
	}
	logger.Info(ctx, "Scan completed",
		tag.BackupTaskID(exec.ID), tag.SetID(setID),
		tag.Files(int(totalFiles)), tag.Bytes(totalBytes))
	return nil
}

// excluded matches the path against the template's glob patterns. Patterns
// match either the base name or any path segment.
func excluded(path string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	base := filepath.Base(path)
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, path); ok {
			return true
		}
	}
	return false
}
