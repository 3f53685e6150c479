package action

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/config"
	"github.com/tapevault/tapevault/internal/logger"
	"github.com/tapevault/tapevault/internal/logger/tag"
	"github.com/tapevault/tapevault/internal/models"
	"github.com/tapevault/tapevault/internal/persistence"
	"github.com/tapevault/tapevault/internal/tape"
)

// NewRetentionHandler expires backup sets whose retention window has
// passed.
func NewRetentionHandler(store persistence.Store) Handler {
	return HandlerFunc(func(ctx context.Context, _ *models.ScheduledTask, _ bool, _ map[string]any) (Result, error) {
		expired, err := store.ExpireBackupSets(ctx, time.Now())
		if err != nil {
			return nil, err
		}
		if expired > 0 {
			logger.Info(ctx, "Expired backup sets", tag.Groups(int(expired)))
		}
		return Result{"expired_sets": expired}, nil
	})
}

// NewHealthCheckHandler pings the store and refreshes the device cache.
func NewHealthCheckHandler(store persistence.Store, devices *tape.DeviceCache) Handler {
	return HandlerFunc(func(ctx context.Context, _ *models.ScheduledTask, _ bool, _ map[string]any) (Result, error) {
		if err := store.Ping(ctx); err != nil {
			return nil, err
		}
		dev, err := devices.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		return Result{
			"database":       "ok",
			"tape_available": dev.Available,
			"tape_id":        dev.TapeID,
		}, nil
	})
}

// staleWorkDirAge is how old an abandoned work directory must be before
// cleanup removes it.
const staleWorkDirAge = 24 * time.Hour

// NewCleanupHandler removes staging leftovers: work directories whose set
// is finished or gone, once they have gone cold.
func NewCleanupHandler(cfg *config.Config, store persistence.Store) Handler {
	return HandlerFunc(func(ctx context.Context, _ *models.ScheduledTask, _ bool, _ map[string]any) (Result, error) {
		workRoot := filepath.Join(cfg.CompressDir, "work")
		entries, err := os.ReadDir(workRoot)
		if os.IsNotExist(err) {
			return Result{"removed_dirs": 0}, nil
		}
		if err != nil {
			return nil, err
		}

		var removed int64
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil || time.Since(info.ModTime()) < staleWorkDirAge {
				continue
			}

			setID := entry.Name()
			set, err := store.GetBackupSet(ctx, setID)
			if err != nil && !errors.Is(err, apperr.ErrNotFound) {
				return nil, err
			}
			if set != nil && set.Status == models.SetStatusPending {
				// Still being produced; a crashed run may resume it.
				continue
			}

			dir := filepath.Join(workRoot, setID)
			if err := os.RemoveAll(dir); err != nil {
				logger.Warn(ctx, "Failed to remove stale work directory",
					tag.Dir(dir), tag.Error(err))
				continue
			}
			removed++
			logger.Info(ctx, "Removed stale work directory",
				tag.Dir(dir), tag.SetID(setID))
		}
		return Result{"removed_dirs": removed}, nil
	})
}

// NewRecoveryHandler copies a set's archives from the tape mount into the
// recovery staging directory for manual restore.
func NewRecoveryHandler(cfg *config.Config, store persistence.Store) Handler {
	return HandlerFunc(func(ctx context.Context, task *models.ScheduledTask, _ bool, opts map[string]any) (Result, error) {
		setID := optionString(opts, task.ActionConfig, "set_id")
		if setID == "" {
			return nil, apperr.Validationf("recovery requires set_id")
		}
		if cfg.RecoveryTempDir == "" {
			return nil, apperr.Validationf("RECOVERY_TEMP_DIR is not configured")
		}

		set, err := store.GetBackupSet(ctx, setID)
		if err != nil {
			return nil, err
		}
		if set.TapeID == nil {
			return nil, apperr.Validationf("set %q has not been written to tape", setID)
		}

		srcDir := filepath.Join(tape.MountPath(cfg.TapeDriveLetter), setID)
		destDir := filepath.Join(cfg.RecoveryTempDir, setID)
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return nil, err
		}

		entries, err := os.ReadDir(srcDir)
		if err != nil {
			return nil, apperr.Validationf("set %q not readable on tape %s: %v",
				setID, *set.TapeID, err)
		}

		var copied int64
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			src := filepath.Join(srcDir, entry.Name())
			dest := filepath.Join(destDir, entry.Name())
			if err := copyFile(src, dest); err != nil {
				return nil, err
			}
			copied++
			logger.Info(ctx, "Recovered archive from tape",
				tag.Archive(entry.Name()), tag.SetID(setID),
				tag.Tape(*set.TapeID))
		}
		return Result{
			"set_id":       setID,
			"tape_id":      *set.TapeID,
			"archives":     copied,
			"recovery_dir": destDir,
		}, nil
	})
}

// optionString reads a string option from the manual-run options, falling
// back to the task's action config.
func optionString(opts, cfg map[string]any, key string) string {
	if v, ok := opts[key].(string); ok && v != "" {
		return v
	}
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}
