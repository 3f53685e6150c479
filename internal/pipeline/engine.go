package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tapevault/tapevault/internal/config"
	"github.com/tapevault/tapevault/internal/logger"
	"github.com/tapevault/tapevault/internal/logger/tag"
	"github.com/tapevault/tapevault/internal/models"
	"github.com/tapevault/tapevault/internal/persistence"
)

// Engine runs backup executions end to end: scan, group, compress, stage.
// The tape mover picks staged archives up asynchronously.
type Engine struct {
	cfg   *config.Config
	store persistence.Store
	clock func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithClock overrides the time source. Used in tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine builds a pipeline engine over the given store.
func NewEngine(cfg *config.Config, store persistence.Store, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, store: store, clock: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives one execution record to completion. The record must already
// be persisted; progress counters and the scan handshake live in the store,
// so a re-run of a crashed execution resumes from its cursor state.
func (e *Engine) Run(ctx context.Context, exec *models.BackupTask) error {
	now := e.clock()

	setID, err := e.ensureSet(ctx, exec, now)
	if err != nil {
		return err
	}

	exec.Status = models.BackupStatusRunning
	exec.StartedAt = &now
	if err := e.store.UpdateBackupTask(ctx, exec); err != nil {
		return err
	}
	logger.Info(ctx, "Backup execution started",
		tag.BackupTaskID(exec.ID), tag.Task(exec.TaskName), tag.SetID(setID))

	scanStatus, err := e.store.GetScanStatus(ctx, exec.ID)
	if err != nil {
		return err
	}

	queue := newBatchQueue()
	g, gctx := errgroup.WithContext(ctx)
	if scanStatus != models.ScanCompleted {
		g.Go(func() error { return e.scan(gctx, exec, setID) })
	}
	g.Go(func() error { return e.prefetch(gctx, exec, setID, queue) })
	g.Go(func() error { return e.compress(gctx, exec, setID, queue) })

	if err := g.Wait(); err != nil {
		e.abort(ctx, exec, setID, err)
		return err
	}
	return e.finalize(ctx, exec, setID)
}

// ensureSet creates the backup set on first run and reuses it on resume.
func (e *Engine) ensureSet(ctx context.Context, exec *models.BackupTask, now time.Time) (string, error) {
	if exec.BackupSetID != nil && *exec.BackupSetID != "" {
		return *exec.BackupSetID, nil
	}

	setID := fmt.Sprintf("set_%s_%s",
		now.Format("20060102_150405"), uuid.NewString()[:8])
	set := &models.BackupSet{
		SetID:       setID,
		SetName:     exec.TaskName,
		BackupGroup: models.BackupGroupOf(now),
		Status:      models.SetStatusPending,
		BackupType:  exec.TaskType,
		BackupTime:  now,
	}
	if exec.RetentionDays > 0 {
		until := now.AddDate(0, 0, exec.RetentionDays)
		set.RetentionUntil = &until
		set.AutoDelete = true
	}
	if err := e.store.CreateBackupSet(ctx, set); err != nil {
		return "", err
	}

	exec.BackupSetID = &setID
	if err := e.store.UpdateBackupTask(ctx, exec); err != nil {
		return "", err
	}
	return setID, nil
}

// finalize closes out the set and the execution record after every group
// has been staged.
func (e *Engine) finalize(ctx context.Context, exec *models.BackupTask, setID string) error {
	// Re-read for the counters the group bookkeeping advanced.
	fresh, err := e.store.GetBackupTask(ctx, exec.ID)
	if err != nil {
		return err
	}

	set, err := e.store.GetBackupSet(ctx, setID)
	if err != nil {
		return err
	}
	set.TotalFiles = fresh.ProcessedFiles
	set.TotalBytes = fresh.ProcessedBytes
	set.CompressedBytes = fresh.CompressedBytes
	if set.TotalBytes > 0 {
		set.CompressionRatio = float64(set.CompressedBytes) / float64(set.TotalBytes)
	}
	set.Status = models.SetStatusActive
	if err := e.store.UpdateBackupSet(ctx, set); err != nil {
		return err
	}

	completedAt := e.clock()
	fresh.Status = models.BackupStatusCompleted
	fresh.CompletedAt = &completedAt
	fresh.OperationStage = models.StageFinalize
	if err := e.store.UpdateBackupTask(ctx, fresh); err != nil {
		return err
	}
	*exec = *fresh

	logger.Info(ctx, "Backup execution completed",
		tag.BackupTaskID(exec.ID), tag.SetID(setID),
		tag.Files(int(set.TotalFiles)), tag.Bytes(set.TotalBytes),
		tag.String("ratio", fmt.Sprintf("%.2f", set.CompressionRatio)))
	return nil
}

// abort records the failure or cancellation. Bookkeeping runs on a
// detached context; the run context is typically already dead here.
func (e *Engine) abort(ctx context.Context, exec *models.BackupTask, setID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	completedAt := e.clock()
	exec.CompletedAt = &completedAt

	if errors.Is(cause, context.Canceled) {
		exec.Status = models.BackupStatusCancelled
		logger.Info(ctx, "Backup execution cancelled",
			tag.BackupTaskID(exec.ID), tag.SetID(setID))
	} else {
		exec.Status = models.BackupStatusFailed
		exec.ErrorMessage = cause.Error()
		logger.Error(ctx, "Backup execution failed",
			tag.BackupTaskID(exec.ID), tag.SetID(setID), tag.Error(cause))

		if set, err := e.store.GetBackupSet(ctx, setID); err == nil {
			set.Status = models.SetStatusError
			if err := e.store.UpdateBackupSet(ctx, set); err != nil {
				logger.Error(ctx, "Failed to mark set errored",
					tag.SetID(setID), tag.Error(err))
			}
		}
	}

	if err := e.store.UpdateBackupTask(ctx, exec); err != nil {
		logger.Error(ctx, "Failed to record execution outcome",
			tag.BackupTaskID(exec.ID), tag.Error(err))
	}
}
