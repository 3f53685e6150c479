package pipeline

import (
	"context"
	"time"

	"github.com/tapevault/tapevault/internal/logger"
	"github.com/tapevault/tapevault/internal/logger/tag"
	"github.com/tapevault/tapevault/internal/models"
)

const (
	// queuePollInterval is how long the prefetcher idles when the hand-off
	// queue is full or no work is ready yet.
	queuePollInterval = time.Second
	// fetchErrorBackoff is the pause after a failed fetch.
	fetchErrorBackoff = 5 * time.Second
)

// prefetch is the producer stage. It pulls pending files after the cursor,
// packs them into bounded groups and hands batches to the compressor. It
// ends by sending an EOF batch once the scanner has finished and a full
// sweep confirms nothing is left pending.
func (e *Engine) prefetch(ctx context.Context, exec *models.BackupTask, setID string, out chan<- batch) error {
	var (
		cursor    int64
		lastSweep time.Time
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// The queue bounds read-ahead; poll instead of blocking so a slow
		// compressor never pins a fetched batch in limbo.
		if len(out) >= cap(out) {
			if err := sleep(ctx, queuePollInterval); err != nil {
				return err
			}
			continue
		}

		scanStatus, err := e.store.GetScanStatus(ctx, exec.ID)
		if err != nil {
			logger.Error(ctx, "Failed to read scan status",
				tag.BackupTaskID(exec.ID), tag.Error(err))
			if err := sleep(ctx, fetchErrorBackoff); err != nil {
				return err
			}
			continue
		}
		scanDone := scanStatus == models.ScanCompleted

		groups, newCursor, err := e.store.FetchPendingFilesGroupedBySize(
			ctx, setID, e.cfg.MaxFileSize, exec.ID, !scanDone, cursor)
		if err != nil {
			logger.Error(ctx, "Failed to fetch pending files",
				tag.SetID(setID), tag.Cursor(cursor), tag.Error(err))
			if err := sleep(ctx, fetchErrorBackoff); err != nil {
				return err
			}
			continue
		}

		if newCursor == 0 && cursor > 0 {
			// Pending rows resurfaced behind the cursor; start over.
			logger.Warn(ctx, "Pending files found behind cursor, restarting",
				tag.SetID(setID), tag.Cursor(cursor))
			cursor = 0
			continue
		}

		if len(groups) == 0 {
			if !scanDone {
				// The scanner has not caught up yet.
				if err := sleep(ctx, queuePollInterval); err != nil {
					return err
				}
				continue
			}

			// The incremental reads look drained. Confirm with a full count
			// before declaring the stream finished, but not on every idle
			// pass; the count is the expensive query.
			if since := e.clock().Sub(lastSweep); since < e.cfg.SweepInterval {
				if err := sleep(ctx, queuePollInterval); err != nil {
					return err
				}
				continue
			}
			lastSweep = e.clock()

			pending, err := e.store.CountPendingFiles(ctx, setID)
			if err != nil {
				logger.Error(ctx, "Pending sweep failed",
					tag.SetID(setID), tag.Error(err))
				if err := sleep(ctx, fetchErrorBackoff); err != nil {
					return err
				}
				continue
			}
			if pending > 0 {
				logger.Warn(ctx, "Sweep found files the cursor missed",
					tag.SetID(setID), tag.Files(int(pending)))
				cursor = 0
				continue
			}

			select {
			case out <- batch{EOF: true}:
			case <-ctx.Done():
				return ctx.Err()
			}
			logger.Info(ctx, "Prefetch complete", tag.SetID(setID), tag.Cursor(cursor))
			return nil
		}

		select {
		case out <- batch{Groups: groups, LastID: newCursor}:
		case <-ctx.Done():
			return ctx.Err()
		}
		cursor = newCursor

		logger.Debug(ctx, "Batch handed to compressor",
			tag.SetID(setID), tag.Groups(len(groups)), tag.Cursor(cursor))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
