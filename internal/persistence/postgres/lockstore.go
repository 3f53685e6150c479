package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/models"
)

// AcquireTaskLock implements persistence.LockStore.
//
// The acquisition is a single INSERT guarded by the partial unique index on
// (task_id) WHERE is_active, so there is no check-then-insert race window.
// Errors fail closed: the lock is reported as not acquired.
func (s *Store) AcquireTaskLock(ctx context.Context, taskID int64, executionID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO task_locks (task_id, execution_id, locked_at, is_active)
		VALUES ($1, $2, now(), TRUE)
		ON CONFLICT (task_id) WHERE is_active DO NOTHING`,
		taskID, executionID,
	)
	if err := classify(err); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("acquire task lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseTaskLock implements persistence.LockStore.
func (s *Store) ReleaseTaskLock(ctx context.Context, taskID int64, executionID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE task_locks SET is_active = FALSE
		WHERE task_id = $1 AND execution_id = $2 AND is_active`,
		taskID, executionID,
	)
	if err := classify(err); err != nil {
		return fmt.Errorf("release task lock: %w", err)
	}
	return nil
}

// ReleaseLocksByTask implements persistence.LockStore.
func (s *Store) ReleaseLocksByTask(ctx context.Context, taskID int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE task_locks SET is_active = FALSE
		WHERE task_id = $1 AND is_active`, taskID)
	if err := classify(err); err != nil {
		return fmt.Errorf("release locks by task: %w", err)
	}
	return nil
}

// ReleaseAllLocks implements persistence.LockStore.
func (s *Store) ReleaseAllLocks(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE task_locks SET is_active = FALSE WHERE is_active`)
	if err := classify(err); err != nil {
		return 0, fmt.Errorf("release all locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ActiveLock implements persistence.LockStore.
func (s *Store) ActiveLock(ctx context.Context, taskID int64) (*models.TaskLock, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var lock models.TaskLock
	err := s.pool.QueryRow(ctx, `
		SELECT id, task_id, execution_id, locked_at, is_active
		FROM task_locks WHERE task_id = $1 AND is_active`, taskID,
	).Scan(&lock.ID, &lock.TaskID, &lock.ExecutionID, &lock.LockedAt, &lock.IsActive)
	if err := classify(err); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("query active lock: %w", err)
	}
	return &lock, nil
}
