package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/tapevault/tapevault/internal/models"
)

// RecordRunStart implements persistence.RunStore.
func (s *Store) RecordRunStart(ctx context.Context, taskID int64, executionID string, startedAt time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_runs (execution_id, task_id, started_at, status)
		VALUES ($1, $2, $3, 'running')`,
		executionID, taskID, startedAt,
	)
	if err := classify(err); err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// RecordRunEnd implements persistence.RunStore.
func (s *Store) RecordRunEnd(ctx context.Context, executionID string, endedAt time.Time, status models.RunStatus, result map[string]any, errMessage string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE task_runs
		SET completed_at = $2, status = $3, result = $4, error_message = $5
		WHERE execution_id = $1`,
		executionID, endedAt, status, result, errMessage,
	)
	if err := classify(err); err != nil {
		return fmt.Errorf("record run end: %w", err)
	}
	return nil
}

// ListRuns implements persistence.RunStore.
func (s *Store) ListRuns(ctx context.Context, taskID int64, limit int) ([]*models.TaskRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, task_id, started_at, completed_at, status,
			result, error_message
		FROM task_runs WHERE task_id = $1
		ORDER BY started_at DESC LIMIT $2`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", classify(err))
	}
	defer rows.Close()

	var runs []*models.TaskRun
	for rows.Next() {
		var r models.TaskRun
		if err := rows.Scan(
			&r.ID, &r.ExecutionID, &r.TaskID, &r.StartedAt, &r.CompletedAt,
			&r.Status, &r.Result, &r.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan task run: %w", classify(err))
		}
		runs = append(runs, &r)
	}
	return runs, classify(rows.Err())
}
