package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/models"
	"github.com/tapevault/tapevault/internal/persistence"
)

const backupTaskColumns = `
	id, task_name, task_type, is_template, template_id, source_paths,
	exclude_patterns, compression, compress_format, encryption,
	retention_days, tape_device, status, total_files, processed_files,
	total_bytes::TEXT, processed_bytes, compressed_bytes, scan_status,
	scan_completed_at, operation_stage, started_at, completed_at,
	error_message, backup_set_id, tape_id, created_at, updated_at`

func scanBackupTask(row pgx.Row) (*models.BackupTask, error) {
	var (
		t          models.BackupTask
		totalBytes string
	)
	err := row.Scan(
		&t.ID, &t.TaskName, &t.TaskType, &t.IsTemplate, &t.TemplateID,
		&t.SourcePaths, &t.ExcludePatterns, &t.Compression, &t.CompressFormat,
		&t.Encryption, &t.RetentionDays, &t.TapeDevice, &t.Status,
		&t.TotalFiles, &t.ProcessedFiles, &totalBytes, &t.ProcessedBytes,
		&t.CompressedBytes, &t.ScanStatus, &t.ScanCompletedAt,
		&t.OperationStage, &t.StartedAt, &t.CompletedAt, &t.ErrorMessage,
		&t.BackupSetID, &t.TapeID, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	// The column is NUMERIC; values beyond int64 saturate rather than fail.
	if n, err := strconv.ParseInt(totalBytes, 10, 64); err == nil {
		t.TotalBytes = n
	} else {
		t.TotalBytes = 1<<63 - 1
	}
	return &t, nil
}

// CreateBackupTask implements persistence.BackupStore.
func (s *Store) CreateBackupTask(ctx context.Context, task *models.BackupTask) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if task.SourcePaths == nil {
		task.SourcePaths = []string{}
	}
	if task.ExcludePatterns == nil {
		task.ExcludePatterns = []string{}
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO backup_tasks (
			task_name, task_type, is_template, template_id, source_paths,
			exclude_patterns, compression, compress_format, encryption,
			retention_days, tape_device, status, scan_status, operation_stage
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`,
		task.TaskName, task.TaskType, task.IsTemplate, task.TemplateID,
		task.SourcePaths, task.ExcludePatterns, task.Compression,
		task.CompressFormat, task.Encryption, task.RetentionDays,
		task.TapeDevice, task.Status, task.ScanStatus, task.OperationStage,
	).Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
	if err := classify(err); err != nil {
		return fmt.Errorf("create backup task: %w", err)
	}
	return nil
}

// GetBackupTask implements persistence.BackupStore.
func (s *Store) GetBackupTask(ctx context.Context, id int64) (*models.BackupTask, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	task, err := scanBackupTask(s.pool.QueryRow(ctx,
		`SELECT `+backupTaskColumns+` FROM backup_tasks WHERE id = $1`, id))
	if err := classify(err); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFoundf("backup task %d", id)
		}
		return nil, fmt.Errorf("get backup task: %w", err)
	}
	return task, nil
}

// ListBackupTasks implements persistence.BackupStore.
func (s *Store) ListBackupTasks(ctx context.Context, filter persistence.BackupTaskFilter) ([]*models.BackupTask, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	where := "WHERE TRUE"
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filter.TemplatesOnly {
		where += " AND is_template"
	}
	if filter.Status != "" {
		where += " AND status = " + arg(filter.Status)
	}
	if filter.Type != "" {
		where += " AND task_type = " + arg(filter.Type)
	}
	if filter.Name != "" {
		where += " AND task_name ILIKE " + arg("%"+filter.Name+"%")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+backupTaskColumns+` FROM backup_tasks `+where+
			` ORDER BY id DESC LIMIT `+arg(limit), args...)
	if err != nil {
		return nil, fmt.Errorf("list backup tasks: %w", classify(err))
	}
	defer rows.Close()

	var tasks []*models.BackupTask
	for rows.Next() {
		task, err := scanBackupTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup task: %w", classify(err))
		}
		tasks = append(tasks, task)
	}
	return tasks, classify(rows.Err())
}

// UpdateBackupTask implements persistence.BackupStore.
func (s *Store) UpdateBackupTask(ctx context.Context, task *models.BackupTask) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE backup_tasks SET
			task_name = $2, task_type = $3, source_paths = $4,
			exclude_patterns = $5, compression = $6, compress_format = $7,
			encryption = $8, retention_days = $9, tape_device = $10,
			status = $11, total_files = $12, processed_files = $13,
			total_bytes = $14, processed_bytes = $15, compressed_bytes = $16,
			scan_status = $17, scan_completed_at = $18, operation_stage = $19,
			started_at = $20, completed_at = $21, error_message = $22,
			backup_set_id = $23, tape_id = $24, updated_at = now()
		WHERE id = $1`,
		task.ID, task.TaskName, task.TaskType, task.SourcePaths,
		task.ExcludePatterns, task.Compression, task.CompressFormat,
		task.Encryption, task.RetentionDays, task.TapeDevice, task.Status,
		task.TotalFiles, task.ProcessedFiles, task.TotalBytes,
		task.ProcessedBytes, task.CompressedBytes, task.ScanStatus,
		task.ScanCompletedAt, task.OperationStage, task.StartedAt,
		task.CompletedAt, task.ErrorMessage, task.BackupSetID, task.TapeID,
	)
	if err := classify(err); err != nil {
		return fmt.Errorf("update backup task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("backup task %d", task.ID)
	}
	return nil
}

// DeleteBackupTaskCascade implements persistence.BackupStore.
func (s *Store) DeleteBackupTaskCascade(ctx context.Context, id int64) error {
	return s.tx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			DELETE FROM backup_files WHERE backup_set_id IN (
				SELECT set_id FROM backup_sets WHERE set_id IN (
					SELECT backup_set_id FROM backup_tasks
					WHERE (id = $1 OR template_id = $1) AND backup_set_id IS NOT NULL
				)
			)`, id)
		if err != nil {
			return fmt.Errorf("delete backup files: %w", err)
		}
		_, err = tx.Exec(ctx, `
			DELETE FROM backup_sets WHERE set_id IN (
				SELECT backup_set_id FROM backup_tasks
				WHERE (id = $1 OR template_id = $1) AND backup_set_id IS NOT NULL
			)`, id)
		if err != nil {
			return fmt.Errorf("delete backup sets: %w", err)
		}
		_, err = tx.Exec(ctx, `DELETE FROM backup_tasks WHERE template_id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete backup executions: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM backup_tasks WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete backup task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFoundf("backup task %d", id)
		}
		return nil
	})
}

// FindRunningExecution implements persistence.BackupStore.
func (s *Store) FindRunningExecution(ctx context.Context, templateID int64) (*models.BackupTask, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	task, err := scanBackupTask(s.pool.QueryRow(ctx,
		`SELECT `+backupTaskColumns+` FROM backup_tasks
		WHERE template_id = $1 AND NOT is_template AND status = 'running'
		ORDER BY id DESC LIMIT 1`, templateID))
	if err := classify(err); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find running execution: %w", err)
	}
	return task, nil
}

// Statistics implements persistence.BackupStore.
//
// Aggregates use CASE rather than FILTER so the statements stay portable
// across SQL dialects.
func (s *Store) Statistics(ctx context.Context) (*persistence.BackupStatistics, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var stats persistence.BackupStatistics
	err := s.pool.QueryRow(ctx, `
		SELECT
			SUM(CASE WHEN NOT is_template THEN 1 ELSE 0 END),
			SUM(CASE WHEN NOT is_template AND status = 'running' THEN 1 ELSE 0 END),
			SUM(CASE WHEN NOT is_template AND status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN NOT is_template AND status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN is_template THEN 1 ELSE 0 END)
		FROM backup_tasks`,
	).Scan(
		&stats.TotalExecutions, &stats.RunningExecutions,
		&stats.CompletedExecutions, &stats.FailedExecutions,
		&stats.TotalTemplates,
	)
	if err := classify(err); err != nil {
		return nil, fmt.Errorf("backup task statistics: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_files), 0),
			COALESCE(SUM(total_bytes), 0), COALESCE(SUM(compressed_bytes), 0)
		FROM backup_sets`,
	).Scan(&stats.TotalSets, &stats.TotalFiles, &stats.TotalBytes, &stats.CompressedBytes)
	if err := classify(err); err != nil {
		return nil, fmt.Errorf("backup set statistics: %w", err)
	}
	if stats.TotalBytes > 0 {
		stats.CompressionRatio = float64(stats.CompressedBytes) / float64(stats.TotalBytes)
	}
	return &stats, nil
}

// CreateBackupSet implements persistence.BackupStore.
func (s *Store) CreateBackupSet(ctx context.Context, set *models.BackupSet) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.pool.QueryRow(ctx, `
		INSERT INTO backup_sets (
			set_id, set_name, backup_group, status, tape_id, backup_type,
			backup_time, total_files, total_bytes, compressed_bytes,
			compression_ratio, retention_until, auto_delete
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		set.SetID, set.SetName, set.BackupGroup, set.Status, set.TapeID,
		set.BackupType, set.BackupTime, set.TotalFiles, set.TotalBytes,
		set.CompressedBytes, set.CompressionRatio, set.RetentionUntil,
		set.AutoDelete,
	).Scan(&set.ID)
	if err := classify(err); err != nil {
		return fmt.Errorf("create backup set: %w", err)
	}
	return nil
}

// GetBackupSet implements persistence.BackupStore.
func (s *Store) GetBackupSet(ctx context.Context, setID string) (*models.BackupSet, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var set models.BackupSet
	err := s.pool.QueryRow(ctx, `
		SELECT id, set_id, set_name, backup_group, status, tape_id,
			backup_type, backup_time, total_files, total_bytes,
			compressed_bytes, compression_ratio, retention_until, auto_delete
		FROM backup_sets WHERE set_id = $1`, setID,
	).Scan(
		&set.ID, &set.SetID, &set.SetName, &set.BackupGroup, &set.Status,
		&set.TapeID, &set.BackupType, &set.BackupTime, &set.TotalFiles,
		&set.TotalBytes, &set.CompressedBytes, &set.CompressionRatio,
		&set.RetentionUntil, &set.AutoDelete,
	)
	if err := classify(err); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFoundf("backup set %q", setID)
		}
		return nil, fmt.Errorf("get backup set: %w", err)
	}
	return &set, nil
}

// UpdateBackupSet implements persistence.BackupStore.
func (s *Store) UpdateBackupSet(ctx context.Context, set *models.BackupSet) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE backup_sets SET
			set_name = $2, backup_group = $3, status = $4, tape_id = $5,
			backup_type = $6, backup_time = $7, total_files = $8,
			total_bytes = $9, compressed_bytes = $10, compression_ratio = $11,
			retention_until = $12, auto_delete = $13
		WHERE set_id = $1`,
		set.SetID, set.SetName, set.BackupGroup, set.Status, set.TapeID,
		set.BackupType, set.BackupTime, set.TotalFiles, set.TotalBytes,
		set.CompressedBytes, set.CompressionRatio, set.RetentionUntil,
		set.AutoDelete,
	)
	if err := classify(err); err != nil {
		return fmt.Errorf("update backup set: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("backup set %q", set.SetID)
	}
	return nil
}

// ExpireBackupSets implements persistence.BackupStore.
func (s *Store) ExpireBackupSets(ctx context.Context, asOf time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE backup_sets SET status = 'expired'
		WHERE status = 'active' AND retention_until IS NOT NULL
			AND retention_until < $1`,
		asOf,
	)
	if err := classify(err); err != nil {
		return 0, fmt.Errorf("expire backup sets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetScanStatus implements persistence.BackupStore.
func (s *Store) GetScanStatus(ctx context.Context, taskID int64) (models.ScanStatus, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var status models.ScanStatus
	err := s.pool.QueryRow(ctx,
		`SELECT scan_status FROM backup_tasks WHERE id = $1`, taskID,
	).Scan(&status)
	if err := classify(err); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return "", apperr.NotFoundf("backup task %d", taskID)
		}
		return "", fmt.Errorf("get scan status: %w", err)
	}
	return status, nil
}

// SetScanStatus implements persistence.BackupStore.
func (s *Store) SetScanStatus(ctx context.Context, taskID int64, status models.ScanStatus, completedAt *time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE backup_tasks
		SET scan_status = $2, scan_completed_at = $3, updated_at = now()
		WHERE id = $1`,
		taskID, status, completedAt,
	)
	if err := classify(err); err != nil {
		return fmt.Errorf("set scan status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("backup task %d", taskID)
	}
	return nil
}
