package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tapevault/tapevault/internal/models"
	"github.com/tapevault/tapevault/internal/persistence"
)

// fetchRowLimit bounds how many pending rows one grouped fetch pulls.
const fetchRowLimit = 2000

const backupFileColumns = `
	id, backup_set_id, file_path, file_name, directory_path, file_type,
	file_size, compressed_size, modified_time, is_copy_success,
	copy_status_at, chunk_number, checksum`

func scanBackupFile(rows pgx.Rows) (models.BackupFile, error) {
	var f models.BackupFile
	err := rows.Scan(
		&f.ID, &f.BackupSetID, &f.FilePath, &f.FileName, &f.DirectoryPath,
		&f.FileType, &f.FileSize, &f.CompressedSize, &f.ModifiedTime,
		&f.IsCopySuccess, &f.CopyStatusAt, &f.ChunkNumber, &f.Checksum,
	)
	return f, err
}

// FetchPendingFilesGroupedBySize implements persistence.BackupStore.
//
// Rows are pulled in ascending id order starting after the cursor and packed
// into groups of at most maxGroupBytes each. A file never crosses groups; an
// oversize file forms a singleton group. When waitIfSmall is set and the
// fetch cannot fill even one group while the scanner is still producing
// rows, the fetch reports no groups without advancing the cursor so the next
// attempt can pack fuller archives.
func (s *Store) FetchPendingFilesGroupedBySize(ctx context.Context, setID string, maxGroupBytes int64, taskID int64, waitIfSmall bool, startFromID int64) ([]models.FileGroup, int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+backupFileColumns+`
		FROM backup_files
		WHERE backup_set_id = $1
			AND is_copy_success IS NOT TRUE
			AND file_type = 'file'
			AND id > $2
		ORDER BY id
		LIMIT $3`,
		setID, startFromID, fetchRowLimit,
	)
	if err != nil {
		return nil, startFromID, fmt.Errorf("fetch pending files: %w", classify(err))
	}
	defer rows.Close()

	var files []models.BackupFile
	for rows.Next() {
		f, err := scanBackupFile(rows)
		if err != nil {
			return nil, startFromID, fmt.Errorf("scan pending file: %w", classify(err))
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, startFromID, classify(err)
	}

	if len(files) == 0 {
		if startFromID > 0 {
			// The cursor may have run past rows that reappeared behind it
			// (a retried insert, an unmarked file). Report cursor zero so
			// the caller restarts from the beginning.
			behind, err := s.countPendingBefore(ctx, setID, startFromID)
			if err != nil {
				return nil, startFromID, err
			}
			if behind > 0 {
				return nil, 0, nil
			}
		}
		return nil, startFromID, nil
	}

	var totalBytes int64
	for _, f := range files {
		totalBytes += f.FileSize
	}
	if waitIfSmall && totalBytes < maxGroupBytes && len(files) < fetchRowLimit {
		// Not enough to fill one archive yet; let the scanner catch up.
		return nil, startFromID, nil
	}

	var (
		groups  []models.FileGroup
		current models.FileGroup
		size    int64
	)
	for _, f := range files {
		if len(current) > 0 && size+f.FileSize > maxGroupBytes {
			groups = append(groups, current)
			current = nil
			size = 0
		}
		current = append(current, f)
		size += f.FileSize
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}

	newCursor := files[len(files)-1].ID
	_ = taskID // recorded by callers in their own bookkeeping
	return groups, newCursor, nil
}

func (s *Store) countPendingBefore(ctx context.Context, setID string, beforeID int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM backup_files
		WHERE backup_set_id = $1
			AND is_copy_success IS NOT TRUE
			AND file_type = 'file'
			AND id <= $2`,
		setID, beforeID,
	).Scan(&n)
	if err := classify(err); err != nil {
		return 0, fmt.Errorf("count pending before cursor: %w", err)
	}
	return n, nil
}

// CountPendingFiles implements persistence.BackupStore. This is the full
// sweep before EOF; it runs under the longer sweep timeout.
func (s *Store) CountPendingFiles(ctx context.Context, setID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.sweepTimeout)
	defer cancel()

	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM backup_files
		WHERE backup_set_id = $1
			AND is_copy_success IS NOT TRUE
			AND file_type = 'file'`,
		setID,
	).Scan(&n)
	if err := classify(err); err != nil {
		return 0, fmt.Errorf("count pending files: %w", err)
	}
	return n, nil
}

// MarkFilesAsCopied implements persistence.BackupStore. One bulk statement;
// re-marking already-marked files is a no-op.
func (s *Store) MarkFilesAsCopied(ctx context.Context, setID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE backup_files
		SET is_copy_success = TRUE, copy_status_at = now()
		WHERE backup_set_id = $1 AND file_path = ANY($2)
			AND is_copy_success IS NOT TRUE`,
		setID, paths,
	)
	if err := classify(err); err != nil {
		return fmt.Errorf("mark files as copied: %w", err)
	}
	return nil
}

// CompleteGroup implements persistence.BackupStore. Marking the group's
// files and advancing the execution counters commit atomically so a crash
// between the two cannot drift the progress numbers.
func (s *Store) CompleteGroup(ctx context.Context, params persistence.CompleteGroupParams) error {
	return s.tx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE backup_files
			SET is_copy_success = TRUE, copy_status_at = now(),
				chunk_number = $3
			WHERE backup_set_id = $1 AND file_path = ANY($2)
				AND is_copy_success IS NOT TRUE`,
			params.SetID, params.Paths, params.ChunkNumber,
		)
		if err != nil {
			return fmt.Errorf("mark group copied: %w", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE backup_tasks
			SET processed_files = processed_files + $2,
				processed_bytes = processed_bytes + $3,
				compressed_bytes = compressed_bytes + $4,
				updated_at = now()
			WHERE id = $1`,
			params.BackupTaskID, len(params.Paths), params.GroupBytes,
			params.ArchiveBytes,
		)
		if err != nil {
			return fmt.Errorf("advance execution counters: %w", err)
		}
		return nil
	})
}

// InsertBackupFiles implements persistence.BackupStore. Conflicting rows
// (same set and path) are left untouched, preserving the at-most-one-row
// invariant.
func (s *Store) InsertBackupFiles(ctx context.Context, files []models.BackupFile) error {
	if len(files) == 0 {
		return nil
	}
	return s.tx(ctx, func(tx pgx.Tx) error {
		for _, f := range files {
			_, err := tx.Exec(ctx, `
				INSERT INTO backup_files (
					backup_set_id, file_path, file_name, directory_path,
					file_type, file_size, modified_time, checksum
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (backup_set_id, file_path) DO NOTHING`,
				f.BackupSetID, f.FilePath, f.FileName, f.DirectoryPath,
				f.FileType, f.FileSize, f.ModifiedTime, f.Checksum,
			)
			if err != nil {
				return fmt.Errorf("insert backup file %q: %w", f.FilePath, err)
			}
		}
		return nil
	})
}

// ListBackupFiles implements persistence.BackupStore.
func (s *Store) ListBackupFiles(ctx context.Context, setID string, limit int) ([]*models.BackupFile, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+backupFileColumns+` FROM backup_files
		WHERE backup_set_id = $1 ORDER BY id LIMIT $2`,
		setID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list backup files: %w", classify(err))
	}
	defer rows.Close()

	var files []*models.BackupFile
	for rows.Next() {
		f, err := scanBackupFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup file: %w", classify(err))
		}
		files = append(files, &f)
	}
	return files, classify(rows.Err())
}
