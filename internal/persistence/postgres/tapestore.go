package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tapevault/tapevault/internal/models"
)

const tapeCartridgeColumns = `
	id, tape_id, label, serial_number, status, capacity_bytes, used_bytes,
	backup_group, health_score, last_seen_at`

func scanTapeCartridge(row pgx.Row) (*models.TapeCartridge, error) {
	var c models.TapeCartridge
	err := row.Scan(
		&c.ID, &c.TapeID, &c.Label, &c.SerialNumber, &c.Status,
		&c.CapacityBytes, &c.UsedBytes, &c.BackupGroup, &c.HealthScore,
		&c.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListTapeCartridges implements persistence.TapeStore. The tape subsystem
// owns these rows; this is a read-only view.
func (s *Store) ListTapeCartridges(ctx context.Context) ([]*models.TapeCartridge, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT `+tapeCartridgeColumns+` FROM tape_cartridges ORDER BY tape_id`)
	if err := classify(err); err != nil {
		return nil, fmt.Errorf("list tape cartridges: %w", err)
	}
	defer rows.Close()

	var out []*models.TapeCartridge
	for rows.Next() {
		c, err := scanTapeCartridge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tape cartridge: %w", err)
		}
		out = append(out, c)
	}
	if err := classify(rows.Err()); err != nil {
		return nil, fmt.Errorf("list tape cartridges: %w", err)
	}
	return out, nil
}
