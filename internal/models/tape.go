package models

import "time"

// TapeStatus is the lifecycle state of a tape cartridge.
type TapeStatus string

const (
	TapeStatusNew         TapeStatus = "new"
	TapeStatusAvailable   TapeStatus = "available"
	TapeStatusInUse       TapeStatus = "in_use"
	TapeStatusFull        TapeStatus = "full"
	TapeStatusExpired     TapeStatus = "expired"
	TapeStatusError       TapeStatus = "error"
	TapeStatusMaintenance TapeStatus = "maintenance"
	TapeStatusRetired     TapeStatus = "retired"
)

// TapeCartridge mirrors the tape subsystem's view of a cartridge. The tape
// subsystem owns these rows; the orchestrator only reads them.
type TapeCartridge struct {
	ID            int64      `json:"id"`
	TapeID        string     `json:"tape_id"`
	Label         string     `json:"label"`
	SerialNumber  string     `json:"serial_number"`
	Status        TapeStatus `json:"status"`
	CapacityBytes int64      `json:"capacity_bytes"`
	UsedBytes     int64      `json:"used_bytes"`
	BackupGroup   string     `json:"backup_group,omitempty"`
	HealthScore   int        `json:"health_score"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
}
