package models

import (
	"fmt"
	"time"

	"github.com/tapevault/tapevault/internal/apperr"
)

// BackupType is the backup strategy of a template.
type BackupType string

const (
	BackupFull         BackupType = "full"
	BackupIncremental  BackupType = "incremental"
	BackupDifferential BackupType = "differential"
	BackupMonthlyFull  BackupType = "monthly_full"
)

// Valid reports whether the backup type is a known kind.
func (b BackupType) Valid() bool {
	switch b {
	case BackupFull, BackupIncremental, BackupDifferential, BackupMonthlyFull:
		return true
	}
	return false
}

// BackupStatus is the lifecycle state of a backup execution record.
type BackupStatus string

const (
	BackupStatusPending   BackupStatus = "pending"
	BackupStatusRunning   BackupStatus = "running"
	BackupStatusCompleted BackupStatus = "completed"
	BackupStatusFailed    BackupStatus = "failed"
	BackupStatusCancelled BackupStatus = "cancelled"
	BackupStatusPaused    BackupStatus = "paused"
)

// ScanStatus is the file-scanner handshake state for one backup execution.
type ScanStatus string

const (
	ScanPending   ScanStatus = "pending"
	ScanScanning  ScanStatus = "scanning"
	ScanCompleted ScanStatus = "completed"
)

// OperationStage is the coarse pipeline stage of a backup execution.
type OperationStage string

const (
	StageScan     OperationStage = "scan"
	StageCompress OperationStage = "compress"
	StageCopy     OperationStage = "copy"
	StageFinalize OperationStage = "finalize"
)

// BackupTask is either a reusable template (IsTemplate=true) or a concrete
// execution record tied to its template via TemplateID.
type BackupTask struct {
	ID       int64      `json:"id"`
	TaskName string     `json:"task_name"`
	TaskType BackupType `json:"task_type"`

	IsTemplate bool   `json:"is_template"`
	TemplateID *int64 `json:"template_id,omitempty"`

	SourcePaths     []string `json:"source_paths"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
	Compression     bool     `json:"compression"`
	CompressFormat  string   `json:"compress_format,omitempty"`
	Encryption      bool     `json:"encryption"`
	RetentionDays   int      `json:"retention_days"`
	TapeDevice      string   `json:"tape_device,omitempty"`

	Status BackupStatus `json:"status,omitempty"`

	TotalFiles      int64 `json:"total_files"`
	ProcessedFiles  int64 `json:"processed_files"`
	TotalBytes      int64 `json:"total_bytes"`
	ProcessedBytes  int64 `json:"processed_bytes"`
	CompressedBytes int64 `json:"compressed_bytes"`

	ScanStatus      ScanStatus     `json:"scan_status,omitempty"`
	ScanCompletedAt *time.Time     `json:"scan_completed_at,omitempty"`
	OperationStage  OperationStage `json:"operation_stage,omitempty"`

	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	BackupSetID *string `json:"backup_set_id,omitempty"`
	TapeID      *string `json:"tape_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateTemplate checks a backup template at the create/update boundary.
func (b *BackupTask) ValidateTemplate() error {
	if b.TaskName == "" {
		return apperr.Validationf("task_name is required")
	}
	if !b.TaskType.Valid() {
		return apperr.Validationf("unknown task_type %q", b.TaskType)
	}
	if len(b.SourcePaths) == 0 {
		return apperr.Validationf("source_paths must not be empty")
	}
	if b.RetentionDays < 0 {
		return apperr.Validationf("retention_days must not be negative")
	}
	return nil
}

// NewExecution derives an execution record from a template, inheriting the
// template configuration. The record name carries a timestamp suffix so
// repeated executions stay unique.
func (b *BackupTask) NewExecution(now time.Time) *BackupTask {
	templateID := b.ID
	return &BackupTask{
		TaskName:        fmt.Sprintf("%s-%s", b.TaskName, now.Format("20060102_150405")),
		TaskType:        b.TaskType,
		IsTemplate:      false,
		TemplateID:      &templateID,
		SourcePaths:     append([]string(nil), b.SourcePaths...),
		ExcludePatterns: append([]string(nil), b.ExcludePatterns...),
		Compression:     b.Compression,
		CompressFormat:  b.CompressFormat,
		Encryption:      b.Encryption,
		RetentionDays:   b.RetentionDays,
		TapeDevice:      b.TapeDevice,
		Status:          BackupStatusPending,
		ScanStatus:      ScanPending,
		OperationStage:  StageScan,
	}
}

// SetStatus is the lifecycle state of a backup set.
type SetStatus string

const (
	SetStatusPending SetStatus = "pending"
	SetStatusActive  SetStatus = "active"
	SetStatusExpired SetStatus = "expired"
	SetStatusError   SetStatus = "error"
)

// BackupSet is one completed archival unit written to one tape.
type BackupSet struct {
	ID               int64      `json:"id"`
	SetID            string     `json:"set_id"`
	SetName          string     `json:"set_name"`
	BackupGroup      string     `json:"backup_group"` // YYYY-MM retention bucket
	Status           SetStatus  `json:"status"`
	TapeID           *string    `json:"tape_id,omitempty"`
	BackupType       BackupType `json:"backup_type"`
	BackupTime       time.Time  `json:"backup_time"`
	TotalFiles       int64      `json:"total_files"`
	TotalBytes       int64      `json:"total_bytes"`
	CompressedBytes  int64      `json:"compressed_bytes"`
	CompressionRatio float64    `json:"compression_ratio"`
	RetentionUntil   *time.Time `json:"retention_until,omitempty"`
	AutoDelete       bool       `json:"auto_delete"`
}

// FileType classifies a backup file entry.
type FileType string

const (
	FileTypeFile      FileType = "file"
	FileTypeDirectory FileType = "directory"
	FileTypeSymlink   FileType = "symlink"
)

// BackupFile is the per-file record within a backup set. At most one row
// exists per (backup_set_id, file_path); the compressor flips IsCopySuccess
// to true exactly once per file.
type BackupFile struct {
	ID            int64      `json:"id"`
	BackupSetID   string     `json:"backup_set_id"`
	FilePath      string     `json:"file_path"`
	FileName      string     `json:"file_name"`
	DirectoryPath string     `json:"directory_path"`
	FileType      FileType   `json:"file_type"`
	FileSize      int64      `json:"file_size"`
	CompressedSize int64     `json:"compressed_size,omitempty"`
	ModifiedTime  *time.Time `json:"modified_time,omitempty"`
	IsCopySuccess *bool      `json:"is_copy_success,omitempty"`
	CopyStatusAt  *time.Time `json:"copy_status_at,omitempty"`
	ChunkNumber   *int       `json:"chunk_number,omitempty"`
	Checksum      string     `json:"checksum,omitempty"`
}

// FileGroup is a bounded-size batch of files compressed into one archive.
type FileGroup []BackupFile

// TotalSize returns the cumulative uncompressed size of the group.
func (g FileGroup) TotalSize() int64 {
	var total int64
	for _, f := range g {
		total += f.FileSize
	}
	return total
}

// Paths returns the file paths of the group in order.
func (g FileGroup) Paths() []string {
	paths := make([]string, 0, len(g))
	for _, f := range g {
		paths = append(paths, f.FilePath)
	}
	return paths
}

// BackupGroupOf formats the YYYY-MM retention bucket for a point in time.
func BackupGroupOf(t time.Time) string {
	return t.Format("2006-01")
}
