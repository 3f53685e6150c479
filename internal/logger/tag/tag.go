// Package tag provides standardized tag functions for structured logging.
//
// All tag keys use kebab-case naming convention for consistency.
// Use these functions instead of raw strings to ensure consistent
// and type-safe log output across the codebase.
package tag

import (
	"log/slog"
	"time"
)

func String(key, value string) slog.Attr {
	return slog.String(key, value)
}

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// Task creates a tag for scheduled task names.
func Task(name string) slog.Attr {
	return slog.String("task", name)
}

// TaskID creates a tag for scheduled task IDs.
func TaskID(id int64) slog.Attr {
	return slog.Int64("task-id", id)
}

// ExecutionID creates a tag for execution IDs.
func ExecutionID(id string) slog.Attr {
	return slog.String("execution-id", id)
}

// BackupTaskID creates a tag for backup task (execution record) IDs.
func BackupTaskID(id int64) slog.Attr {
	return slog.Int64("backup-task-id", id)
}

// TemplateID creates a tag for backup template IDs.
func TemplateID(id int64) slog.Attr {
	return slog.Int64("template-id", id)
}

// SetID creates a tag for backup set IDs.
func SetID(id string) slog.Attr {
	return slog.String("set-id", id)
}

// Chunk creates a tag for archive chunk numbers.
func Chunk(n int) slog.Attr {
	return slog.Int("chunk", n)
}

// Tape creates a tag for tape cartridge IDs.
func Tape(id string) slog.Attr {
	return slog.String("tape", id)
}

// Action creates a tag for action kinds.
func Action(kind string) slog.Attr {
	return slog.String("action", kind)
}

// Attempt creates a tag for attempt numbers.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Path and file tags

// File creates a tag for file paths.
func File(path string) slog.Attr {
	return slog.String("file", path)
}

// Dir creates a tag for directory paths.
func Dir(path string) slog.Attr {
	return slog.String("dir", path)
}

// Archive creates a tag for archive file names.
func Archive(name string) slog.Attr {
	return slog.String("archive", name)
}

// Execution context tags

// Status creates a tag for status values.
func Status(status string) slog.Attr {
	return slog.String("status", status)
}

// Files creates a tag for file counts.
func Files(n int) slog.Attr {
	return slog.Int("files", n)
}

// Groups creates a tag for group counts.
func Groups(n int) slog.Attr {
	return slog.Int("groups", n)
}

// Bytes creates a tag for byte counts.
func Bytes(n int64) slog.Attr {
	return slog.Int64("bytes", n)
}

// Cursor creates a tag for prefetcher cursor positions.
func Cursor(id int64) slog.Attr {
	return slog.Int64("cursor", id)
}

// Interval creates a tag for durations used as intervals.
func Interval(d time.Duration) slog.Attr {
	return slog.Duration("interval", d)
}

// Elapsed creates a tag for elapsed durations.
func Elapsed(d time.Duration) slog.Attr {
	return slog.Duration("elapsed", d)
}

// NextRun creates a tag for the next scheduled run time.
func NextRun(t time.Time) slog.Attr {
	return slog.Time("next-run", t)
}

// Port creates a tag for port numbers.
func Port(port int) slog.Attr {
	return slog.Int("port", port)
}
