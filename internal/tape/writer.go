// Package tape moves finished archives onto the tape mount and tracks the
// drive state. Archives are written sequentially; the queue serializes
// access to the single drive.
package tape

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tapevault/tapevault/internal/logger"
	"github.com/tapevault/tapevault/internal/logger/tag"
)

// Request is one archive to write to tape. Callback runs after the write
// finishes, successfully or not, from the writer goroutine.
type Request struct {
	ArchivePath string
	SetID       string
	Callback    func(tapeID string, err error)
}

// Writer accepts archive write requests.
type Writer interface {
	// Enqueue adds the request to the write queue. Blocks while the queue
	// is full; returns ctx.Err when the context ends first.
	Enqueue(ctx context.Context, req Request) error
}

// DriveWriter writes archives to a mounted tape drive one at a time.
type DriveWriter struct {
	mountPath string
	queue     chan Request
}

// NewDriveWriter builds a writer for the given drive letter or mount path.
func NewDriveWriter(drive string) *DriveWriter {
	return &DriveWriter{
		mountPath: MountPath(drive),
		queue:     make(chan Request, 64),
	}
}

// MountPath resolves a drive letter to its mount path. An absolute path is
// used as-is so Unix mounts work the same way.
func MountPath(drive string) string {
	if filepath.IsAbs(drive) || strings.ContainsRune(drive, os.PathSeparator) {
		return drive
	}
	if runtime.GOOS == "windows" {
		return drive + `:\`
	}
	return filepath.Join("/mnt", strings.ToLower(drive))
}

// Enqueue implements Writer.
func (w *DriveWriter) Enqueue(ctx context.Context, req Request) error {
	select {
	case w.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx ends. Pending callbacks still fire with
// the cancellation error.
func (w *DriveWriter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain(ctx.Err())
			return ctx.Err()
		case req := <-w.queue:
			tapeID, err := w.write(ctx, req)
			if req.Callback != nil {
				req.Callback(tapeID, err)
			}
		}
	}
}

func (w *DriveWriter) drain(cause error) {
	for {
		select {
		case req := <-w.queue:
			if req.Callback != nil {
				req.Callback("", cause)
			}
		default:
			return
		}
	}
}

// write copies one archive onto the mount under its set directory.
func (w *DriveWriter) write(ctx context.Context, req Request) (string, error) {
	start := time.Now()

	tapeID, err := w.CurrentTapeID()
	if err != nil {
		return "", err
	}

	destDir := filepath.Join(w.mountPath, req.SetID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return tapeID, fmt.Errorf("create tape directory: %w", err)
	}
	dest := filepath.Join(destDir, filepath.Base(req.ArchivePath))

	size, err := copyFile(req.ArchivePath, dest)
	if err != nil {
		return tapeID, fmt.Errorf("copy archive to tape: %w", err)
	}

	if err := os.Remove(req.ArchivePath); err != nil {
		logger.Warn(ctx, "Failed to remove staged archive after tape copy",
			tag.Archive(req.ArchivePath), tag.Error(err))
	}

	logger.Info(ctx, "Archive written to tape",
		tag.Archive(filepath.Base(req.ArchivePath)), tag.SetID(req.SetID),
		tag.Tape(tapeID), tag.String("size", humanize.IBytes(uint64(size))),
		tag.Elapsed(time.Since(start)))
	return tapeID, nil
}

// tapeIDFile is a marker file the operator places at the mount root when
// loading a cartridge.
const tapeIDFile = ".tape_id"

// CurrentTapeID reads the cartridge label from the mount. A mount without
// a label file gets a generated monthly label.
func (w *DriveWriter) CurrentTapeID() (string, error) {
	if _, err := os.Stat(w.mountPath); err != nil {
		return "", fmt.Errorf("tape mount %s unavailable: %w", w.mountPath, err)
	}
	data, err := os.ReadFile(filepath.Join(w.mountPath, tapeIDFile))
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	return "TAPE_" + time.Now().Format("200601"), nil
}

func copyFile(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return 0, err
	}
	return n, nil
}
