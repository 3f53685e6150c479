package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/config"
	"github.com/tapevault/tapevault/internal/logger"
	"github.com/tapevault/tapevault/internal/logger/tag"
	"github.com/tapevault/tapevault/internal/notify"
	"github.com/tapevault/tapevault/internal/persistence"
	"github.com/tapevault/tapevault/internal/tape"
)

// moverScanInterval is the fallback sweep period. The filesystem watcher
// delivers most archives immediately; the sweep catches events lost across
// restarts or on filesystems without notification support.
const moverScanInterval = 5 * time.Second

// Mover watches the staging area and feeds finished archives to the tape
// writer. Each archive is enqueued at most once per process; a failed tape
// write re-arms the archive for the next pass.
type Mover struct {
	cfg      *config.Config
	store    persistence.Store
	writer   tape.Writer
	notifier notify.Notifier

	mu        sync.Mutex
	processed map[string]struct{}
}

// MoverOption adjusts mover construction.
type MoverOption func(*Mover)

// WithMoverNotifier delivers tape write failures to the operator.
func WithMoverNotifier(n notify.Notifier) MoverOption {
	return func(m *Mover) { m.notifier = n }
}

// NewMover builds a mover over the staging root from the configuration.
func NewMover(cfg *config.Config, store persistence.Store, writer tape.Writer, opts ...MoverOption) *Mover {
	m := &Mover{
		cfg:       cfg,
		store:     store,
		writer:    writer,
		notifier:  notify.Nop{},
		processed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run watches the staging root until ctx ends.
func (m *Mover) Run(ctx context.Context) error {
	root := m.cfg.FinalRoot()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(root); err != nil {
		return err
	}

	ticker := time.NewTicker(moverScanInterval)
	defer ticker.Stop()

	logger.Info(ctx, "Tape mover started", tag.Dir(root))
	m.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				// New set directory; watch it for its archives.
				if err := watcher.Add(event.Name); err != nil {
					logger.Warn(ctx, "Failed to watch set directory",
						tag.Dir(event.Name), tag.Error(err))
				}
				continue
			}
			m.handle(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn(ctx, "Staging watcher error", tag.Error(err))
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep walks the whole staging root.
func (m *Mover) sweep(ctx context.Context) {
	err := filepath.WalkDir(m.cfg.FinalRoot(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if !d.IsDir() {
			m.handle(ctx, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn(ctx, "Staging sweep failed", tag.Error(err))
	}
}

// handle enqueues one staged archive exactly once.
func (m *Mover) handle(ctx context.Context, path string) {
	if !isArchive(path) {
		return
	}

	m.mu.Lock()
	if _, done := m.processed[path]; done {
		m.mu.Unlock()
		return
	}
	m.processed[path] = struct{}{}
	m.mu.Unlock()

	setID := filepath.Base(filepath.Dir(path))
	set, err := m.store.GetBackupSet(ctx, setID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			// An orphan from a deleted set; leave it marked so it is not
			// retried every sweep.
			logger.Warn(ctx, "Staged archive has no backup set",
				tag.Archive(path), tag.SetID(setID))
			return
		}
		logger.Error(ctx, "Failed to look up backup set",
			tag.SetID(setID), tag.Error(err))
		m.unmark(path)
		return
	}

	err = m.writer.Enqueue(ctx, tape.Request{
		ArchivePath: path,
		SetID:       setID,
		Callback: func(tapeID string, err error) {
			m.completeWrite(context.WithoutCancel(ctx), path, set.SetID, tapeID, err)
		},
	})
	if err != nil {
		logger.Error(ctx, "Failed to enqueue archive for tape",
			tag.Archive(path), tag.Error(err))
		m.unmark(path)
		return
	}
	logger.Info(ctx, "Archive queued for tape",
		tag.Archive(filepath.Base(path)), tag.SetID(setID))
}

// completeWrite records the tape assignment after a successful write, or
// re-arms the archive after a failed one.
func (m *Mover) completeWrite(ctx context.Context, path, setID, tapeID string, writeErr error) {
	if writeErr != nil {
		logger.Error(ctx, "Tape write failed",
			tag.Archive(path), tag.SetID(setID), tag.Error(writeErr))
		m.unmark(path)
		if err := m.notifier.Notify(ctx, notify.Event{
			Task:   filepath.Base(path),
			Status: "tape_error",
			Error:  writeErr.Error(),
			Result: map[string]any{"set_id": setID},
		}); err != nil {
			logger.Warn(ctx, "Tape failure notification failed", tag.Error(err))
		}
		return
	}

	set, err := m.store.GetBackupSet(ctx, setID)
	if err != nil {
		logger.Error(ctx, "Failed to load set after tape write",
			tag.SetID(setID), tag.Error(err))
		return
	}
	set.TapeID = &tapeID
	if err := m.store.UpdateBackupSet(ctx, set); err != nil {
		logger.Error(ctx, "Failed to record tape assignment",
			tag.SetID(setID), tag.Tape(tapeID), tag.Error(err))
	}
}

func (m *Mover) unmark(path string) {
	m.mu.Lock()
	delete(m.processed, path)
	m.mu.Unlock()
}

// isArchive recognizes the produced formats plus legacy 7z archives that
// older tooling staged.
func isArchive(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	for _, ext := range []string{".tar", ".tar.gz", ".tar.zst", ".7z"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
