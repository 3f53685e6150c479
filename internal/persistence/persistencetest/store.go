// Package persistencetest provides an in-memory persistence.Store for
// tests. Behavior mirrors the postgres implementation closely enough for
// engine and handler tests; individual methods can be overridden through
// the Fn hooks to inject failures.
package persistencetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/models"
	"github.com/tapevault/tapevault/internal/persistence"
)

var _ persistence.Store = (*Store)(nil)

// Store is the in-memory fake.
type Store struct {
	mu sync.Mutex

	tasks      map[int64]*models.ScheduledTask
	nextTaskID int64

	locks      map[int64]*models.TaskLock
	nextLockID int64

	runs []*models.TaskRun

	backupTasks  map[int64]*models.BackupTask
	nextBackupID int64

	sets map[string]*models.BackupSet

	files      []*models.BackupFile
	nextFileID int64

	scanStatus map[int64]models.ScanStatus

	cartridges []*models.TapeCartridge

	// Hooks override individual methods when set.
	AcquireTaskLockFn   func(ctx context.Context, taskID int64, executionID string) (bool, error)
	FetchPendingFilesFn func(ctx context.Context, setID string, maxGroupBytes int64, taskID int64, waitIfSmall bool, startFromID int64) ([]models.FileGroup, int64, error)
	CountPendingFilesFn func(ctx context.Context, setID string) (int64, error)
	PingFn              func(ctx context.Context) error
}

// New returns an empty fake store.
func New() *Store {
	return &Store{
		tasks:       make(map[int64]*models.ScheduledTask),
		locks:       make(map[int64]*models.TaskLock),
		backupTasks: make(map[int64]*models.BackupTask),
		sets:        make(map[string]*models.BackupSet),
		scanStatus:  make(map[int64]models.ScanStatus),
	}
}

func (s *Store) CreateTask(_ context.Context, task *models.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tasks {
		if existing.TaskName == task.TaskName {
			return apperr.Conflictf("task name %q already exists", task.TaskName)
		}
	}
	s.nextTaskID++
	task.ID = s.nextTaskID
	task.CreatedAt = time.Now()
	task.UpdatedAt = task.CreatedAt
	clone := *task
	s.tasks[task.ID] = &clone
	return nil
}

func (s *Store) GetTask(_ context.Context, id int64) (*models.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, apperr.NotFoundf("scheduled task %d", id)
	}
	clone := *task
	return &clone, nil
}

func (s *Store) GetTaskByName(_ context.Context, name string) (*models.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.TaskName == name {
			clone := *task
			return &clone, nil
		}
	}
	return nil, apperr.NotFoundf("scheduled task %q", name)
}

func (s *Store) ListTasks(context.Context) ([]*models.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listTasksLocked(false), nil
}

func (s *Store) ListEnabledTasks(context.Context) ([]*models.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listTasksLocked(true), nil
}

func (s *Store) listTasksLocked(enabledOnly bool) []*models.ScheduledTask {
	var out []*models.ScheduledTask
	for _, task := range s.tasks {
		if enabledOnly && !task.Enabled {
			continue
		}
		clone := *task
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) UpdateTask(_ context.Context, task *models.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return apperr.NotFoundf("scheduled task %d", task.ID)
	}
	task.UpdatedAt = time.Now()
	clone := *task
	s.tasks[task.ID] = &clone
	return nil
}

func (s *Store) DeleteTask(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return apperr.NotFoundf("scheduled task %d", id)
	}
	delete(s.tasks, id)
	delete(s.locks, id)
	return nil
}

func (s *Store) ResetRunningTasks(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, task := range s.tasks {
		if task.Status == models.TaskStatusRunning {
			task.Status = models.TaskStatusActive
			n++
		}
	}
	return n, nil
}

func (s *Store) AcquireTaskLock(ctx context.Context, taskID int64, executionID string) (bool, error) {
	if s.AcquireTaskLockFn != nil {
		return s.AcquireTaskLockFn(ctx, taskID, executionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, held := s.locks[taskID]; held && lock.IsActive {
		return false, nil
	}
	s.nextLockID++
	s.locks[taskID] = &models.TaskLock{
		ID:          s.nextLockID,
		TaskID:      taskID,
		ExecutionID: executionID,
		LockedAt:    time.Now(),
		IsActive:    true,
	}
	return true, nil
}

func (s *Store) ReleaseTaskLock(_ context.Context, taskID int64, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[taskID]; ok && lock.ExecutionID == executionID {
		lock.IsActive = false
	}
	return nil
}

func (s *Store) ReleaseLocksByTask(_ context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[taskID]; ok {
		lock.IsActive = false
	}
	return nil
}

func (s *Store) ReleaseAllLocks(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, lock := range s.locks {
		if lock.IsActive {
			lock.IsActive = false
			n++
		}
	}
	return n, nil
}

func (s *Store) ActiveLock(_ context.Context, taskID int64) (*models.TaskLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[taskID]; ok && lock.IsActive {
		clone := *lock
		return &clone, nil
	}
	return nil, nil
}

func (s *Store) RecordRunStart(_ context.Context, taskID int64, executionID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, &models.TaskRun{
		ID:          int64(len(s.runs) + 1),
		ExecutionID: executionID,
		TaskID:      taskID,
		StartedAt:   startedAt,
		Status:      models.RunStatusRunning,
	})
	return nil
}

func (s *Store) RecordRunEnd(_ context.Context, executionID string, endedAt time.Time, status models.RunStatus, result map[string]any, errMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.ExecutionID == executionID {
			run.CompletedAt = &endedAt
			run.Status = status
			run.Result = result
			run.ErrorMessage = errMessage
			return nil
		}
	}
	return apperr.NotFoundf("run %q", executionID)
}

func (s *Store) ListRuns(_ context.Context, taskID int64, limit int) ([]*models.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*models.TaskRun
	for _, run := range s.runs {
		if run.TaskID == taskID {
			clone := *run
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Runs returns a snapshot of every recorded run, oldest first.
func (s *Store) Runs() []*models.TaskRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.TaskRun, 0, len(s.runs))
	for _, run := range s.runs {
		clone := *run
		out = append(out, &clone)
	}
	return out
}

func (s *Store) CreateBackupTask(_ context.Context, task *models.BackupTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextBackupID++
	task.ID = s.nextBackupID
	task.CreatedAt = time.Now()
	task.UpdatedAt = task.CreatedAt
	if task.ScanStatus == "" {
		task.ScanStatus = models.ScanPending
	}
	s.scanStatus[task.ID] = task.ScanStatus
	clone := *task
	s.backupTasks[task.ID] = &clone
	return nil
}

func (s *Store) GetBackupTask(_ context.Context, id int64) (*models.BackupTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.backupTasks[id]
	if !ok {
		return nil, apperr.NotFoundf("backup task %d", id)
	}
	clone := *task
	return &clone, nil
}

func (s *Store) ListBackupTasks(_ context.Context, filter persistence.BackupTaskFilter) ([]*models.BackupTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.BackupTask
	for _, task := range s.backupTasks {
		if filter.TemplatesOnly && !task.IsTemplate {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Type != "" && task.TaskType != filter.Type {
			continue
		}
		if filter.Name != "" && !strings.Contains(
			strings.ToLower(task.TaskName), strings.ToLower(filter.Name)) {
			continue
		}
		clone := *task
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateBackupTask(_ context.Context, task *models.BackupTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backupTasks[task.ID]; !ok {
		return apperr.NotFoundf("backup task %d", task.ID)
	}
	task.UpdatedAt = time.Now()
	clone := *task
	s.backupTasks[task.ID] = &clone
	return nil
}

func (s *Store) DeleteBackupTaskCascade(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backupTasks[id]; !ok {
		return apperr.NotFoundf("backup task %d", id)
	}
	for childID, child := range s.backupTasks {
		if child.TemplateID != nil && *child.TemplateID == id {
			s.removeExecutionLocked(childID)
		}
	}
	s.removeExecutionLocked(id)
	return nil
}

func (s *Store) removeExecutionLocked(id int64) {
	task := s.backupTasks[id]
	if task != nil && task.BackupSetID != nil {
		setID := *task.BackupSetID
		delete(s.sets, setID)
		kept := s.files[:0]
		for _, f := range s.files {
			if f.BackupSetID != setID {
				kept = append(kept, f)
			}
		}
		s.files = kept
	}
	delete(s.backupTasks, id)
	delete(s.scanStatus, id)
}

func (s *Store) FindRunningExecution(_ context.Context, templateID int64) (*models.BackupTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.backupTasks {
		if task.IsTemplate || task.TemplateID == nil || *task.TemplateID != templateID {
			continue
		}
		if task.Status == models.BackupStatusRunning {
			clone := *task
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *Store) Statistics(context.Context) (*persistence.BackupStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &persistence.BackupStatistics{}
	for _, task := range s.backupTasks {
		if task.IsTemplate {
			stats.TotalTemplates++
			continue
		}
		stats.TotalExecutions++
		switch task.Status {
		case models.BackupStatusRunning:
			stats.RunningExecutions++
		case models.BackupStatusCompleted:
			stats.CompletedExecutions++
		case models.BackupStatusFailed:
			stats.FailedExecutions++
		}
	}
	for _, set := range s.sets {
		stats.TotalSets++
		stats.TotalFiles += set.TotalFiles
		stats.TotalBytes += set.TotalBytes
		stats.CompressedBytes += set.CompressedBytes
	}
	if stats.TotalBytes > 0 {
		stats.CompressionRatio = float64(stats.CompressedBytes) / float64(stats.TotalBytes)
	}
	return stats, nil
}

func (s *Store) CreateBackupSet(_ context.Context, set *models.BackupSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sets[set.SetID]; exists {
		return apperr.Conflictf("backup set %q already exists", set.SetID)
	}
	set.ID = int64(len(s.sets) + 1)
	clone := *set
	s.sets[set.SetID] = &clone
	return nil
}

func (s *Store) GetBackupSet(_ context.Context, setID string) (*models.BackupSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[setID]
	if !ok {
		return nil, apperr.NotFoundf("backup set %q", setID)
	}
	clone := *set
	return &clone, nil
}

func (s *Store) UpdateBackupSet(_ context.Context, set *models.BackupSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sets[set.SetID]; !ok {
		return apperr.NotFoundf("backup set %q", set.SetID)
	}
	clone := *set
	s.sets[set.SetID] = &clone
	return nil
}

func (s *Store) ExpireBackupSets(_ context.Context, asOf time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, set := range s.sets {
		if set.Status == models.SetStatusActive && set.RetentionUntil != nil &&
			set.RetentionUntil.Before(asOf) {
			set.Status = models.SetStatusExpired
			n++
		}
	}
	return n, nil
}

func (s *Store) FetchPendingFilesGroupedBySize(ctx context.Context, setID string, maxGroupBytes int64, taskID int64, waitIfSmall bool, startFromID int64) ([]models.FileGroup, int64, error) {
	if s.FetchPendingFilesFn != nil {
		return s.FetchPendingFilesFn(ctx, setID, maxGroupBytes, taskID, waitIfSmall, startFromID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []models.BackupFile
	for _, f := range s.files {
		if f.BackupSetID != setID || f.FileType != models.FileTypeFile {
			continue
		}
		if f.IsCopySuccess != nil && *f.IsCopySuccess {
			continue
		}
		if f.ID <= startFromID {
			continue
		}
		pending = append(pending, *f)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })

	if len(pending) == 0 {
		if startFromID > 0 {
			for _, f := range s.files {
				if f.BackupSetID == setID && f.FileType == models.FileTypeFile &&
					f.ID <= startFromID && (f.IsCopySuccess == nil || !*f.IsCopySuccess) {
					return nil, 0, nil
				}
			}
		}
		return nil, startFromID, nil
	}

	var total int64
	for _, f := range pending {
		total += f.FileSize
	}
	if waitIfSmall && total < maxGroupBytes {
		return nil, startFromID, nil
	}

	var (
		groups  []models.FileGroup
		current models.FileGroup
		size    int64
	)
	for _, f := range pending {
		if len(current) > 0 && size+f.FileSize > maxGroupBytes {
			groups = append(groups, current)
			current, size = nil, 0
		}
		current = append(current, f)
		size += f.FileSize
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups, pending[len(pending)-1].ID, nil
}

func (s *Store) CountPendingFiles(ctx context.Context, setID string) (int64, error) {
	if s.CountPendingFilesFn != nil {
		return s.CountPendingFilesFn(ctx, setID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, f := range s.files {
		if f.BackupSetID == setID && f.FileType == models.FileTypeFile &&
			(f.IsCopySuccess == nil || !*f.IsCopySuccess) {
			n++
		}
	}
	return n, nil
}

func (s *Store) MarkFilesAsCopied(_ context.Context, setID string, paths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markLocked(setID, paths, nil)
	return nil
}

func (s *Store) CompleteGroup(_ context.Context, params persistence.CompleteGroupParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk := params.ChunkNumber
	s.markLocked(params.SetID, params.Paths, &chunk)
	if task, ok := s.backupTasks[params.BackupTaskID]; ok {
		task.ProcessedFiles += int64(len(params.Paths))
		task.ProcessedBytes += params.GroupBytes
		task.CompressedBytes += params.ArchiveBytes
	}
	return nil
}

func (s *Store) markLocked(setID string, paths []string, chunk *int) {
	want := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		want[p] = struct{}{}
	}
	now := time.Now()
	yes := true
	for _, f := range s.files {
		if f.BackupSetID != setID {
			continue
		}
		if _, ok := want[f.FilePath]; !ok {
			continue
		}
		if f.IsCopySuccess != nil && *f.IsCopySuccess {
			continue
		}
		f.IsCopySuccess = &yes
		f.CopyStatusAt = &now
		f.ChunkNumber = chunk
	}
}

func (s *Store) InsertBackupFiles(_ context.Context, files []models.BackupFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range files {
		if s.hasFileLocked(f.BackupSetID, f.FilePath) {
			continue
		}
		s.nextFileID++
		f.ID = s.nextFileID
		clone := f
		s.files = append(s.files, &clone)
	}
	return nil
}

func (s *Store) hasFileLocked(setID, path string) bool {
	for _, f := range s.files {
		if f.BackupSetID == setID && f.FilePath == path {
			return true
		}
	}
	return false
}

func (s *Store) ListBackupFiles(_ context.Context, setID string, limit int) ([]*models.BackupFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 1000
	}
	var out []*models.BackupFile
	for _, f := range s.files {
		if f.BackupSetID == setID {
			clone := *f
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetScanStatus(_ context.Context, taskID int64) (models.ScanStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.scanStatus[taskID]
	if !ok {
		return "", apperr.NotFoundf("backup task %d", taskID)
	}
	return status, nil
}

func (s *Store) SetScanStatus(_ context.Context, taskID int64, status models.ScanStatus, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backupTasks[taskID]; !ok {
		return apperr.NotFoundf("backup task %d", taskID)
	}
	s.scanStatus[taskID] = status
	if task, ok := s.backupTasks[taskID]; ok {
		task.ScanStatus = status
		task.ScanCompletedAt = completedAt
	}
	return nil
}

func (s *Store) ListTapeCartridges(_ context.Context) ([]*models.TapeCartridge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.TapeCartridge, 0, len(s.cartridges))
	for _, c := range s.cartridges {
		clone := *c
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TapeID < out[j].TapeID })
	return out, nil
}

// SeedTapeCartridge inserts a cartridge row as the tape subsystem would.
func (s *Store) SeedTapeCartridge(c models.TapeCartridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = int64(len(s.cartridges) + 1)
	s.cartridges = append(s.cartridges, &c)
}

func (s *Store) Ping(ctx context.Context) error {
	if s.PingFn != nil {
		return s.PingFn(ctx)
	}
	return nil
}
