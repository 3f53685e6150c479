package frontend

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/models"
	"github.com/tapevault/tapevault/internal/persistence"
)

func (s *Server) handleListBackupTasks(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	filter := persistence.BackupTaskFilter{
		Status: models.BackupStatus(q.Get("status")),
		Type:   models.BackupType(q.Get("type")),
		Name:   q.Get("name"),
		Limit:  queryInt(req, "limit", 100),
	}
	tasks, err := s.store.ListBackupTasks(req.Context(), filter)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	if tasks == nil {
		tasks = []*models.BackupTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, req *http.Request) {
	templates, err := s.store.ListBackupTasks(req.Context(), persistence.BackupTaskFilter{
		TemplatesOnly: true,
		Limit:         queryInt(req, "limit", 100),
	})
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	if templates == nil {
		templates = []*models.BackupTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (s *Server) handleCreateBackupTask(w http.ResponseWriter, req *http.Request) {
	var task models.BackupTask
	if err := decodeBody(req, &task); err != nil {
		writeAppError(w, req, err)
		return
	}
	// The API only creates templates; execution records come from runs.
	task.IsTemplate = true
	task.TemplateID = nil
	if err := task.ValidateTemplate(); err != nil {
		writeAppError(w, req, err)
		return
	}
	if err := s.store.CreateBackupTask(req.Context(), &task); err != nil {
		writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, &task)
}

func (s *Server) handleGetBackupTask(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	task, err := s.store.GetBackupTask(req.Context(), id)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateBackupTask(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	task, err := s.store.GetBackupTask(req.Context(), id)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	if !task.IsTemplate {
		writeAppError(w, req,
			apperr.Validationf("backup task %d is an execution record, not editable", id))
		return
	}
	if err := decodeBody(req, task); err != nil {
		writeAppError(w, req, err)
		return
	}
	task.ID = id
	task.IsTemplate = true
	if err := task.ValidateTemplate(); err != nil {
		writeAppError(w, req, err)
		return
	}
	if err := s.store.UpdateBackupTask(req.Context(), task); err != nil {
		writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteBackupTask(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	if err := s.store.DeleteBackupTaskCascade(req.Context(), id); err != nil {
		writeAppError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCancelBackupTask marks a pending or running execution cancelled.
// The pipeline observes the record and stops at the next group boundary.
func (s *Server) handleCancelBackupTask(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	task, err := s.store.GetBackupTask(req.Context(), id)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	if task.Status != models.BackupStatusPending && task.Status != models.BackupStatusRunning {
		writeAppError(w, req,
			apperr.Conflictf("backup task %d is %s, not cancellable", id, task.Status))
		return
	}

	now := time.Now()
	task.Status = models.BackupStatusCancelled
	task.CompletedAt = &now
	if err := s.store.UpdateBackupTask(req.Context(), task); err != nil {
		writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleBackupTaskFiles(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	task, err := s.store.GetBackupTask(req.Context(), id)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	if task.BackupSetID == nil {
		writeJSON(w, http.StatusOK, map[string]any{"files": []any{}})
		return
	}
	files, err := s.store.ListBackupFiles(req.Context(), *task.BackupSetID,
		queryInt(req, "limit", 1000))
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	if files == nil {
		files = []*models.BackupFile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleStatistics(w http.ResponseWriter, req *http.Request) {
	stats, err := s.store.Statistics(req.Context())
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"statistics":             stats,
		"total_bytes_human":      humanize.IBytes(uint64(stats.TotalBytes)),
		"compressed_bytes_human": humanize.IBytes(uint64(stats.CompressedBytes)),
	})
}
