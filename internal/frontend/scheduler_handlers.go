package frontend

import (
	"net/http"

	"github.com/tapevault/tapevault/internal/models"
)

func (s *Server) handleListTasks(w http.ResponseWriter, req *http.Request) {
	tasks, err := s.sched.ListTasks(req.Context())
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	if tasks == nil {
		tasks = []*models.ScheduledTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, req *http.Request) {
	var task models.ScheduledTask
	if err := decodeBody(req, &task); err != nil {
		writeAppError(w, req, err)
		return
	}
	task.Enabled = true
	if err := s.sched.AddTask(req.Context(), &task); err != nil {
		writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, &task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	task, err := s.sched.GetTask(req.Context(), id)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleUpdateTask merges the request body over the stored task, so
// partial updates leave omitted fields untouched.
func (s *Server) handleUpdateTask(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	task, err := s.sched.GetTask(req.Context(), id)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	if err := decodeBody(req, task); err != nil {
		writeAppError(w, req, err)
		return
	}
	task.ID = id
	if err := s.sched.UpdateTask(req.Context(), task); err != nil {
		writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	if err := s.sched.DeleteTask(req.Context(), id); err != nil {
		writeAppError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunTask(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	var opts map[string]any
	if req.ContentLength > 0 {
		if err := decodeBody(req, &opts); err != nil {
			writeAppError(w, req, err)
			return
		}
	}
	if err := s.sched.RunTaskNow(req.Context(), id, opts); err != nil {
		writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started"})
}

func (s *Server) handleStopTask(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	if err := s.sched.StopTask(req.Context(), id); err != nil {
		writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped"})
}

func (s *Server) handleEnableTask(w http.ResponseWriter, req *http.Request) {
	s.setTaskEnabled(w, req, true)
}

func (s *Server) handleDisableTask(w http.ResponseWriter, req *http.Request) {
	s.setTaskEnabled(w, req, false)
}

func (s *Server) setTaskEnabled(w http.ResponseWriter, req *http.Request, enabled bool) {
	id, err := pathID(req)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	if enabled {
		err = s.sched.EnableTask(req.Context(), id)
	} else {
		err = s.sched.DisableTask(req.Context(), id)
	}
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled})
}

func (s *Server) handleUnlockTask(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	if err := s.sched.UnlockTask(req.Context(), id); err != nil {
		writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "unlocked"})
}

func (s *Server) handleUnlockAll(w http.ResponseWriter, req *http.Request) {
	released, err := s.sched.UnlockAll(req.Context())
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released_locks": released})
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	runs, err := s.sched.ListRuns(req.Context(), id, queryInt(req, "limit", 50))
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
