package frontend

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/logger"
	"github.com/tapevault/tapevault/internal/logger/tag"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAppError maps shared error kinds onto HTTP status codes.
func writeAppError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		writeError(w, req, http.StatusBadRequest, err)
	case errors.Is(err, apperr.ErrNotFound):
		writeError(w, req, http.StatusNotFound, err)
	case errors.Is(err, apperr.ErrConflict):
		writeError(w, req, http.StatusConflict, err)
	case errors.Is(err, apperr.ErrTransientStore):
		writeError(w, req, http.StatusServiceUnavailable, err)
	default:
		writeError(w, req, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, req *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		logger.Error(req.Context(), "Request failed",
			tag.String("path", req.URL.Path), tag.Error(err))
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// decodeBody parses a JSON request body into v.
func decodeBody(req *http.Request, v any) error {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return apperr.Validationf("invalid request body: %v", err)
	}
	return nil
}

// pathID parses the {taskID} route parameter.
func pathID(req *http.Request) (int64, error) {
	raw := chi.URLParam(req, "taskID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validationf("invalid task id %q", raw)
	}
	return id, nil
}

// queryInt reads an integer query parameter with a default.
func queryInt(req *http.Request, key string, def int) int {
	raw := req.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
