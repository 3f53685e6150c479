// Package frontend serves the HTTP API for operating the scheduler and
// the backup catalog.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"

	"github.com/tapevault/tapevault/internal/build"
	"github.com/tapevault/tapevault/internal/config"
	"github.com/tapevault/tapevault/internal/logger"
	"github.com/tapevault/tapevault/internal/logger/tag"
	"github.com/tapevault/tapevault/internal/models"
	"github.com/tapevault/tapevault/internal/persistence"
	"github.com/tapevault/tapevault/internal/scheduler"
	"github.com/tapevault/tapevault/internal/tape"
)

// Server is the HTTP API server.
type Server struct {
	cfg     *config.Config
	store   persistence.Store
	sched   *scheduler.Scheduler
	devices *tape.DeviceCache

	httpServer *http.Server
}

// New builds the API server. The scheduler may be nil when the process
// runs API-only; scheduler routes then answer 503.
func New(cfg *config.Config, store persistence.Store, sched *scheduler.Scheduler, devices *tape.DeviceCache) *Server {
	return &Server{cfg: cfg, store: store, sched: sched, devices: devices}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "API server listening",
			tag.String("host", s.cfg.Host), tag.Port(s.cfg.Port))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn(ctx, "API server shutdown failed", tag.Error(err))
		}
		return nil
	}
}

func (s *Server) routes(ctx context.Context) http.Handler {
	requestLogger := httplog.NewLogger(build.Slug, httplog.Options{
		JSON:            s.cfg.LogFormat == "json",
		LogLevel:        slog.LevelInfo,
		Concise:         true,
		RequestHeaders:  false,
		QuietDownRoutes: []string{"/api/v1/health"},
		QuietDownPeriod: time.Minute,
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httplog.RequestLogger(requestLogger))
	r.Use(middleware.Timeout(5 * time.Minute))
	// Request handlers log through the process logger.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(
				logger.WithLogger(req.Context(), logger.FromContext(ctx))))
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/scheduler", func(r chi.Router) {
			r.Use(s.requireScheduler)
			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", s.handleListTasks)
				r.Post("/", s.handleCreateTask)
				r.Post("/unlock-all", s.handleUnlockAll)
				r.Route("/{taskID}", func(r chi.Router) {
					r.Get("/", s.handleGetTask)
					r.Put("/", s.handleUpdateTask)
					r.Delete("/", s.handleDeleteTask)
					r.Post("/run", s.handleRunTask)
					r.Post("/stop", s.handleStopTask)
					r.Post("/enable", s.handleEnableTask)
					r.Post("/disable", s.handleDisableTask)
					r.Post("/unlock", s.handleUnlockTask)
					r.Get("/logs", s.handleTaskLogs)
				})
			})
		})

		r.Route("/backup", func(r chi.Router) {
			r.Get("/statistics", s.handleStatistics)
			r.Get("/templates", s.handleListTemplates)
			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", s.handleListBackupTasks)
				r.Post("/", s.handleCreateBackupTask)
				r.Route("/{taskID}", func(r chi.Router) {
					r.Get("/", s.handleGetBackupTask)
					r.Put("/", s.handleUpdateBackupTask)
					r.Delete("/", s.handleDeleteBackupTask)
					r.Put("/cancel", s.handleCancelBackupTask)
					r.Get("/files", s.handleBackupTaskFiles)
				})
			})
		})

		r.Route("/tape", func(r chi.Router) {
			r.Get("/devices", s.handleDevices)
			r.Get("/cartridges", s.handleCartridges)
		})
	})
	return r
}

// requireScheduler guards scheduler routes in API-only processes.
func (s *Server) requireScheduler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if s.sched == nil {
			writeError(w, req, http.StatusServiceUnavailable,
				errors.New("scheduler is not running in this process"))
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	if err := s.store.Ping(req.Context()); err != nil {
		writeError(w, req, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": build.Version,
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, req *http.Request) {
	dev, err := s.devices.Load()
	if err != nil {
		writeError(w, req, http.StatusInternalServerError, err)
		return
	}
	if dev == nil {
		writeJSON(w, http.StatusOK, map[string]any{"devices": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": []any{dev}})
}

// handleCartridges lists the cartridge inventory maintained by the tape
// subsystem.
func (s *Server) handleCartridges(w http.ResponseWriter, req *http.Request) {
	cartridges, err := s.store.ListTapeCartridges(req.Context())
	if err != nil {
		writeAppError(w, req, err)
		return
	}
	if cartridges == nil {
		cartridges = []*models.TapeCartridge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cartridges": cartridges})
}
