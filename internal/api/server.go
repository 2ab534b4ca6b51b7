package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomworks/loom/internal/compiler"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/humantask"
	"github.com/loomworks/loom/internal/schedule"
	"github.com/loomworks/loom/internal/supervisor"
)

// Server is the HTTP control surface over the supervisor. Authentication
// proper is an external collaborator; callers are identified by header and a
// shared system token gates privileged access.
type Server struct {
	sup         *supervisor.Supervisor
	hub         *events.Hub
	scheduler   *schedule.Scheduler
	validate    *validator.Validate
	logger      *slog.Logger
	systemToken string
}

// NewServer creates the control surface.
func NewServer(sup *supervisor.Supervisor, hub *events.Hub, systemToken string, logger *slog.Logger) *Server {
	return &Server{
		sup:         sup,
		hub:         hub,
		validate:    validator.New(),
		logger:      logger,
		systemToken: systemToken,
	}
}

// WithScheduler enables the schedule endpoints.
func (s *Server) WithScheduler(sched *schedule.Scheduler) *Server {
	s.scheduler = sched
	return s
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-User-ID", "X-System-Token"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/executions", s.handleStart)
		r.Get("/executions/{executionID}", s.handleStatus)
		r.Post("/executions/{executionID}/pause", s.handlePause)
		r.Post("/executions/{executionID}/resume", s.handleResume)
		r.Post("/executions/{executionID}/cancel", s.handleCancel)
		r.Get("/executions/{executionID}/events", s.handleEvents)
		r.Get("/hitl", s.handlePendingHITL)
		r.Post("/hitl/{requestID}/respond", s.handleRespondHITL)
		if s.scheduler != nil {
			r.Post("/schedules", s.handleAddSchedule)
			r.Delete("/schedules/{workflowID}", s.handleRemoveSchedule)
		}
	})
	return r
}

// caller derives the invoking identity from headers.
func (s *Server) caller(r *http.Request) supervisor.Caller {
	c := supervisor.Caller{UserID: r.Header.Get("X-User-ID")}
	if s.systemToken != "" && r.Header.Get("X-System-Token") == s.systemToken {
		c.System = true
	}
	return c
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"active": s.sup.ActiveCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps kernel errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var cerr *compiler.Error
	switch {
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": "compilation_failed", "detail": cerr,
		})
	case errors.Is(err, supervisor.ErrNotFound),
		errors.Is(err, humantask.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.Is(err, supervisor.ErrNotAuthorized),
		errors.Is(err, humantask.ErrNotAuthorized):
		writeJSON(w, http.StatusForbidden, map[string]any{"error": err.Error()})
	case errors.Is(err, supervisor.ErrAlreadyTerminal),
		errors.Is(err, humantask.ErrNotPending):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case errors.Is(err, supervisor.ErrTooManyExecutions):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
}
