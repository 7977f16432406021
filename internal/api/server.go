package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkscope/internal/config"
	"github.com/JakeFAU/linkscope/internal/crawler"
	"github.com/JakeFAU/linkscope/internal/jobs"
	"github.com/JakeFAU/linkscope/internal/metrics"
	"github.com/JakeFAU/linkscope/internal/policy/ratelimit"
	"github.com/JakeFAU/linkscope/internal/sitetree"
)

// JobService is the job submission and query surface the handlers drive.
type JobService interface {
	Submit(ctx context.Context, rawURL string, maxDepth *int) (crawler.Job, error)
	Get(ctx context.Context, id uuid.UUID) (crawler.Job, error)
	List(ctx context.Context, page, pageSize int) (jobs.History, error)
	Details(ctx context.Context, id uuid.UUID) (crawler.JobDetails, error)
	Cancel(ctx context.Context, id uuid.UUID) (crawler.Job, error)
	Tree(ctx context.Context, id uuid.UUID, depth int) (*sitetree.Node, error)
}

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the job service.
type Server struct {
	router chi.Router
	jobs   JobService
	ready  Pinger
	clock  crawler.Clock
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(svc JobService, ready Pinger, clock crawler.Clock, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:   svc,
		ready:  ready,
		clock:  clock,
		logger: logger,
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/jobs", func(r chi.Router) {
		r.Get("/health", s.health)
		r.Group(func(r chi.Router) {
			if cfg.Auth.Enabled {
				r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
			}
			r.Group(func(r chi.Router) {
				if cfg.Server.SubmitRPS > 0 {
					r.Use(throttleMiddleware(ratelimit.New(ratelimit.Config{
						RPS:   cfg.Server.SubmitRPS,
						Burst: cfg.Server.SubmitBurst,
					})))
				}
				r.Post("/", s.submitJob)
				r.Post("/create", s.submitJob)
			})
			r.Get("/history", s.history)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/details", s.getJobDetails)
				r.Get("/tree", s.getJobTree)
				r.Post("/cancel", s.cancelJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "timestamp": s.clock.Now().UTC()})
}

type submitJobRequest struct {
	URL      string `json:"url"`
	MaxDepth *int   `json:"max_depth"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.jobs.Submit(r.Context(), req.URL, req.MaxDepth)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "status": job.Status, "max_depth": job.MaxDepth})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, http.StatusBadRequest, "page must be an integer")
		return
	}
	pageSize, err := queryInt(r, "pageSize")
	if err != nil {
		writeError(w, http.StatusBadRequest, "pageSize must be an integer")
		return
	}
	hist, err := s.jobs.List(r.Context(), page, pageSize)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) getJobDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	details, err := s.jobs.Details(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) getJobTree(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	depth, err := queryInt(r, "depth")
	if err != nil {
		writeError(w, http.StatusBadRequest, "depth must be an integer")
		return
	}
	tree, err := s.jobs.Tree(r.Context(), id, depth)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if tree == nil {
		writeError(w, http.StatusNotFound, "start page not crawled yet")
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := s.jobs.Cancel(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, crawler.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "job cannot be cancelled in its current state")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request timed out")
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return uuid.Nil, false
	}
	return id, true
}

// queryInt returns 0 when the parameter is absent.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err //nolint:wrapcheck // callers map to 400
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
