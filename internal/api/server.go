// Package api serves the read-only status and history HTTP API. It only
// reads job state; approvals and every other mutation go through the queue
// core, never through HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openmined/syftrun/internal/queue"
)

const defaultHistoryLimit = 50

// JobStore is the read-only slice of the queue the API consumes.
type JobStore interface {
	ListJobs(ctx context.Context, filter queue.ListFilter) ([]*queue.Job, error)
	GetJob(ctx context.Context, uid string) (*queue.Job, error)
}

// Config holds API server settings.
type Config struct {
	Listen     string
	OwnerEmail string
	Version    string
}

// Server is the HTTP API server.
type Server struct {
	cfg       Config
	store     JobStore
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server.
func New(cfg Config, store JobStore, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/stats", s.handleStats)
		r.Get("/jobs/{uid}", s.handleGetJob)
	})

	s.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.cfg.Listen)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path,
			"duration", time.Since(start).Round(time.Millisecond))
	})
}

// historyItem is the wire projection of a job.
type historyItem struct {
	UID            string   `json:"uid"`
	Name           string   `json:"name"`
	Status         string   `json:"status"`
	RequesterEmail string   `json:"requester_email"`
	TargetEmail    string   `json:"target_email"`
	CreatedAt      string   `json:"created_at"`
	StartedAt      *string  `json:"started_at,omitempty"`
	CompletedAt    *string  `json:"completed_at,omitempty"`
	ExecutionTime  *float64 `json:"execution_time,omitempty"`
	Success        bool     `json:"success"`
	ExitCode       *int     `json:"exit_code,omitempty"`
	ErrorMessage   *string  `json:"error_message,omitempty"`
	Logs           *string  `json:"logs,omitempty"`
	Tags           []string `json:"tags"`
}

type historyResponse struct {
	Jobs  []historyItem `json:"jobs"`
	Total int           `json:"total"`
}

type statsResponse struct {
	TotalJobs      int     `json:"total_jobs"`
	SuccessfulJobs int     `json:"successful_jobs"`
	FailedJobs     int     `json:"failed_jobs"`
	RunningJobs    int     `json:"running_jobs"`
	PendingJobs    int     `json:"pending_jobs"`
	SuccessRate    float64 `json:"success_rate"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"app":         "syftrun",
		"version":     s.cfg.Version,
		"owner_email": s.cfg.OwnerEmail,
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"timestamp":   time.Now().UTC(),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := queue.ListFilter{
		TargetEmail: r.URL.Query().Get("target"),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := queue.Status(raw)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status: "+raw)
			return
		}
		filter.Status = &status
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		s.logger.Error("list jobs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}

	items := make([]historyItem, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, toHistoryItem(job))
	}
	writeJSON(w, http.StatusOK, historyResponse{Jobs: items, Total: len(items)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	job, err := s.store.GetJob(r.Context(), uid)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", "job_id", uid, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, toHistoryItem(job))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context(), queue.ListFilter{})
	if err != nil {
		s.logger.Error("stats scan failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	var stats statsResponse
	stats.TotalJobs = len(jobs)
	for _, job := range jobs {
		switch job.Status {
		case queue.StatusCompleted:
			stats.SuccessfulJobs++
		case queue.StatusFailed, queue.StatusRejected, queue.StatusTimedOut:
			stats.FailedJobs++
		case queue.StatusRunning:
			stats.RunningJobs++
		case queue.StatusInbox, queue.StatusApproved:
			stats.PendingJobs++
		}
	}
	if finished := stats.SuccessfulJobs + stats.FailedJobs; finished > 0 {
		stats.SuccessRate = float64(stats.SuccessfulJobs) / float64(finished)
	}
	writeJSON(w, http.StatusOK, stats)
}

func toHistoryItem(job *queue.Job) historyItem {
	item := historyItem{
		UID:            job.UID,
		Name:           job.Name,
		Status:         string(job.Status),
		RequesterEmail: job.RequesterEmail,
		TargetEmail:    job.TargetEmail,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		Success:        job.Status == queue.StatusCompleted,
		ExitCode:       job.ExitCode,
		ErrorMessage:   job.ErrorMessage,
		Logs:           job.Logs,
		Tags:           job.Tags,
	}
	if job.StartedAt != nil {
		s := job.StartedAt.Format(time.RFC3339)
		item.StartedAt = &s
	}
	if job.CompletedAt != nil {
		s := job.CompletedAt.Format(time.RFC3339)
		item.CompletedAt = &s
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		secs := job.CompletedAt.Sub(*job.StartedAt).Seconds()
		item.ExecutionTime = &secs
	}
	return item
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
