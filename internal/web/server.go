package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"disttest/internal/dispatch"
	"disttest/internal/model"
	"disttest/internal/queue"
	"disttest/internal/results"
)

// Pinger is the readiness probe; the Postgres pool satisfies it, the
// in-memory backends run without one.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	coord   *dispatch.Coordinator
	store   results.Store
	queue   queue.Queue
	pinger  Pinger
	addr    string
	baseURL string
	token   string
	logger  *slog.Logger
}

func NewServer(coord *dispatch.Coordinator, store results.Store, q queue.Queue, pinger Pinger, addr, baseURL, token string, logger *slog.Logger) *Server {
	return &Server{
		coord:   coord,
		store:   store,
		queue:   q,
		pinger:  pinger,
		addr:    addr,
		baseURL: baseURL,
		token:   token,
		logger:  logger,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/submit_job", s.handleSubmitJob)
	r.Post("/submit_tasks", s.handleSubmitTasks)
	r.Get("/job_status", s.handleJobStatus)
	r.Get("/job", s.handleJob)
	r.Get("/tasks/recent", s.handleRecentTasks)
	r.Get("/stats", s.handleStats)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		if !s.authorize(w, req) {
			return
		}
		promhttp.Handler().ServeHTTP(w, req)
	})

	return r
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown error", "error", err)
		}
	}()

	s.logger.Info("HTTP server listening", "addr", s.addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type taskSpecRequest struct {
	BundleRef   string `json:"bundle_reference"`
	Description string `json:"description"`
}

type submitRequest struct {
	JobID string            `json:"job_id"`
	Tasks []taskSpecRequest `json:"tasks"`
}

type submitResponse struct {
	JobID   string   `json:"job_id"`
	TaskIDs []string `json:"task_ids"`
}

// taskView is a task row plus derived links into the output archive.
type taskView struct {
	model.Task
	StdoutLink string `json:"stdout_link,omitempty"`
	StderrLink string `json:"stderr_link,omitempty"`
}

func (s *Server) taskViews(tasks []model.Task) []taskView {
	views := make([]taskView, len(tasks))
	for i, t := range tasks {
		views[i] = taskView{
			Task:       t,
			StdoutLink: results.OutputLink(s.baseURL, &t, results.StreamStdout),
			StderrLink: results.OutputLink(s.baseURL, &t, results.StreamStderr),
		}
	}
	return views
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	s.submit(w, r, req)
}

func (s *Server) handleSubmitTasks(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.JobID == "" {
		httpError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	s.submit(w, r, req)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, req submitRequest) {
	specs := make([]dispatch.TaskSpec, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		if t.BundleRef == "" {
			httpError(w, http.StatusBadRequest, "every task needs a bundle_reference")
			return
		}
		specs = append(specs, dispatch.TaskSpec{BundleRef: t.BundleRef, Description: t.Description})
	}

	tasks, err := s.coord.SubmitJob(r.Context(), req.JobID, specs)
	if err != nil {
		if len(tasks) == 0 && errors.Is(err, dispatch.ErrEmptyJob) {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Partially dispatched jobs are still visible via /job_status;
		// the recovery sweep picks up whatever never reached the queue.
		s.logger.Error("Job submission degraded", "job_id", req.JobID, "error", err)
		httpError(w, http.StatusServiceUnavailable, "submission incomplete, job state is queryable")
		return
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.TaskID
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: req.JobID, TaskIDs: ids})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		httpError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	summary, err := s.coord.Summarize(r.Context(), jobID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to summarize job")
		s.logger.Error("Job summary failed", "job_id", jobID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		httpError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	tasks, err := s.store.FetchTaskRowsForJob(r.Context(), jobID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to fetch job tasks")
		s.logger.Error("Job fetch failed", "job_id", jobID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": jobID,
		"tasks":  s.taskViews(tasks),
	})
}

func (s *Server) handleRecentTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httpError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	tasks, err := s.store.FetchRecentTaskRows(r.Context(), limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to fetch recent tasks")
		s.logger.Error("Recent tasks fetch failed", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.taskViews(tasks)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to collect queue stats")
		s.logger.Error("Stats failed", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.logger.Warn("Health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unhealthy"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.token == "" {
		return true
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		if strings.TrimSpace(authHeader[len("bearer "):]) == s.token {
			return true
		}
	}
	s.logger.Warn("Unauthorized request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte("unauthorized"))
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
