package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/cwbudde/gppshc/internal/config"
	"github.com/cwbudde/gppshc/internal/dataset"
	"github.com/cwbudde/gppshc/internal/pipeline"
	"github.com/cwbudde/gppshc/internal/store"
)

// Server represents the HTTP server
type Server struct {
	jobManager *JobManager
	store      store.Store // optional; enables checkpoints and stored artifacts
	addr       string
	server     *http.Server
	submits    atomic.Pointer[rate.Limiter] // admits POST /api/v1/jobs

	ctx     context.Context // parent of every job context
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewServer creates a new HTTP server. st may be nil.
func NewServer(addr string, st store.Store) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		jobManager: NewJobManager(),
		store:      st,
		addr:       addr,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.LimitSubmissions(0, 0)
	return s
}

// LimitSubmissions admits at most perSecond new jobs per second on average,
// with bursts of up to burst. A non-positive perSecond removes the limit.
// Each call starts from a full bucket.
func (s *Server) LimitSubmissions(perSecond float64, burst int) {
	if perSecond <= 0 {
		s.submits.Store(rate.NewLimiter(rate.Inf, 0))
		return
	}
	if burst < 1 {
		burst = 1
	}
	s.submits.Store(rate.NewLimiter(rate.Limit(perSecond), burst))
}

// Handler returns the routes wrapped in the logging and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobsWithID)

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown cancels running jobs, waits for their final checkpoints and then
// stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server", "running_jobs", len(s.jobManager.GetRunningJobs()))
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Jobs did not stop before the shutdown deadline")
	}

	for _, job := range s.jobManager.ListJobs() {
		s.jobManager.hub.Close(job.ID)
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleIndex handles GET /
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	// Only handle exact root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	counts := map[JobState]int{}
	for _, job := range s.jobManager.ListJobs() {
		counts[job.State]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "gppshc",
		"jobs":    counts,
		"store":   s.store != nil,
		"endpoints": []string{
			"POST /api/v1/jobs",
			"GET /api/v1/jobs",
			"GET /api/v1/jobs/{id}",
			"DELETE /api/v1/jobs/{id}",
			"GET /api/v1/jobs/{id}/tree.gv",
			"GET /api/v1/jobs/{id}/expected",
			"GET /api/v1/jobs/{id}/trace",
			"GET /api/v1/jobs/{id}/stream",
			"GET /metrics",
		},
	})
}

// handleJobs handles /api/v1/jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobsWithID handles /api/v1/jobs/:id/*
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	// Parse job ID from path
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Job ID required", http.StatusBadRequest)
		return
	}
	jobID := parts[0]

	if len(parts) == 1 && r.Method == http.MethodDelete {
		s.handleCancelJob(w, r, jobID)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}
	switch sub {
	case "", "status":
		s.handleGetJobStatus(w, r, jobID)
	case "tree.gv":
		s.handleGetTree(w, r, jobID)
	case "expected":
		s.handleGetExpected(w, r, jobID)
	case "trace":
		s.handleGetTrace(w, r, jobID)
	case "stream":
		s.handleJobStream(w, r, jobID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCreateJob handles POST /api/v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if !s.submits.Load().Allow() {
		jobsThrottled.Inc()
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Too many job submissions", http.StatusTooManyRequests)
		return
	}

	var jc JobConfig
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&jc); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	// fills workers and max attempts when omitted
	cfg := config.FromJobConfig(jc)
	if err := cfg.ValidateSearch(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := s.jobManager.CreateJob(cfg.JobConfig())
	ctx, cancel := context.WithCancel(s.ctx)
	s.jobManager.UpdateJob(job.ID, func(j *Job) { j.cancel = cancel })
	jobsCreated.Inc()

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer cancel()
		if err := runJob(ctx, s.jobManager, s.store, job.ID); err != nil {
			slog.Debug("Job ended with error", "job_id", job.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusCreated, job)
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
}

// handleCancelJob handles DELETE /api/v1/jobs/:id
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if !s.jobManager.CancelJob(jobID) {
		http.Error(w, fmt.Sprintf("Job is %s", job.State), http.StatusConflict)
		return
	}
	slog.Info("Cancelling job", "job_id", jobID)
	w.WriteHeader(http.StatusAccepted)
}

// handleGetJobStatus handles GET /api/v1/jobs/:id/status
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	elapsed := jobElapsed(job)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                job.ID,
		"state":             job.State,
		"config":            job.Config,
		"bestLikelihood":    job.BestLikelihood,
		"initialLikelihood": job.InitialLikelihood,
		"iterations":        job.Iterations,
		"staleRounds":       job.StaleRounds,
		"nodes":             job.Nodes,
		"elapsed":           elapsed.Seconds(),
		"roundsPerSecond":   roundsPerSecond(job.Iterations, elapsed),
		"startTime":         job.StartTime,
		"endTime":           job.EndTime,
		"error":             job.Error,
	})
}

// handleGetTree handles GET /api/v1/jobs/:id/tree.gv
func (s *Server) handleGetTree(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	var data []byte
	if exists && job.best != nil {
		data = []byte(job.best.DOT())
	} else {
		data = s.storedArtifact(w, jobID, pipeline.ArtifactTree, exists)
		if data == nil {
			return
		}
	}

	w.Header().Set("Content-Type", "text/vnd.graphviz; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

// handleGetExpected handles GET /api/v1/jobs/:id/expected
func (s *Server) handleGetExpected(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	var data []byte
	if exists && job.expected != nil {
		var buf bytes.Buffer
		if err := dataset.WriteMatrix(&buf, job.expected); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data = buf.Bytes()
	} else {
		data = s.storedArtifact(w, jobID, pipeline.ArtifactExpected, exists)
		if data == nil {
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(data)
}

// handleGetTrace handles GET /api/v1/jobs/:id/trace
func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request, jobID string) {
	if s.store == nil {
		http.Error(w, "No checkpoint store configured", http.StatusNotFound)
		return
	}
	entries, err := s.store.LoadTrace(jobID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "No trace for job", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// storedArtifact loads a file a job saved to the store. It writes the error
// response itself and returns nil when there is nothing to serve.
func (s *Server) storedArtifact(w http.ResponseWriter, jobID, name string, known bool) []byte {
	if s.store != nil {
		data, err := s.store.LoadArtifact(jobID, name)
		if err == nil {
			return data
		}
		if !errors.Is(err, store.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return nil
		}
	}
	if known {
		http.Error(w, "No results yet", http.StatusNotFound)
	} else {
		http.Error(w, "Job not found", http.StatusNotFound)
	}
	return nil
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
