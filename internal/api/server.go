// Package api exposes the HTTP interface for the accessibility scan service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/a11yscan/a11yscan/internal/config"
	"github.com/a11yscan/a11yscan/internal/metrics"
	"github.com/a11yscan/a11yscan/internal/scan"
)

const enqueueTimeout = 5 * time.Second

// Server wires HTTP handlers to the broker and result store.
type Server struct {
	router chi.Router
	broker scan.Broker
	store  scan.ResultStore
	idGen  scan.IDGenerator
	clock  scan.Clock
	ready  func() bool
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The ready
// callback reports worker-pool readiness for the readiness probe; nil means
// always ready.
func NewServer(
	broker scan.Broker,
	store scan.ResultStore,
	idGen scan.IDGenerator,
	clock scan.Clock,
	ready func() bool,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		broker: broker,
		store:  store,
		idGen:  idGen,
		clock:  clock,
		ready:  ready,
		cfg:    cfg,
		logger: logger,
	}

	timeout := time.Duration(cfg.Server.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/scan-website", s.submitScan)
	r.Get("/scan-results/{jobId}", s.getScanResult)
	r.Get("/export-report/{jobId}", s.exportReport)
	r.Get("/scan-jobs/{jobId}", s.getJobStatus)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// healthz reports liveness: the process must be able to reach the result
// store, since no endpoint can serve anything useful without it.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "result store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "result store unreachable")
		return
	}
	if s.ready != nil && !s.ready() {
		writeError(w, http.StatusServiceUnavailable, "worker pool not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	URL string `json:"url"`
}

type submitResponse struct {
	JobID        string `json:"jobId"`
	SubmittedURL string `json:"submittedUrl"`
}

func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	normalized, err := scan.NormalizeTargetURL(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate job id failed")
		return
	}
	job := scan.Job{
		ID: jobID,
		Payload: scan.JobPayload{
			SubmittedURL:  normalized,
			OriginalJobID: jobID,
		},
		Status:    scan.JobStatusQueued,
		Submitted: s.clock.Now(),
	}

	// The gateway does not retry enqueue; resubmission mints a new job id.
	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	if err := s.broker.Enqueue(ctx, job); err != nil {
		s.logger.Error("enqueue failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue scan job failed")
		return
	}

	s.logger.Info("scan accepted",
		zap.String("job_id", jobID),
		zap.String("url", normalized),
	)
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:        jobID,
		SubmittedURL: normalized,
	})
}

type resultResponse struct {
	scan.Result
	Score  int    `json:"score"`
	Health string `json:"health"`
}

func (s *Server) getScanResult(w http.ResponseWriter, r *http.Request) {
	result, ok := s.lookupResult(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{
		Result: result,
		Score:  scan.Score(result.Violations),
		Health: string(scan.Health(scan.Score(result.Violations))),
	})
}

func (s *Server) exportReport(w http.ResponseWriter, r *http.Request) {
	result, ok := s.lookupResult(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := renderReport(w, result); err != nil {
		s.logger.Error("render report failed",
			zap.String("job_id", result.JobID),
			zap.Error(err),
		)
	}
}

// lookupResult resolves {jobId} against the store, trying the broker-issued
// id first and the client-visible original id second. A missing row is
// indistinguishable from a still-pending job, so both answer 404.
func (s *Server) lookupResult(w http.ResponseWriter, r *http.Request) (scan.Result, bool) {
	jobID := chi.URLParam(r, "jobId")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "jobId is required")
		return scan.Result{}, false
	}
	result, err := s.store.Get(r.Context(), jobID)
	if errors.Is(err, scan.ErrResultNotFound) {
		result, err = s.store.GetByOriginalID(r.Context(), jobID)
	}
	if err != nil {
		if errors.Is(err, scan.ErrResultNotFound) {
			writeError(w, http.StatusNotFound, "scan result not found")
		} else {
			s.logger.Error("result lookup failed", zap.String("job_id", jobID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "result lookup failed")
		}
		return scan.Result{}, false
	}
	return result, true
}

type jobStatusResponse struct {
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	URL      string `json:"url"`
}

// getJobStatus reports broker-side state for operational inspection.
// Terminal jobs are retained only up to a bounded count, so a 404 here says
// nothing about whether a result exists.
func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, err := s.broker.Job(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, scan.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
		} else {
			s.logger.Error("job lookup failed", zap.String("job_id", jobID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "job lookup failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, jobStatusResponse{
		JobID:    job.ID,
		Status:   string(job.Status),
		Attempts: job.Attempts,
		URL:      job.Payload.SubmittedURL,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
