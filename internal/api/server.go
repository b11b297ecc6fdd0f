// Package api exposes the orchestrator's HTTP surface: job submission
// and lifecycle queries, the agent-facing register/heartbeat/poll/
// claim/progress/report protocol, and a Prometheus /metrics endpoint.
// Routing, middleware, and the JSON response envelope all follow the
// teacher's internal/api server shape; only the routes and handlers
// are new.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chambrid/job-orchestrator/internal/intake"
	"github.com/chambrid/job-orchestrator/internal/metrics"
	"github.com/chambrid/job-orchestrator/internal/orcherrors"
	"github.com/chambrid/job-orchestrator/internal/registry"
	"github.com/chambrid/job-orchestrator/internal/store"
	"github.com/chambrid/job-orchestrator/internal/supervisor"
)

// BuildInfo carries version metadata stamped in at link time.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// Config holds HTTP server configuration.
type Config struct {
	BindAddr     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		BindAddr:     "0.0.0.0:8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Server is the orchestrator's HTTP front end.
type Server struct {
	config     *Config
	buildInfo  BuildInfo
	intake     *intake.Intake
	store      store.Store
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	log        logr.Logger
	httpServer *http.Server
}

func NewServer(cfg *Config, buildInfo BuildInfo, in *intake.Intake, s store.Store, reg *registry.Registry, sv *supervisor.Supervisor, log logr.Logger) *Server {
	return &Server{
		config:     cfg,
		buildInfo:  buildInfo,
		intake:     in,
		store:      s,
		registry:   reg,
		supervisor: sv,
		log:        log.WithName("api"),
	}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         s.config.BindAddr,
		Handler:      s.withMiddleware(mux),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.log.Info("starting API server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("stopping API server")
	return s.httpServer.Shutdown(ctx)
}

// RegisterTestRoutes exposes route registration for handler tests that
// drive the mux directly without a listening socket.
func (s *Server) RegisterTestRoutes(mux *http.ServeMux) {
	s.registerRoutes(mux)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)

	mux.HandleFunc("POST /agents", s.handleRegisterAgent)
	mux.HandleFunc("POST /agents/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /agents/{id}/poll", s.handlePoll)
	mux.HandleFunc("POST /batches/{id}/claim", s.handleClaim)
	mux.HandleFunc("POST /batches/{id}/progress", s.handleProgress)
	mux.HandleFunc("POST /batches/{id}/report", s.handleReport)

	mux.HandleFunc("GET /metrics/summary", s.handleMetricsSummary)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return s.withLogging(s.withRecover(next))
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.log.V(1).Info("request", "method", r.Method, "path", r.URL.Path,
			"status", rw.statusCode, "duration", time.Since(start))
	})
}

func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error(fmt.Errorf("%v", rec), "panic handling request", "path", r.URL.Path)
				s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Response is the JSON envelope every endpoint returns.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *MetaInfo   `json:"meta,omitempty"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type MetaInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := Response{
		Success: statusCode < 400,
		Data:    data,
		Meta:    &MetaInfo{Timestamp: time.Now(), Version: s.buildInfo.Version},
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.log.Error(err, "failed to encode JSON response")
	}
}

// writeErr maps a domain/orcherrors error onto its HTTP status and the
// {code, message} the caller should see, falling back to 500 for
// anything not in the typed hierarchy.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	if oe, ok := err.(orcherrors.OrchestratorError); ok {
		s.writeError(w, oe.HTTPStatus(), string(oe.Kind()), oe.Error(), "")
		return
	}
	s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), "")
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, code, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := Response{
		Success: false,
		Error:   &ErrorInfo{Code: code, Message: message, Details: details},
		Meta:    &MetaInfo{Timestamp: time.Now(), Version: s.buildInfo.Version},
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.log.Error(err, "failed to encode JSON error response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := metrics.Summarize(r.Context(), s.store)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}
