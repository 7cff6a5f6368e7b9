package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/logging"
)

const healthTimeout = 5 * time.Second

// Server exposes /metrics, /health and /tasks for a worker process
type Server struct {
	server  *http.Server
	port    int
	logger  *logging.Logger
	health  func(ctx context.Context) error
	running func() []string
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithHealthCheck makes /health report 503 while check fails
func WithHealthCheck(check func(ctx context.Context) error) ServerOption {
	return func(s *Server) { s.health = check }
}

// WithRunningTasks makes /tasks list the ids returned by running
func WithRunningTasks(running func() []string) ServerOption {
	return func(s *Server) { s.running = running }
}

// NewServer creates a new metrics server
func NewServer(port int, logger *logging.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	s := &Server{port: port, logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/tasks", s.tasksHandler)
	return mux
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.WithField("port", s.port).Info("Starting metrics server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down metrics server")
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) tasksHandler(w http.ResponseWriter, r *http.Request) {
	tasks := []string{}
	if s.running != nil {
		tasks = append(tasks, s.running()...)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"running": tasks})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
