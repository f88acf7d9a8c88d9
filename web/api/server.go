// Package api exposes the HTTP surface: REST endpoints over routines, tasks
// and executions, an SSE stream per execution and a websocket feed per owner.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/loopforge/runway/internal/domain"
	"github.com/loopforge/runway/internal/logstream"
	"github.com/loopforge/runway/internal/store"
)

// Executor launches a routine run. Satisfied by session.Runner.
type Executor interface {
	Run(ctx context.Context, routine *domain.Routine, trigger domain.TriggerType, taskID string) (string, error)
	Busy(routineID string) bool
	InFlight() int
}

// Health reports liveness of the background loops
type Health struct {
	SchedulerTick func() time.Time
	DispatchPass  func() time.Time
}

// Server is the HTTP API server
type Server struct {
	logger  *slog.Logger
	store   *store.Store
	exec    Executor
	broker  *logstream.Broker
	health  Health
	addr    string
	mux     *http.ServeMux
	started time.Time
}

// NewServer creates a new API server
func NewServer(logger *slog.Logger, st *store.Store, exec Executor, broker *logstream.Broker, health Health, addr string) *Server {
	s := &Server{
		logger:  logger,
		store:   st,
		exec:    exec,
		broker:  broker,
		health:  health,
		addr:    addr,
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/routines", s.listRoutinesHandler())
	s.mux.HandleFunc("/api/routines/", s.routineHandler())
	s.mux.HandleFunc("/api/tasks", s.listTasksHandler())
	s.mux.HandleFunc("/api/tasks/", s.taskHandler())
	s.mux.HandleFunc("/api/executions", s.listExecutionsHandler())
	s.mux.HandleFunc("/api/executions/", s.executionHandler())
	s.mux.HandleFunc("/api/feed", s.feedHandler())
}

// Handler returns the routing mux, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the HTTP server until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("http server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
