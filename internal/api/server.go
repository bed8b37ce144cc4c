// Package api exposes the HTTP status interface for a provisioning run.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/minhvu-dev/account-provisioner/internal/allocator"
	"github.com/minhvu-dev/account-provisioner/internal/lease"
	"github.com/minhvu-dev/account-provisioner/internal/metrics"
	"github.com/minhvu-dev/account-provisioner/internal/registry"
)

// Progress is the JSON payload served at /progress.
type Progress struct {
	RunID     string `json:"run_id"`
	Total     int    `json:"total"`
	Remaining int    `json:"remaining"`
	InFlight  int    `json:"in_flight"`
	Leases    int    `json:"leases_held"`
}

// Server wires HTTP handlers to the run's live components.
type Server struct {
	router chi.Router
	runID  string
	alloc  *allocator.Allocator
	reg    *registry.Registry
	pool   *lease.Pool
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runID string, alloc *allocator.Allocator, reg *registry.Registry, pool *lease.Pool, logger *zap.Logger) *Server {
	s := &Server{
		runID:  runID,
		alloc:  alloc,
		reg:    reg,
		pool:   pool,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/progress", s.progress)

	s.router = r
	return s
}

// Handler returns the router for mounting into an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the status server until it fails. Intended to run on
// its own goroutine; a run does not depend on it.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) progress(w http.ResponseWriter, _ *http.Request) {
	p := Progress{
		RunID:     s.runID,
		Total:     s.alloc.Total(),
		Remaining: s.alloc.Remaining(),
		InFlight:  s.reg.Len(),
		Leases:    s.pool.Held(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(p); err != nil {
		s.logger.Warn("encode progress", zap.Error(err))
	}
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", zap.Any("panic", rec))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
