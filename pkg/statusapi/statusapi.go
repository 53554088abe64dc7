// Package statusapi implements the supervisor's debug status endpoint:
// a small HTTP surface, enabled only when --debug is set, exposing
// liveness, a JSON snapshot of every tracked instance, and Prometheus
// metrics (spec.md §6 "debug status endpoint"). Router grounded on
// aristath-portfolioManager's chi.NewRouter()+middleware.Logger/
// Recoverer convention; the teacher's own pkg/api/health.go uses a bare
// http.ServeMux, which this supersedes so /status can do real routing
// (path params are not needed today, but chi's middleware stack is worth
// having from the start for this endpoint's error and logging behavior).
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ridersdiscount/bend/pkg/metrics"
	"github.com/ridersdiscount/bend/pkg/types"
)

// InstanceLister is the subset of pkg/instance.Table the status
// endpoint needs; an interface so this package doesn't import
// pkg/instance directly.
type InstanceLister interface {
	List() []types.Instance
}

// Server is the debug status HTTP server.
type Server struct {
	srv *http.Server
}

// New constructs a status server bound to addr, reading instance state
// from lister.
func New(addr string, lister InstanceLister) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", healthHandler)
	r.Get("/status", statusHandler(lister))
	r.Handle("/metrics", metrics.Handler())

	return &Server{srv: &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}}
}

// Start serves until ctx is canceled. It never returns a non-nil error
// for a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type healthResponse struct {
	Status string `json:"status"`
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok"})
}

type statusResponse struct {
	Instances []types.Instance `json:"instances"`
}

func statusHandler(lister InstanceLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusResponse{Instances: lister.List()})
	}
}
