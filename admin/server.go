// Package admin exposes the operational HTTP surface: health, pipeline
// status, Prometheus metrics and pprof.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/rowcast/rowcast/telemetry"
)

// Server is the admin HTTP server
type Server struct {
	httpServer *http.Server
}

// NewServer builds the router and server for the given listen address
func NewServer(addr string, handlers *Handlers) *Server {
	r := chi.NewRouter()

	// Liveness probe, always unauthenticated
	r.Get("/healthz", handlers.handleHealth)

	// Pipeline status (auth required when a token is configured)
	r.With(AuthMiddleware).Get("/status", handlers.handleStatus)

	// Prometheus metrics
	if metricsHandler := telemetry.GetMetricsHandler(); metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	// Register pprof handlers for profiling
	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the router, used by tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves in a background goroutine
func (s *Server) Start() {
	log.Info().Str("address", s.httpServer.Addr).Msg("Starting admin server")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Shutdown stops the server, waiting for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Stopping admin server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}
