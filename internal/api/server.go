// Package api serves the admin HTTP surface: health, recent insights,
// stream inspection, control commands and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-insights/internal/models"
	"github.com/rcourtman/pulse-insights/internal/stats"
	"github.com/rcourtman/pulse-insights/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// Engine is the part of the pipeline the admin API reads and controls.
type Engine interface {
	Control(ctl stats.Control) error
	Granularities() []models.Granularity
	StreamKeys(g models.Granularity) []string
	StreamState(key string, g models.Granularity) (stats.StreamState, bool)
	Window(g models.Granularity) int
	RecentInsights(limit int) []models.Notification
	Idle() bool
}

// HistoryReader serves persisted statistics samples.
type HistoryReader interface {
	StatHistory(ctx context.Context, key string, g models.Granularity, since time.Time) ([]models.StatRecord, error)
}

// StorageReporter reports sink occupancy.
type StorageReporter interface {
	GetStats(ctx context.Context) storage.Stats
}

// Option customizes a Server.
type Option func(*Server)

// WithHistory enables /api/streams/history.
func WithHistory(h HistoryReader) Option {
	return func(s *Server) { s.history = h }
}

// WithStorage enables /api/storage.
func WithStorage(r StorageReporter) Option {
	return func(s *Server) { s.storage = r }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// Server is the admin HTTP server.
type Server struct {
	engine  Engine
	history HistoryReader
	storage StorageReporter
	version string
	started time.Time

	router *chi.Mux
	server *http.Server
}

// NewServer creates the server and its routes. It does not listen until
// Run is called.
func NewServer(addr string, engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:  engine,
		started: time.Now(),
		router:  chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/insights/recent", s.handleRecentInsights)
		r.Get("/streams", s.handleListStreams)
		r.Get("/streams/state", s.handleStreamState)
		r.Get("/streams/history", s.handleStreamHistory)
		r.Post("/control", s.handleControl)
		r.Get("/storage", s.handleStorage)
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("Admin API listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down admin API cleanly")
		return err
	}
	return nil
}

// requestLogger logs each request at debug level with zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		event := log.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			event = log.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Admin request")
	})
}
