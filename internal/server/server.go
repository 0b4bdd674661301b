// Package server exposes the read API over the published index family, the
// per-symbol metric series and the regime history, plus the operational
// surface: scheduler status, forced recomputes, backups and system status.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/stableyield/indexd/internal/config"
	"github.com/stableyield/indexd/internal/database"
	"github.com/stableyield/indexd/internal/metrics"
	"github.com/stableyield/indexd/internal/reliability"
	"github.com/stableyield/indexd/internal/scheduler"
	"github.com/stableyield/indexd/internal/store"
)

// SourceStater reports per-source circuit breaker states. The pipeline
// runner implements it.
type SourceStater interface {
	SourceStates() map[string]string
}

// Config carries the server's dependencies.
type Config struct {
	Log        zerolog.Logger
	Port       int
	AppConfig  *config.Config
	Settings   *config.Settings
	Store      store.Store
	Databases  []*database.DB
	Metrics    *metrics.Metrics
	Runner     SourceStater
	Scheduler  *scheduler.Scheduler
	Recomputer *scheduler.Recomputer
	Backups    *reliability.BackupService
	Monitor    *StatusMonitor
	Stream     *EventsStreamHandler
}

// Server is the HTTP front of the index service.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    Config
}

// New builds the router and wires every handler group.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Use(middleware.Compress(5))
}

func (s *Server) setupRoutes() {
	indices := newIndexHandlers(s.cfg.Store, s.cfg.Settings.Index, s.log)
	series := newSeriesHandlers(s.cfg.Store, s.log)
	regimes := newRegimeHandlers(s.cfg.Store, s.log)
	sched := newSchedulerHandlers(s.cfg.Scheduler, s.cfg.Recomputer, s.log)
	system := newSystemHandlers(s.cfg.AppConfig, s.cfg.Databases, s.cfg.Runner, s.cfg.Backups, s.cfg.Monitor, s.log)

	s.router.Get("/health", s.handleHealth)
	if s.cfg.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		if s.cfg.Stream != nil {
			r.Get("/events/stream", s.cfg.Stream.ServeHTTP)
		}

		r.Route("/indices/{code}", func(r chi.Router) {
			r.Get("/latest", indices.HandleLatest)
			r.Get("/history", indices.HandleHistory)
			r.Get("/constituents", indices.HandleConstituents)
			r.Get("/statistics", indices.HandleStatistics)
		})

		r.Route("/symbols/{symbol}", func(r chi.Router) {
			r.Get("/peg", series.HandlePeg)
			r.Get("/liquidity", series.HandleLiquidity)
			r.Get("/ray", series.HandleRAY)
		})

		r.Route("/regime", func(r chi.Router) {
			r.Get("/current", regimes.HandleCurrent)
			r.Get("/history", regimes.HandleHistory)
		})

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", sched.HandleStatus)
			r.Post("/recompute/{code}", sched.HandleRecompute)
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", system.HandleStatus)
			r.Get("/database/stats", system.HandleDatabaseStats)
			r.Post("/backup", system.HandleBackup)
		})
	})
}

// handleHealth reports liveness. Deeper checks live under /api/v1/system.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.log, w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"service":  "indexd",
		"degraded": s.cfg.AppConfig.DegradedMode,
	})
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs one line per request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
