// Package server provides the HTTP server and routing for the risk model service.
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

	"github.com/aristath/factorrisk/internal/metrics"
	"github.com/aristath/factorrisk/internal/modules/optimization"
	optimizationhandlers "github.com/aristath/factorrisk/internal/modules/optimization/handlers"
	"github.com/aristath/factorrisk/internal/modules/rebalancing"
	rebalancinghandlers "github.com/aristath/factorrisk/internal/modules/rebalancing/handlers"
	"github.com/aristath/factorrisk/internal/modules/riskmodel"
	riskmodelhandlers "github.com/aristath/factorrisk/internal/modules/riskmodel/handlers"
)

// HealthChecker reports whether a backing store is usable. *database.DB satisfies it.
type HealthChecker interface {
	QuickCheck(ctx context.Context) error
	Name() string
}

// Config holds server configuration
type Config struct {
	Log              zerolog.Logger
	Port             int
	DevMode          bool
	RequestTimeout   time.Duration
	Metrics          *metrics.Registry
	Databases        []HealthChecker
	RiskModel        *riskmodel.Service
	Optimizer        *optimization.OptimizerCore
	RequestOptimizer *optimization.RequestOptimizer
	Runner           *rebalancing.Runner
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    Config
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(s.cfg.RequestTimeout))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", s.cfg.Metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		if s.cfg.RiskModel != nil {
			riskmodelhandlers.NewHandler(s.cfg.RiskModel, s.log).RegisterRoutes(r)
		}

		if s.cfg.Optimizer != nil && s.cfg.RequestOptimizer != nil {
			var snapshots optimizationhandlers.SnapshotSource = missingSnapshots{}
			if s.cfg.RiskModel != nil {
				snapshots = s.cfg.RiskModel
			}
			optimizationhandlers.NewHandler(s.cfg.Optimizer, s.cfg.RequestOptimizer, snapshots, s.log).RegisterRoutes(r)
		}

		if s.cfg.Runner != nil {
			rebalancinghandlers.NewHandler(s.cfg.Runner, s.log).RegisterRoutes(r)
		}
	})
}

// missingSnapshots answers every lookup with ErrSnapshotNotFound when no risk model service is wired
type missingSnapshots struct{}

func (missingSnapshots) Snapshot(string) (*riskmodel.Snapshot, error) {
	return nil, riskmodel.ErrSnapshotNotFound
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
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
