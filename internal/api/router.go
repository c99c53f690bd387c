// Package api provides the HTTP API for TripScope.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tripscope/tripscope/internal/analysis"
	"github.com/tripscope/tripscope/internal/api/handler"
	"github.com/tripscope/tripscope/internal/api/middleware"
	"github.com/tripscope/tripscope/internal/resilience"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics
	Analysis    *analysis.Service
	Registry    *resilience.Registry
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "tripscope-api"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)            // Generate/propagate request ID first
	r.Use(middleware.Tracing(serviceName)) // Distributed tracing
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware()) // HTTP metrics
	}
	r.Use(middleware.Logger(cfg.Logger))   // Structured logging
	r.Use(middleware.Recovery(cfg.Logger)) // Panic recovery
	r.Use(chimiddleware.RealIP)            // Real IP extraction
	r.Use(middleware.SecurityHeaders)      // Security headers (HSTS, CSP, etc.)
	r.Use(middleware.RequireTLS)           // TLS enforcement (enabled via REQUIRE_TLS=true)
	r.Use(middleware.ContentTypeJSON)      // JSON content type

	// A nil *analysis.Service must not become a non-nil interface.
	var (
		provider handler.FacadeProvider
		status   handler.StatusProvider
	)
	if cfg.Analysis != nil {
		provider = cfg.Analysis
		status = cfg.Analysis
	}

	opsHandler := handler.NewOpsHandler(cfg.Version, cfg.BuildTime, status, cfg.Registry)
	analysisHandler := handler.NewAnalysisHandler(provider, cfg.Logger)

	runRateLimit := middleware.RateLimitByIP(middleware.RunRateLimit)     // 6 req/min
	queryRateLimit := middleware.RateLimitByIP(middleware.QueryRateLimit) // 120 req/min

	r.Route("/v1", func(r chi.Router) {
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			r.Get("/status", opsHandler.SystemStatus)
		})

		// Read side - anonymized aggregates only
		r.Group(func(r chi.Router) {
			r.Use(queryRateLimit)
			r.Get("/heatmap", analysisHandler.GetHeatmap)
			r.Get("/routes", analysisHandler.GetRoutes)
			r.Get("/anomalies", analysisHandler.GetAnomalies)
			r.Get("/overview", analysisHandler.GetOverview)
			r.Get("/report", analysisHandler.GetReport)
		})

		// Runs re-read the whole source, strict rate limiting
		r.With(runRateLimit, middleware.RequireJSON).Post("/runs", analysisHandler.StartRun)
	})

	return r
}
