package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/patternmesh/patternd/internal/api/handlers"
	mw "github.com/patternmesh/patternd/internal/api/middleware"
	"github.com/patternmesh/patternd/internal/buildconfig"
	"github.com/patternmesh/patternd/internal/config"
	"github.com/patternmesh/patternd/internal/federation"
	"github.com/patternmesh/patternd/internal/hub"
	"github.com/patternmesh/patternd/internal/service"
)

// App holds the router plus process counters for the metrics endpoint.
type App struct {
	Router       *chi.Mux
	startTime    time.Time
	requestCount atomic.Int64
	errorCount   atomic.Int64
}

func NewApp(svc *service.EngineService, fed *federation.Service, h *hub.Hub, logger *zap.Logger) *App {
	patternHandler := handlers.NewPatternHandler(svc)
	observeHandler := handlers.NewObserveHandler(svc)
	matchHandler := handlers.NewMatchHandler(svc)
	statsHandler := handlers.NewStatsHandler(svc, fed, h)
	federationHandler := handlers.NewFederationHandler(fed)
	wsHandler := handlers.NewWSHandler(svc, fed, h, logger)

	r := chi.NewRouter()

	app := &App{
		Router:    r,
		startTime: time.Now(),
	}

	metricsCollector := mw.NewMetricsCollector(&app.requestCount, &app.errorCount)

	// Global middleware (order matters)
	r.Use(mw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metricsCollector.Middleware)
	r.Use(mw.Logging(logger))
	r.Use(middleware.Recoverer)
	r.Use(mw.RateLimit(config.RateLimitRPS(), config.RateLimitBurst()))

	r.Get("/health", healthHandler(svc))
	r.Get("/metrics", app.metricsHandler())

	// Patterns
	r.Route("/patterns", func(r chi.Router) {
		r.Post("/", patternHandler.Register)
		r.Get("/", patternHandler.List)
		r.Post("/update", patternHandler.UpdateOutcome)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", patternHandler.GetByID)
			r.Delete("/", patternHandler.Delete)
		})
	})

	// Observations
	r.Post("/observe", observeHandler.Observe)
	r.Post("/batch/observe", observeHandler.ObserveBatch)

	// Queries
	r.Post("/match", matchHandler.Match)
	r.Post("/recommend", matchHandler.Recommend)

	// Statistics
	r.Get("/statistics", statsHandler.Statistics)

	// Federation
	r.Route("/federation", func(r chi.Router) {
		r.Get("/status", federationHandler.Status)
		r.Post("/sync", federationHandler.Sync)
	})

	// Live updates
	r.Get("/ws", wsHandler.Serve)

	return app
}

func healthHandler(svc *service.EngineService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"node_id":  svc.NodeID(),
			"patterns": svc.Statistics(r.Context()).TotalPatterns,
			"version":  buildconfig.Version(),
		})
	}
}

func (app *App) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)

		response := map[string]any{
			"uptime_seconds": uptime.Seconds(),
			"uptime_human":   uptime.Round(time.Second).String(),
			"request_count":  app.requestCount.Load(),
			"error_count":    app.errorCount.Load(),
			"goroutines":     runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
				"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
				"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
				"num_gc":         memStats.NumGC,
			},
			"go_version": runtime.Version(),
			"build":      buildconfig.VersionInfo(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}
