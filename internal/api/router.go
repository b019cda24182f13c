package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emberhq/ember/internal/database"
	"github.com/emberhq/ember/internal/events"
	mw "github.com/emberhq/ember/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Chat handlers
	ChatStream http.HandlerFunc
	Chat       http.HandlerFunc

	// Identity handlers
	GetIdentity    http.HandlerFunc
	UpdateIdentity http.HandlerFunc

	// Session handlers
	ListTurns  http.HandlerFunc
	EndSession http.HandlerFunc

	// Memory handlers
	CreateMemory   http.HandlerFunc
	SearchMemories http.HandlerFunc
	GetMemory      http.HandlerFunc

	// Auth middleware
	AuthMiddleware func(http.Handler) http.Handler

	// Memory index health
	IndexHealthy func() bool
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	ChatRateLimiter    func(http.Handler) http.Handler
}

func NewRouter(pool *pgxpool.Pool, eventsClient *events.Client, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe — always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	// Readiness probe — checks DB, NATS, and the memory index
	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status":   "healthy",
			"database": "healthy",
			"nats":     "healthy",
			"index":    "healthy",
		}

		status := http.StatusOK

		if err := database.HealthCheck(r.Context(), pool); err != nil {
			health["database"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if eventsClient != nil && !eventsClient.Healthy() {
			health["nats"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		} else if eventsClient == nil {
			health["nats"] = "not configured"
		}

		if h.IndexHealthy != nil && !h.IndexHealthy() {
			// A contended index is degraded, not down: turns still run
			// without memory augmentation.
			health["index"] = "unavailable"
			health["status"] = "degraded"
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			// Chat routes — optionally rate-limited
			r.Group(func(r chi.Router) {
				if cfg.ChatRateLimiter != nil {
					r.Use(cfg.ChatRateLimiter)
				}
				r.Post("/chat/stream", h.ChatStream)
				r.Post("/chat", h.Chat)
			})

			// Identity routes
			r.Route("/identity", func(r chi.Router) {
				r.Get("/", h.GetIdentity)
				r.Put("/", h.UpdateIdentity)
			})

			// Session routes
			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Get("/turns", h.ListTurns)
				r.Delete("/", h.EndSession)
			})

			// Memory routes
			r.Route("/memories", func(r chi.Router) {
				r.Post("/", h.CreateMemory)
				r.Post("/search", h.SearchMemories)
				r.Get("/{memoryID}", h.GetMemory)
			})
		})
	})

	return r
}
