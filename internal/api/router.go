package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agentoven/agentoven/query-gateway/internal/api/handlers"
	"github.com/agentoven/agentoven/query-gateway/internal/api/middleware"
	"github.com/agentoven/agentoven/query-gateway/internal/config"
	"github.com/agentoven/agentoven/query-gateway/pkg/contracts"
)

// NewRouter creates the HTTP router with all gateway routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, chain contracts.AuthProviderChain) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.TraceIDs)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Service-Token",
			"X-Trace-Id", "X-Request-Id", "X-User-Id", "X-Admin-Id", "X-Tenant-Id",
		},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: !allowsAnyOrigin(cfg.CORSOrigins),
		MaxAge:           300,
	}))
	r.Use(middleware.NewAuthMiddleware(chain).Handler)

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Get("/version", h.Version)

	// Metrics
	r.Get("/metrics", h.MetricsSnapshot)
	r.Handle("/metrics/prometheus", h.Metrics.Handler())

	// Query context & enhancement
	r.Post("/query-context", h.PrepareQuery)
	r.Route("/query", func(r chi.Router) {
		r.Post("/prepare", h.PrepareQuery)
		r.Post("/enhance", h.Enhance)
	})

	// Chat
	r.Route("/chat", func(r chi.Router) {
		r.Post("/", h.Chat)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Get("/rollout", h.RolloutStatus)
			r.Post("/rollout/reset", h.RolloutReset)
		})
	})

	// Rewrite failure journal
	r.Route("/internal/qc/rewrite/failures", func(r chi.Router) {
		r.Get("/", h.ListRewriteFailures)
		r.Post("/{id}/replay", h.ReplayRewriteFailure)
	})

	return r
}

// allowsAnyOrigin reports a wildcard origin list; browsers reject
// credentials together with "*".
func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return len(origins) == 0
}
