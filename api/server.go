/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/ingest/*         CSV ingestion
  /api/summary/*        Derived-table rebuild
  /api/summaries/*      Derived-table reads
  /api/enrichment/*     Registry enrichment
  /api/tasks/*          Background task polling
  /api/mapping/*        Cross-reference mapping
  /api/registry/*       Registry limiter status
  /api/apportionment    Seat computation
  /api/stats            Global statistics

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Ingestion routes
		r.Route("/ingest", func(r chi.Router) {
			r.Post("/{kind}", h.IngestFile)
		})

		// Summary routes
		r.Route("/summary", func(r chi.Router) {
			r.Post("/rebuild", h.TriggerRebuild)
		})
		r.Route("/summaries", func(r chi.Router) {
			r.Get("/", h.ListSummaries)
			r.Get("/{siret}", h.GetSummary)
		})

		// Enrichment routes
		r.Route("/enrichment", func(r chi.Router) {
			r.Post("/run", h.TriggerEnrichment)
		})
		r.Route("/registry", func(r chi.Router) {
			r.Get("/limiter", h.LimiterStatus)
		})

		// Task routes
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/{taskID}", h.GetTask)
		})

		// Mapping routes
		r.Route("/mapping", func(r chi.Router) {
			r.Post("/rebuild", h.RebuildMapping)
			r.Get("/stats", h.MappingStats)
		})

		// Computation routes
		r.Post("/apportionment", h.Apportion)
		r.Get("/stats", h.GlobalStats)
	})

	return r
}
