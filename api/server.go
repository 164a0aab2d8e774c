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
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/triggers          Trigger event intake
  /api/customers/*       Customer-facing reads (choices, enrollment)
  /api/choices/*         Choice inspection and claiming
  /api/admin/*           Rule management, cancellation, expiration sweep
  /api/reset             Database reset (dev only)

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
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Trigger intake
		r.Post("/triggers", h.RecordTrigger)

		// Customer routes
		r.Route("/customers", func(r chi.Router) {
			r.Get("/{id}/choices", h.ListChoices)
			r.Get("/{id}/enrollment", h.GetEnrollment)
		})

		// Choice routes
		r.Route("/choices", func(r chi.Router) {
			r.Get("/{id}", h.GetChoice)
			r.Post("/{id}/claim", h.ClaimChoice)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/rules", h.ListRules)
			r.Post("/rules", h.CreateRule)
			r.Post("/choices/{id}/cancel", h.CancelChoice)
			r.Post("/expire", h.ExpireChoices)
		})

		// Dev reset
		r.Post("/reset", h.ResetDatabase)
	})

	return r
}
