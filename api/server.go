/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the front desk UI

ROUTE GROUPS:
  /api/participations/*  Balances, history, payments, charges
  /api/entries/*         Entry voids
  /api/trips/*           Rosters and trip balances
  /api/scenarios/*       Demo scenarios
  /api/admin/*           Reconciliation
  /api/events            Audit trail

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

var defaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
// An empty origins list falls back to the local development origins.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", "X-Operator"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/participations/{id}", func(r chi.Router) {
			r.Get("/", h.GetParticipation)
			r.Get("/balance", h.GetBalance)
			r.Get("/history", h.GetHistory)
			r.Get("/related", h.GetRelated)
			r.Get("/outstanding", h.GetOutstanding)
			r.Get("/quick-amounts", h.GetQuickAmounts)
			r.Post("/payments", h.RegisterPayment)
			r.Post("/settle", h.SettleFully)
			r.Put("/charges/{scope}", h.SetCharge)
		})

		r.Post("/entries/{id}/void", h.VoidEntry)

		r.Route("/trips/{id}", func(r chi.Router) {
			r.Get("/roster", h.GetRoster)
			r.Put("/roster", h.PutRoster)
			r.Get("/balances", h.GetTripBalances)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})

		r.Post("/admin/reconcile", h.TriggerReconcile)
		r.Get("/events", h.ListEvents)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
