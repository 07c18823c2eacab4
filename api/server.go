/*
server.go - Router and middleware configuration

PURPOSE:
  Wires URLs to handlers with chi. Middleware: request logging, panic
  recovery, request IDs, CORS for browser clients, plus the Prometheus
  /metrics endpoint.

SECURITY NOTE:
  No authentication here - the engine sits behind the platform's gateway,
  which owns sessions and admin roles.
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/wallets/{userID}", func(r chi.Router) {
			r.Get("/", h.Wallet)
			r.Post("/grant", h.Grant)
			r.Post("/debit", h.Debit)
			r.Get("/ledger", h.History)
			r.Get("/caps", h.RemainingCaps)
		})

		r.Get("/caps", h.CapTable)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/idempotency/purge", h.PurgeIdempotency)
		})
	})

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
