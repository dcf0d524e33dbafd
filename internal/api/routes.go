package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the engine's routes. Authentication happens at the
// platform gateway; the engine itself only sees trusted internal traffic and
// provider webhooks.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://admin.fitpulse.io", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HandleHealth)

	// Provider callbacks arrive outside the API prefix.
	r.Post("/webhooks/engagement", h.HandleEngagementWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", h.HandleEvent)
		r.Post("/unsubscribe", h.HandleUnsubscribe)

		r.Route("/campaigns/{campaignID}", func(r chi.Router) {
			r.Get("/stats", h.HandleCampaignStats)
			r.Post("/stats/recompute", h.HandleStatsRecompute)
			r.Post("/validate", h.HandleValidateCampaign)
			r.Get("/enrollments/{recipientID}", h.HandleEnrollmentDebug)
		})
	})

	return r
}
