package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

var defaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// SetupRoutes configures all routes. adminToken guards /api/admin.
func SetupRoutes(h *Handlers, allowedOrigins []string, adminToken string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", OwnerHeader, AdminTokenHeader, "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if h.health != nil {
		r.Get("/health", h.health.HandleHealth)
		r.Get("/health/live", h.health.HandleLiveness)
		r.Get("/health/ready", h.health.HandleReadiness)
	}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(RequireOwner)

			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", h.SubmitJob)
				r.Get("/{id}", h.GetJob)
				r.Get("/{id}/results", h.JobResults)
				r.Post("/{id}/cancel", h.CancelJob)
				r.Get("/{id}/events", h.JobEvents)
			})

			r.Route("/webhooks", func(r chi.Router) {
				r.Post("/", h.RegisterWebhook)
				r.Get("/", h.ListWebhooks)
				r.Delete("/{id}", h.DeleteWebhook)
			})

			r.Get("/credits", h.Balance)
			r.Get("/credits/transactions", h.CreditTransactions)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin(adminToken))

			r.Get("/dead-letters", h.ListDeadLetters)
			r.Post("/dead-letters/replay", h.ReplayDeadLetters)
			r.Post("/dead-letters/{id}/replay", h.ReplayDeadLetter)
			r.Get("/throttle/{domain}", h.ThrottleState)
			r.Post("/credits", h.Deposit)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	return r
}
