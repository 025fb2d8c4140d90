package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes. metricsHandler serves the
// Prometheus exposition; pass nil to leave /metrics unregistered.
func SetupRoutes(h *Handlers, streamer *ProgressStreamer, checker *HealthChecker, metricsHandler http.Handler, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", checker.HandleHealth)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}
	r.Get("/ws/progress", streamer.HandleProgress)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", h.StartBatch)
			r.Post("/reset", h.ResetQueue)
			r.Post("/retry", h.RetryBatch)
			r.Get("/last", h.GetLastResult)

			r.Route("/current", func(r chi.Router) {
				r.Get("/progress", h.GetProgress)
				r.Post("/pause", h.PauseBatch)
				r.Post("/resume", h.ResumeBatch)
				r.Post("/cancel", h.CancelBatch)
			})
		})

		r.Route("/breaker", func(r chi.Router) {
			r.Get("/", h.GetBreakerStats)
			r.Post("/reset", h.ResetBreaker)
		})
	})

	return r
}
