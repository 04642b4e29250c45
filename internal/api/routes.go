package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates the diagnostics router. The server binds to localhost
// only: it is a read-mostly observability surface for the device app, so
// there is no auth layer.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/queue", h.Queue)
		r.Get("/stats", h.Stats)
		r.Post("/sync", h.Sync)
	})

	return r
}
