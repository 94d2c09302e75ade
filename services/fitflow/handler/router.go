package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ramiqadoumi/go-fit-flow/services/fitflow/middleware"
)

// NewRouter mounts the REST API.
func NewRouter(h *REST, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(64 << 10))
	r.Get("/healthz", h.Healthz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/queue", h.QueueItems)
		r.Post("/sync", h.Sync)
		r.Get("/unlocks", h.Unlocks)
		r.Get("/preferences", h.GetPreferences)
		r.Put("/preferences", h.PutPreferences)
	})
	return r
}
