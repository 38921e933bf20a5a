package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all risk model routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/risk-model", func(r chi.Router) {
		r.Post("/fit", h.HandleFit)
		r.Post("/statistical/fit", h.HandleFitStatistical)

		r.Route("/snapshots/{runID}", func(r chi.Router) {
			r.Get("/", h.HandleGetSnapshot)
			r.Post("/explain", h.HandleExplain)
			r.Post("/portfolio-risk", h.HandlePortfolioRisk)
		})
	})
}
