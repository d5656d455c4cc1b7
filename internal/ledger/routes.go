package ledger

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/transfers", h.handleTransfer)
	r.Post("/production", h.handleProduction)
	r.Post("/consumption", h.handleConsumption)
	r.Post("/adjustments", h.handleAdjustment)

	r.Get("/stock", h.handleStock)
	r.Get("/stock/low", h.handleLowStock)
	r.Get("/stock/expiring", h.handleExpiring)
	r.Get("/stock/summary", h.handleSummary)
}
