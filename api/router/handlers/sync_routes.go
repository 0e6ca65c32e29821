package handlers

import (
	"github.com/go-chi/chi/v5"
)

func RegisterSyncRoutes(r chi.Router, h *SyncHandlers) {
	r.Get("/state", h.GetStateHandler)
	r.Get("/comments", h.GetCommentsHandler)
	r.Post("/resync", h.ResyncHandler)
	r.Get("/snapshot", h.GetSnapshotHandler)
}
