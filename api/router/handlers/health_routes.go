package handlers

import (
	"encoding/json"
	"net/http"

	"commentsync/logger"

	"github.com/go-chi/chi/v5"
)

// BridgeState reports whether a browser page is attached.
type BridgeState interface {
	Connected() bool
}

func RegisterHealthRoutes(r chi.Router, bridge BridgeState) {
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		healthCheckHandler(w, req, bridge)
	})
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request, bridge BridgeState) {
	resp := struct {
		OK     bool `json:"ok"`
		Bridge bool `json:"bridge_connected"`
	}{OK: true}
	if bridge != nil {
		resp.Bridge = bridge.Connected()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("Error encoding health check response: %v", err)
	}
}
