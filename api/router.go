package api

import (
	"net/http"
	"time"

	"commentsync/api/router/handlers"
	"commentsync/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Services are the components the HTTP surface exposes.
type Services struct {
	Sync           handlers.SyncService
	Snapshots      handlers.SnapshotService
	SnapshotMaxAge time.Duration
	Bridge         http.Handler
	BridgeState    handlers.BridgeState
	BridgePath     string
}

// NewRouter builds the server's root handler: the status API under /api,
// prometheus metrics, and the page bridge websocket.
func NewRouter(svc Services) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		handlers.RegisterHealthRoutes(r, svc.BridgeState)
		handlers.RegisterSyncRoutes(r, &handlers.SyncHandlers{
			Sync:           svc.Sync,
			Snapshots:      svc.Snapshots,
			SnapshotMaxAge: svc.SnapshotMaxAge,
		})
	})
	r.Handle("/metrics", promhttp.Handler())
	if svc.Bridge != nil {
		path := svc.BridgePath
		if path == "" {
			path = "/bridge"
		}
		r.Handle(path, svc.Bridge)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		logger.Error("Unhandled route: %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
	})
	return r
}
