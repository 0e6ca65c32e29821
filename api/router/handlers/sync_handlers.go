package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"commentsync/core"
	"commentsync/logger"
	"commentsync/models"
)

// SyncService is the controller surface exposed over HTTP.
type SyncService interface {
	Status() models.SyncStatus
	Comments() []models.Comment
	Resync(full bool) error
}

// SnapshotService describes the interceptor's latest capture.
type SnapshotService interface {
	Info(maxAge time.Duration) models.SnapshotInfo
}

// SyncHandlers serves the sync loop's status endpoints.
type SyncHandlers struct {
	Sync           SyncService
	Snapshots      SnapshotService
	SnapshotMaxAge time.Duration
}

// GetStateHandler returns the controller status of the current page.
func (h *SyncHandlers) GetStateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Sync.Status())
}

// GetCommentsHandler returns the comments held for the current page.
func (h *SyncHandlers) GetCommentsHandler(w http.ResponseWriter, r *http.Request) {
	comments := h.Sync.Comments()
	if comments == nil {
		comments = []models.Comment{}
	}
	writeJSON(w, http.StatusOK, comments)
}

// ResyncHandler queues a sync cycle. ?full=true drops the held comments
// first.
func (h *SyncHandlers) ResyncHandler(w http.ResponseWriter, r *http.Request) {
	full := false
	if v := r.URL.Query().Get("full"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "full must be a boolean")
			return
		}
		full = parsed
	}

	if err := h.Sync.Resync(full); err != nil {
		if errors.Is(err, core.ErrNoActiveEpoch) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		logger.Error("ResyncHandler: %v", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	logger.Info("ResyncHandler: resync queued (full=%t)", full)
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

// GetSnapshotHandler describes the latest intercepted comment list.
func (h *SyncHandlers) GetSnapshotHandler(w http.ResponseWriter, r *http.Request) {
	if h.Snapshots == nil {
		writeJSON(w, http.StatusOK, models.SnapshotInfo{})
		return
	}
	writeJSON(w, http.StatusOK, h.Snapshots.Info(h.SnapshotMaxAge))
}
