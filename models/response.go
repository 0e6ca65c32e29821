package models

// ErrorResponse is a generic error response structure for API
type ErrorResponse struct {
	Message string `json:"message"`
}

// SnapshotInfo describes the interceptor's latest capture.
type SnapshotInfo struct {
	Present    bool     `json:"present"`
	Fresh      bool     `json:"fresh"`
	AgeMs      int64    `json:"age_ms,omitempty"`
	CommentIDs []string `json:"comment_ids,omitempty"`
}
