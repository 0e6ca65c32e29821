package models

import "time"

// ResourceType is the kind of page that hosts a comment list.
type ResourceType string

const (
	ResourceProject        ResourceType = "project"
	ResourceQnA            ResourceType = "qna"
	ResourceTips           ResourceType = "tips"
	ResourceGroupCommunity ResourceType = "groupCommunity"
)

// PageContext identifies the comment target of the current URL.
type PageContext struct {
	Type       ResourceType `json:"type"`
	ResourceID string       `json:"resource_id"`
	GroupID    string       `json:"group_id,omitempty"`
	URL        string       `json:"url"`
}

// MutationKind classifies page changes reported to observers.
type MutationKind string

const (
	MutationNavigation MutationKind = "navigation"
	MutationChildList  MutationKind = "childList"
	MutationSortLabel  MutationKind = "sortLabel"
	MutationAttribute  MutationKind = "attribute"
)

// AddedNode describes an element added to the comment list.
type AddedNode struct {
	Tag     string   `json:"tag"`
	Classes []string `json:"classes"`
}

// HasClass reports whether the node carries class name c.
func (n AddedNode) HasClass(c string) bool {
	for _, cls := range n.Classes {
		if cls == c {
			return true
		}
	}
	return false
}

// Mutation is one change notification from the page.
type Mutation struct {
	Kind    MutationKind `json:"kind"`
	URL     string       `json:"url,omitempty"`
	Added   []AddedNode  `json:"added,omitempty"`
	Removed int          `json:"removed,omitempty"`
	Label   string       `json:"label,omitempty"`
}

// TagWrite is an identity attribute write performed on a comment node.
// An empty ID means the attribute was removed.
type TagWrite struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
}

// SyncPhase is the controller state of a navigation epoch.
type SyncPhase string

const (
	PhaseIdle         SyncPhase = "idle"
	PhaseInitializing SyncPhase = "initializing"
	PhaseSynced       SyncPhase = "synced"
	PhaseReconciling  SyncPhase = "reconciling"
)

// SyncStatus is a point-in-time view of the controller for the status API.
type SyncStatus struct {
	URL          string            `json:"url"`
	EpochID      string            `json:"epoch_id,omitempty"`
	Context      *PageContext      `json:"context,omitempty"`
	Phase        SyncPhase         `json:"phase"`
	CommentIDs   []string          `json:"comment_ids"`
	DOMNodes     int               `json:"dom_nodes"`
	Sort         SortOption        `json:"sort"`
	LastSyncAt   *time.Time        `json:"last_sync_at,omitempty"`
	LastSyncNote string            `json:"last_sync_note,omitempty"`
	Credentials  CredentialsStatus `json:"credentials"`
}
