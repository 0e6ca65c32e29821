package core

import (
	"commentsync/logger"
	"commentsync/models"
)

// CommentNodes is the ordered list of comment elements on the page.
type CommentNodes interface {
	CommentTags() []string
	SetCommentTag(i int, id string)
	ClearCommentTag(i int)
}

// ReconcileResult summarizes one reconcile pass.
type ReconcileResult struct {
	Nodes    int `json:"nodes"`
	Matched  int `json:"matched"`
	Written  int `json:"written"`
	Stripped int `json:"stripped"`
}

// Reconcile tags the node at position i with comments[i].id, writing only
// where the current tag differs. Nodes past the end of comments lose their
// tag. Comments without an id leave their node untouched.
func Reconcile(nodes CommentNodes, comments []models.Comment) ReconcileResult {
	tags := nodes.CommentTags()
	res := ReconcileResult{Nodes: len(tags)}

	for i := 0; i < len(tags) && i < len(comments); i++ {
		id := comments[i].ID
		if id == "" {
			continue
		}
		res.Matched++
		if tags[i] != id {
			nodes.SetCommentTag(i, id)
			res.Written++
		}
	}
	for i := len(comments); i < len(tags); i++ {
		if tags[i] != "" {
			nodes.ClearCommentTag(i)
			res.Stripped++
		}
	}

	if n := res.Written + res.Stripped; n > 0 {
		reconcileWrites.Add(float64(n))
		logger.Debug("Reconciler: %d nodes, %d comments, %d tagged, %d stripped", res.Nodes, len(comments), res.Written, res.Stripped)
	}
	return res
}
