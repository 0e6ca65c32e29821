package models

import (
	"encoding/json"
)

// Comment is one record of the remote comment list. Only the fields the sync
// loop and the status API read are typed; the rest of the record is ignored.
type Comment struct {
	ID             string          `json:"id"`
	User           *CommentUser    `json:"user,omitempty"`
	Content        string          `json:"content"`
	Created        json.RawMessage `json:"created"` // Opaque sortable timestamp, kept byte-for-byte for cursors.
	Removed        bool            `json:"removed"`
	Blamed         bool            `json:"blamed"`
	Hide           bool            `json:"hide"`
	Pinned         bool            `json:"pinned"`
	CommentsLength int             `json:"commentsLength"`
	LikesLength    int             `json:"likesLength"`
	IsLike         bool            `json:"isLike"`
	Image          *MediaRef       `json:"image,omitempty"`
	Sticker        *MediaRef       `json:"sticker,omitempty"`
}

// CommentUser is the author block of a comment.
type CommentUser struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Role     string `json:"role,omitempty"`
}

// MediaRef references an uploaded image or sticker attached to a comment.
type MediaRef struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// CommentPage is the result of one comment-list call.
type CommentPage struct {
	Items  []Comment       `json:"list"`
	Total  int             `json:"total"`
	Cursor json.RawMessage `json:"searchAfter,omitempty"` // Threaded back verbatim; never interpreted.
}

// CursorAfter derives a continuation cursor positioned after c.
func CursorAfter(c Comment) json.RawMessage {
	created := c.Created
	if len(created) == 0 {
		created = json.RawMessage("null")
	}
	b, err := json.Marshal(struct {
		Created json.RawMessage `json:"created"`
		ID      string          `json:"id"`
	}{Created: created, ID: c.ID})
	if err != nil {
		return nil
	}
	return b
}

// CommentIDs returns the ids of comments in order.
func CommentIDs(comments []Comment) []string {
	ids := make([]string, 0, len(comments))
	for _, c := range comments {
		ids = append(ids, c.ID)
	}
	return ids
}

// AppendNew appends the items of next whose id is not already present in
// existing. Neither input is modified.
func AppendNew(existing, next []Comment) []Comment {
	seen := make(map[string]struct{}, len(existing)+len(next))
	out := make([]Comment, 0, len(existing)+len(next))
	for _, c := range existing {
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	for _, c := range next {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Dedup drops later duplicates by id, keeping first occurrences in order.
func Dedup(comments []Comment) []Comment {
	return AppendNew(nil, comments)
}
