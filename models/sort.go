package models

import "strings"

// SortField is the remote field comments are ordered by.
type SortField string

const (
	SortByCreated SortField = "created"
	SortByLikes   SortField = "likesLength"
)

// SortDirection uses the remote API's numeric convention.
type SortDirection int

const (
	Ascending  SortDirection = 1
	Descending SortDirection = -1
)

// SortOption is the ordering selected in the page's sort control.
type SortOption struct {
	Field     SortField     `json:"field"`
	Direction SortDirection `json:"direction"`
}

// DefaultSort is used when the sort control is missing or unrecognized.
var DefaultSort = SortOption{Field: SortByCreated, Direction: Descending}

// ParseSortOption maps a sort control label to a SortOption using table.
// Labels are matched after trimming whitespace. Unknown labels yield
// DefaultSort.
func ParseSortOption(label string, table map[string]SortOption) SortOption {
	if opt, ok := table[strings.TrimSpace(label)]; ok {
		return opt
	}
	return DefaultSort
}

// DefaultSortLabels mirrors the labels rendered by the host page.
func DefaultSortLabels() map[string]SortOption {
	return map[string]SortOption{
		"최신순":    {Field: SortByCreated, Direction: Descending},
		"등록순":    {Field: SortByCreated, Direction: Ascending},
		"좋아요순":   {Field: SortByLikes, Direction: Descending},
		"latest": {Field: SortByCreated, Direction: Descending},
		"oldest": {Field: SortByCreated, Direction: Ascending},
		"likes":  {Field: SortByLikes, Direction: Descending},
	}
}
