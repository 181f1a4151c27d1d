package models

import "strings"

// SortOption selects the ordering of the derived feed.
type SortOption string

const (
	SortNewest    SortOption = "newest"
	SortOldest    SortOption = "oldest"
	SortMostLiked SortOption = "mostLiked"
)

// ParseSortOption maps user input to a SortOption. "likes" is accepted as an alias of
// mostLiked; anything unknown falls back to newest.
func ParseSortOption(raw string) SortOption {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "oldest":
		return SortOldest
	case "mostliked", "most_liked", "likes":
		return SortMostLiked
	default:
		return SortNewest
	}
}

// FeedFilterState is the user-controlled input of the derived feed.
type FeedFilterState struct {
	SearchQuery string     `json:"search_query"`
	Sort        SortOption `json:"sort"`
}
