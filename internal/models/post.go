// Package models contains the domain types shared by the feed synchronization packages.
package models

import (
	"fmt"
	"strings"
	"time"
)

// TemporaryIDPrefix marks ids synthesized on the client until the server assigns one.
const TemporaryIDPrefix = "temp-"

// DeletedUserName is the sentinel the backend uses when it cannot resolve an author.
const DeletedUserName = "Deleted User"

// ReactionSummary is the cached reaction state of a post.
type ReactionSummary struct {
	Count     int  `json:"count"`
	LikedByMe bool `json:"liked_by_me"`
}

// Post is the locally held representation of a feed entry.
type Post struct {
	ID                string          `json:"id"`
	AuthorID          string          `json:"author_id"`
	AuthorDisplayName string          `json:"author_display_name"`
	Content           string          `json:"content"`
	CreatedAt         time.Time       `json:"created_at"`
	ImageRefs         []string        `json:"image_refs"`
	VideoRef          string          `json:"video_ref,omitempty"`
	CommentCount      int             `json:"comment_count"`
	Reactions         ReactionSummary `json:"reactions"`
	// Version is the store revision of the last local mutation of this record.
	Version uint64 `json:"version"`
}

// IsTemporary reports whether the post still carries a client-generated id.
func (p Post) IsTemporary() bool {
	return IsTemporaryID(p.ID)
}

// HasMedia reports whether the post references at least one image or a video.
func (p Post) HasMedia() bool {
	return len(p.ImageRefs) > 0 || p.VideoRef != ""
}

// MediaRefs returns the video reference (if any) followed by the image references.
func (p Post) MediaRefs() []string {
	refs := make([]string, 0, len(p.ImageRefs)+1)
	if p.VideoRef != "" {
		refs = append(refs, p.VideoRef)
	}
	return append(refs, p.ImageRefs...)
}

// Clone returns a deep copy so callers can't mutate slices held by the store.
func (p Post) Clone() Post {
	out := p
	if p.ImageRefs != nil {
		out.ImageRefs = append([]string(nil), p.ImageRefs...)
	}
	return out
}

// IsTemporaryID reports whether id was synthesized on the client.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporaryIDPrefix)
}

// NewTemporaryID builds a temporary id from the given instant.
func NewTemporaryID(now time.Time) string {
	return fmt.Sprintf("%s%d", TemporaryIDPrefix, now.UnixMilli())
}

// NeedsDisplayName reports whether the backend left the author name unresolved.
func NeedsDisplayName(name string) bool {
	name = strings.TrimSpace(name)
	return name == "" || name == DeletedUserName
}
