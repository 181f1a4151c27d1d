package models

import (
	"encoding/json"
	"strings"
	"time"
)

// PostPayload is the post shape returned by the backend REST API.
type PostPayload struct {
	ID                 string            `json:"id"`
	UserID             string            `json:"userId"`
	UserName           string            `json:"userName"`
	UserFirstName      string            `json:"userFirstName"`
	UserLastName       string            `json:"userLastName"`
	Content            string            `json:"content"`
	ImageURLs          []string          `json:"imageUrls"`
	VideoURL           string            `json:"videoUrl"`
	CreatedAt          string            `json:"createdAt"`
	Likes              int               `json:"likes"`
	LikedByCurrentUser bool              `json:"likedByCurrentUser"`
	Comments           []json.RawMessage `json:"comments"`
	CommentCount       *int              `json:"commentCount,omitempty"`
}

// MediaPayload is what GET /media/{id} yields: either a pre-signed URL or raw bytes.
type MediaPayload struct {
	URL         string
	Data        []byte
	ContentType string
}

// Empty reports whether the payload carries neither a URL nor any bytes.
func (m *MediaPayload) Empty() bool {
	return m == nil || (m.URL == "" && len(m.Data) == 0)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts RFC3339 and zone-less ISO timestamps. Zone-less values are UTC.
func ParseTimestamp(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, v); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

// DisplayName resolves the author name, falling back to first and last name when the
// backend left it empty or marked it as deleted.
func (p *PostPayload) DisplayName() string {
	if !NeedsDisplayName(p.UserName) {
		return p.UserName
	}
	full := strings.TrimSpace(strings.TrimSpace(p.UserFirstName) + " " + strings.TrimSpace(p.UserLastName))
	if full != "" {
		return full
	}
	return p.UserName
}

// ToPost maps the wire payload to the local Post representation.
func (p *PostPayload) ToPost() Post {
	commentCount := len(p.Comments)
	if p.CommentCount != nil {
		commentCount = *p.CommentCount
	}
	var images []string
	for _, ref := range p.ImageURLs {
		if strings.TrimSpace(ref) != "" {
			images = append(images, ref)
		}
	}
	return Post{
		ID:                p.ID,
		AuthorID:          p.UserID,
		AuthorDisplayName: p.DisplayName(),
		Content:           p.Content,
		CreatedAt:         ParseTimestamp(p.CreatedAt),
		ImageRefs:         images,
		VideoRef:          p.VideoURL,
		CommentCount:      commentCount,
		Reactions: ReactionSummary{
			Count:     p.Likes,
			LikedByMe: p.LikedByCurrentUser,
		},
	}
}
