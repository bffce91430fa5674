package domain

import (
	"strings"
	"time"
)

type MediaKind int

const (
	MediaPhoto    MediaKind = 1
	MediaVideo    MediaKind = 2
	MediaCarousel MediaKind = 8
)

func (k MediaKind) String() string {
	switch k {
	case MediaPhoto:
		return "photo"
	case MediaVideo:
		return "video"
	case MediaCarousel:
		return "carousel"
	default:
		return "unknown"
	}
}

type Post struct {
	ID           string // external post pk, unique within the store
	OwnerHandle  string
	PublishedAt  time.Time
	MediaKind    MediaKind
	LikeCount    int64
	CommentCount int64
	Caption      string
	Permalink    string
	Category     Category
	BatchTag     *int
}

// HasCaption reports whether the caption carries any non-whitespace text.
func (p *Post) HasCaption() bool {
	return strings.TrimSpace(p.Caption) != ""
}

type Classification struct {
	PostID   string
	Category Category
}

// NormalizeHandle strips surrounding whitespace and any leading "@".
func NormalizeHandle(handle string) string {
	return strings.TrimLeft(strings.TrimSpace(handle), "@")
}
