package source

import (
	"context"
	"strings"
)

// SourceType identifies which library an item came from.
type SourceType string

const (
	SourceSpotify SourceType = "spotify"
	SourceFeed    SourceType = "feed"
)

// Track is one saved entry as reported by a source.
type Track struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Artists []string   `json:"artists"`
	AddedAt string     `json:"added_at"`
	Source  SourceType `json:"source"`
}

// Attribution joins the artist names with ", ".
func (t Track) Attribution() string {
	return strings.Join(t.Artists, ", ")
}

// Source is the interface every library must implement. Pages calls fn once
// per page, in library order, and stops at the first error fn returns.
type Source interface {
	Name() SourceType
	Pages(ctx context.Context, fn func([]Track) error) error
}

// TimestampLayout is the stored added_at format.
const TimestampLayout = "2006-01-02T15:04:05"

// TruncateTimestamp cuts an RFC 3339 timestamp to second precision without
// zone, e.g. "2024-03-01T10:20:30Z" -> "2024-03-01T10:20:30".
func TruncateTimestamp(ts string) string {
	if len(ts) > len(TimestampLayout) {
		return ts[:len(TimestampLayout)]
	}
	return ts
}
