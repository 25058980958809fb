package spotify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/elonfeng/langsync/pkg/source"
)

const libraryPageSize = 50

type savedTracksPage struct {
	Items []struct {
		AddedAt string `json:"added_at"`
		Track   *struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
		} `json:"track"`
	} `json:"items"`
	Next string `json:"next"`
}

// Library is the user's saved tracks as a source.Source.
type Library struct {
	client *Client
}

// NewLibrary wraps c as a source.
func NewLibrary(c *Client) *Library { return &Library{client: c} }

func (l *Library) Name() source.SourceType { return source.SourceSpotify }

// Pages walks /me/tracks with offset paging, 50 per page. Entries without a
// track id (local files, removed tracks) are dropped.
func (l *Library) Pages(ctx context.Context, fn func([]source.Track) error) error {
	for offset := 0; ; offset += libraryPageSize {
		var page savedTracksPage
		path := fmt.Sprintf("/me/tracks?limit=%d&offset=%d", libraryPageSize, offset)
		if err := l.client.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return fmt.Errorf("saved tracks at offset %d: %w", offset, err)
		}
		if len(page.Items) == 0 {
			return nil
		}

		tracks := make([]source.Track, 0, len(page.Items))
		for _, item := range page.Items {
			if item.Track == nil || item.Track.ID == "" {
				continue
			}
			artists := make([]string, 0, len(item.Track.Artists))
			for _, a := range item.Track.Artists {
				artists = append(artists, a.Name)
			}
			tracks = append(tracks, source.Track{
				ID:      item.Track.ID,
				Name:    item.Track.Name,
				Artists: artists,
				AddedAt: source.TruncateTimestamp(item.AddedAt),
				Source:  source.SourceSpotify,
			})
		}
		if err := fn(tracks); err != nil {
			return err
		}
		if page.Next == "" {
			return nil
		}
	}
}
