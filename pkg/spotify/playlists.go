package spotify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

type playlistPage struct {
	Items []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"items"`
	Next string `json:"next"`
}

// Find returns the id of the user's playlist called name. ok is false when
// no such playlist exists.
func (c *Client) Find(ctx context.Context, name string) (string, bool, error) {
	userID, err := c.currentUser(ctx)
	if err != nil {
		return "", false, fmt.Errorf("current user: %w", err)
	}

	next := "/users/" + url.PathEscape(userID) + "/playlists?limit=50"
	for next != "" {
		var page playlistPage
		if err := c.do(ctx, http.MethodGet, next, nil, &page); err != nil {
			return "", false, fmt.Errorf("list playlists: %w", err)
		}
		for _, p := range page.Items {
			if p.Name == name {
				return p.ID, true, nil
			}
		}
		next = page.Next
	}
	return "", false, nil
}

// FindOrCreate returns the id of the user's playlist called name, creating a
// private one if none exists.
func (c *Client) FindOrCreate(ctx context.Context, name, description string) (string, error) {
	id, ok, err := c.Find(ctx, name)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}

	userID, err := c.currentUser(ctx)
	if err != nil {
		return "", fmt.Errorf("current user: %w", err)
	}
	body := map[string]any{"name": name, "public": false, "description": description}
	var created struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/users/"+url.PathEscape(userID)+"/playlists", body, &created); err != nil {
		return "", fmt.Errorf("create playlist %q: %w", name, err)
	}
	return created.ID, nil
}

// ReplaceMembership clears the playlist and adds uris in batches, pausing
// between batches.
func (c *Client) ReplaceMembership(ctx context.Context, playlistID string, uris []string) error {
	path := "/playlists/" + url.PathEscape(playlistID) + "/tracks"

	if err := c.do(ctx, http.MethodPut, path, map[string]any{"uris": []string{}}, nil); err != nil {
		return fmt.Errorf("clear playlist: %w", err)
	}

	for start := 0; start < len(uris); start += c.batchSize {
		end := min(start+c.batchSize, len(uris))
		if err := c.do(ctx, http.MethodPost, path, map[string]any{"uris": uris[start:end]}, nil); err != nil {
			return fmt.Errorf("add tracks %d-%d: %w", start, end, err)
		}
		if end < len(uris) {
			if err := c.pause(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}
