package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const lrclibAPI = "https://lrclib.net"

// LRCLib fetches plain lyrics from the LRCLIB database.
type LRCLib struct {
	client  *http.Client
	baseURL string
}

// NewLRCLib creates an LRCLIB provider. baseURL may be empty.
func NewLRCLib(baseURL string) *LRCLib {
	if baseURL == "" {
		baseURL = lrclibAPI
	}
	return &LRCLib{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (l *LRCLib) Name() string { return "lrclib" }

func (l *LRCLib) Search(ctx context.Context, title, artist string) (string, error) {
	params := url.Values{"track_name": {title}, "artist_name": {artist}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/api/get?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "langsync/1.0")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("lrclib get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Provider: "lrclib", Code: resp.StatusCode}
	}

	var body struct {
		Instrumental bool   `json:"instrumental"`
		PlainLyrics  string `json:"plainLyrics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode lrclib: %w", err)
	}
	if body.Instrumental || strings.TrimSpace(body.PlainLyrics) == "" {
		return "", ErrNotFound
	}
	return body.PlainLyrics, nil
}
