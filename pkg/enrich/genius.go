package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const geniusAPI = "https://api.genius.com"

var (
	reSectionHeader = regexp.MustCompile(`(?m)^\s*\[[^\]\n]*\]\s*$`)
	reBlankRuns     = regexp.MustCompile(`\n{3,}`)
)

// Genius searches the Genius API and scrapes the lyrics from the song page.
type Genius struct {
	client  *http.Client
	token   string
	apiBase string
}

// NewGenius creates a Genius provider. apiBase may be empty.
func NewGenius(token, apiBase string) *Genius {
	if apiBase == "" {
		apiBase = geniusAPI
	}
	return &Genius{
		client:  &http.Client{Timeout: 30 * time.Second},
		token:   token,
		apiBase: strings.TrimRight(apiBase, "/"),
	}
}

func (g *Genius) Name() string { return "genius" }

func (g *Genius) Search(ctx context.Context, title, artist string) (string, error) {
	pageURL, err := g.findSong(ctx, title, artist)
	if err != nil {
		return "", err
	}
	return g.scrape(ctx, pageURL)
}

type geniusSearch struct {
	Response struct {
		Hits []struct {
			Type   string `json:"type"`
			Result struct {
				Title         string `json:"title"`
				URL           string `json:"url"`
				PrimaryArtist struct {
					Name string `json:"name"`
				} `json:"primary_artist"`
			} `json:"result"`
		} `json:"hits"`
	} `json:"response"`
}

func (g *Genius) findSong(ctx context.Context, title, artist string) (string, error) {
	q := strings.TrimSpace(title + " " + artist)
	reqURL := g.apiBase + "/search?" + url.Values{"q": {q}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("User-Agent", "langsync/1.0")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("genius search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Provider: "genius search", Code: resp.StatusCode}
	}

	var result geniusSearch
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode genius search: %w", err)
	}

	var fallback string
	for _, hit := range result.Response.Hits {
		if hit.Type != "song" || hit.Result.URL == "" {
			continue
		}
		if artist == "" || strings.EqualFold(hit.Result.PrimaryArtist.Name, artist) {
			return hit.Result.URL, nil
		}
		if fallback == "" {
			fallback = hit.Result.URL
		}
	}
	if fallback == "" {
		return "", ErrNotFound
	}
	return fallback, nil
}

func (g *Genius) scrape(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "langsync/1.0")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("genius page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Provider: "genius page", Code: resp.StatusCode}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse genius page: %w", err)
	}
	return ExtractLyrics(doc), nil
}

// ExtractLyrics pulls the lyric text out of a Genius song page, one line per
// <br>, with section headers such as "[Chorus]" removed.
func ExtractLyrics(doc *goquery.Document) string {
	var parts []string
	doc.Find(`[data-lyrics-container="true"]`).Each(func(_ int, s *goquery.Selection) {
		s.Find(`[data-exclude-from-selection="true"]`).Remove()
		s.Find("br").ReplaceWithHtml("\n")
		parts = append(parts, s.Text())
	})
	text := strings.Join(parts, "\n")
	text = reSectionHeader.ReplaceAllString(text, "")
	text = reBlankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
