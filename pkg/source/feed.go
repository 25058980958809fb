package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// FeedURL is a named RSS/Atom feed, e.g. a YouTube playlist feed.
type FeedURL struct {
	Name string `yaml:"name" toml:"name"`
	URL  string `yaml:"url" toml:"url"`
}

// Feed reads tracks from RSS/Atom feeds. Entry titles of the form
// "Artist - Title" are split; otherwise the feed author is the artist.
type Feed struct {
	client *http.Client
	parser *gofeed.Parser
	feeds  []FeedURL
	logger *slog.Logger
}

// NewFeed creates a feed source.
func NewFeed(feeds []FeedURL, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		client: &http.Client{Timeout: 30 * time.Second},
		parser: gofeed.NewParser(),
		feeds:  feeds,
		logger: logger,
	}
}

func (f *Feed) Name() SourceType { return SourceFeed }

// Pages emits one page per feed. A feed that cannot be fetched is logged and
// skipped.
func (f *Feed) Pages(ctx context.Context, fn func([]Track) error) error {
	for _, feed := range f.feeds {
		tracks, err := f.fetch(ctx, feed)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("feed error", "feed", feed.Name, "error", err)
			continue
		}
		if err := fn(tracks); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) fetch(ctx context.Context, feed FeedURL) ([]Track, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create feed request %s: %w", feed.Name, err)
	}
	req.Header.Set("User-Agent", "langsync/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", feed.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed %s status %d", feed.Name, resp.StatusCode)
	}

	parsed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feed.Name, err)
	}

	var tracks []Track
	for _, entry := range parsed.Items {
		id := entry.GUID
		if id == "" {
			id = entry.Link
		}
		if id == "" {
			continue
		}

		author := ""
		if entry.Author != nil {
			author = entry.Author.Name
		}
		name, artist := splitTitle(entry.Title, author)

		added := ""
		if entry.PublishedParsed != nil {
			added = entry.PublishedParsed.UTC().Format(TimestampLayout)
		} else if entry.UpdatedParsed != nil {
			added = entry.UpdatedParsed.UTC().Format(TimestampLayout)
		}

		t := Track{ID: "feed:" + id, Name: name, AddedAt: added, Source: SourceFeed}
		if artist != "" {
			t.Artists = []string{artist}
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func splitTitle(title, fallbackArtist string) (name, artist string) {
	title = strings.TrimSpace(title)
	if left, right, ok := strings.Cut(title, " - "); ok && strings.TrimSpace(left) != "" && strings.TrimSpace(right) != "" {
		return strings.TrimSpace(right), strings.TrimSpace(left)
	}
	return title, strings.TrimSpace(fallbackArtist)
}
