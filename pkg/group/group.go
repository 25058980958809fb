package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/elonfeng/langsync/internal/store"
)

// Group is a named set of accepted label codes.
type Group struct {
	Name        string   `json:"name" yaml:"name" toml:"name"`
	Labels      []string `json:"labels" yaml:"labels" toml:"labels"`
	Description string   `json:"description,omitempty" yaml:"description" toml:"description"`
}

// DefaultGroups are the per-language playlists built when none are configured.
func DefaultGroups() []Group {
	return []Group{
		{Name: "Hindi", Labels: []string{"hin_Deva", "hin_Latn"}},
		{Name: "Tamil", Labels: []string{"tam_Tamil", "tam_Latn"}},
		{Name: "Telugu", Labels: []string{"tel_Telu", "tel_Latn"}},
		{Name: "Malayalam", Labels: []string{"mal_Mlym", "mal_Latn"}},
		{Name: "Kannada", Labels: []string{"kan_Knda", "kan_Latn"}},
	}
}

// TargetLabels returns the union of every group's labels, in first-seen order.
func TargetLabels(groups []Group) []string {
	seen := map[string]bool{}
	var out []string
	for _, g := range groups {
		for _, l := range g.Labels {
			if !seen[l] {
				seen[l] = true
				out = append(out, l)
			}
		}
	}
	return out
}

// Validate checks names are unique and every group has labels.
func Validate(groups []Group) error {
	names := map[string]bool{}
	for i, g := range groups {
		if g.Name == "" {
			return fmt.Errorf("group %d: name is required", i)
		}
		if names[g.Name] {
			return fmt.Errorf("group %q: duplicate name", g.Name)
		}
		names[g.Name] = true
		if len(g.Labels) == 0 {
			return fmt.Errorf("group %q: at least one label is required", g.Name)
		}
	}
	return nil
}

// Sink is an external collection service (e.g. playlists).
type Sink interface {
	// Find looks up an existing collection without creating one.
	Find(ctx context.Context, name string) (handle string, ok bool, err error)
	FindOrCreate(ctx context.Context, name, description string) (string, error)
	ReplaceMembership(ctx context.Context, handle string, uris []string) error
}

// URIFunc maps a stored item to the identifier the sink understands. An
// empty result leaves the item out of the collection.
type URIFunc func(store.Item) string

// SpotifyTrackURI builds "spotify:track:<id>" for items synced from Spotify.
func SpotifyTrackURI(it store.Item) string {
	if it.Source != "" && it.Source != "spotify" {
		return ""
	}
	return "spotify:track:" + it.ID
}

// Result summarizes one group's materialization.
type Result struct {
	Group   string `json:"group"`
	Name    string `json:"name"`
	Handle  string `json:"handle,omitempty"`
	Items   int    `json:"items"`
	Skipped bool   `json:"skipped"`
}

// Materializer replaces each group's membership in the sink with the items
// that currently qualify for it.
type Materializer struct {
	store     store.Store
	sink      Sink
	prefix    string
	threshold float64
	uri       URIFunc
	logger    *slog.Logger
}

// NewMaterializer creates a materializer. Collections are named
// "<prefix> - <group>"; threshold is the minimum accepted-label confidence.
func NewMaterializer(s store.Store, sink Sink, prefix string, threshold float64, uri URIFunc, logger *slog.Logger) *Materializer {
	if uri == nil {
		uri = SpotifyTrackURI
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{store: s, sink: sink, prefix: prefix, threshold: threshold, uri: uri, logger: logger}
}

// CollectionName returns the sink-side name for g.
func (m *Materializer) CollectionName(g Group) string {
	if m.prefix == "" {
		return g.Name
	}
	return m.prefix + " - " + g.Name
}

// Plan computes the member URIs for g without touching the sink.
func (m *Materializer) Plan(ctx context.Context, g Group) ([]string, error) {
	items, err := m.store.QualifyingForLabels(ctx, g.Labels, m.threshold)
	if err != nil {
		return nil, fmt.Errorf("qualifying items for %s: %w", g.Name, err)
	}
	uris := make([]string, 0, len(items))
	for _, it := range items {
		if u := m.uri(it); u != "" {
			uris = append(uris, u)
		}
	}
	return uris, nil
}

// Materialize syncs every group. A group with no qualifying items empties its
// existing collection and never creates a new one. A failing group does not
// stop the others; failures are joined.
func (m *Materializer) Materialize(ctx context.Context, groups []Group) ([]Result, error) {
	var (
		results []Result
		errs    []error
	)
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := m.materializeOne(ctx, g)
		if err != nil {
			m.logger.Error("group sync failed", "group", g.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (m *Materializer) materializeOne(ctx context.Context, g Group) (Result, error) {
	name := m.CollectionName(g)
	res := Result{Group: g.Name, Name: name}

	uris, err := m.Plan(ctx, g)
	if err != nil {
		return res, err
	}
	if len(uris) == 0 {
		return m.clear(ctx, res)
	}

	desc := g.Description
	if desc == "" {
		desc = g.Name + " tracks from Liked Songs"
	}
	handle, err := m.sink.FindOrCreate(ctx, name, desc)
	if err != nil {
		return res, fmt.Errorf("find or create %q: %w", name, err)
	}
	if err := m.sink.ReplaceMembership(ctx, handle, uris); err != nil {
		return res, fmt.Errorf("replace membership of %q: %w", name, err)
	}

	res.Handle = handle
	res.Items = len(uris)
	m.logger.Info("updated collection", "name", name, "items", len(uris))
	return res, nil
}

// clear empties an existing collection whose group no longer has members.
// A collection that was never created is left uncreated.
func (m *Materializer) clear(ctx context.Context, res Result) (Result, error) {
	handle, ok, err := m.sink.Find(ctx, res.Name)
	if err != nil {
		return res, fmt.Errorf("find %q: %w", res.Name, err)
	}
	if !ok {
		m.logger.Info("no qualifying items; skipping", "group", res.Group)
		res.Skipped = true
		return res, nil
	}
	if err := m.sink.ReplaceMembership(ctx, handle, nil); err != nil {
		return res, fmt.Errorf("clear %q: %w", res.Name, err)
	}
	res.Handle = handle
	m.logger.Info("cleared collection", "name", res.Name)
	return res, nil
}
