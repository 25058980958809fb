package source

import (
	"context"
	"strings"
)

// Filter drops tracks whose title contains an excluded keyword, such as
// instrumentals that have no lyrics to classify.
type Filter struct {
	exclude []string
}

// NewFilter creates a filter. Matching is case-insensitive.
func NewFilter(excludeKeywords []string) *Filter {
	exclude := make([]string, 0, len(excludeKeywords))
	for _, kw := range excludeKeywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			exclude = append(exclude, strings.ToLower(kw))
		}
	}
	return &Filter{exclude: exclude}
}

// Keep reports whether t passes the filter.
func (f *Filter) Keep(t Track) bool {
	if f == nil {
		return true
	}
	lower := strings.ToLower(t.Name)
	for _, ex := range f.exclude {
		if strings.Contains(lower, ex) {
			return false
		}
	}
	return true
}

// Apply returns the tracks that pass the filter.
func (f *Filter) Apply(tracks []Track) []Track {
	if f == nil || len(f.exclude) == 0 {
		return tracks
	}
	kept := tracks[:0:0]
	for _, t := range tracks {
		if f.Keep(t) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Filtered wraps src so that every page passes through f.
func Filtered(src Source, f *Filter) Source {
	if f == nil || len(f.exclude) == 0 {
		return src
	}
	return &filtered{src: src, filter: f}
}

type filtered struct {
	src    Source
	filter *Filter
}

func (s *filtered) Name() SourceType { return s.src.Name() }

func (s *filtered) Pages(ctx context.Context, fn func([]Track) error) error {
	return s.src.Pages(ctx, func(page []Track) error {
		return fn(s.filter.Apply(page))
	})
}
