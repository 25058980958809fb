package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
)

type step struct {
	text string
	err  error
}

// scriptedProvider replays steps in order and repeats the last one.
type scriptedProvider struct {
	steps   []step
	calls   int
	artists []string
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Search(_ context.Context, _, artist string) (string, error) {
	p.artists = append(p.artists, artist)
	s := p.steps[min(p.calls, len(p.steps)-1)]
	p.calls++
	return s.text, s.err
}

func newTestFetcher(p Provider, maxRetries int, sleeps *[]time.Duration) *Fetcher {
	return NewFetcher(p,
		WithDelay(time.Second),
		WithMaxDelay(3*time.Second),
		WithMaxRetries(maxRetries),
		WithSleeper(func(d time.Duration) { *sleeps = append(*sleeps, d) }),
	)
}

var rateLimited = &StatusError{Provider: "scripted", Code: http.StatusTooManyRequests}

func TestFetchPolicy(t *testing.T) {
	s := time.Second
	tests := []struct {
		name       string
		steps      []step
		wantText   string
		wantOK     bool
		wantCalls  int
		wantSleeps []time.Duration
	}{
		{
			name:       "success paces first attempt",
			steps:      []step{{text: "  la la\n"}},
			wantText:   "la la",
			wantOK:     true,
			wantCalls:  1,
			wantSleeps: []time.Duration{s},
		},
		{
			name:       "not found stops immediately",
			steps:      []step{{err: ErrNotFound}},
			wantCalls:  1,
			wantSleeps: []time.Duration{s},
		},
		{
			name:       "empty payload is not found",
			steps:      []step{{text: "   "}},
			wantCalls:  1,
			wantSleeps: []time.Duration{s},
		},
		{
			name:       "transient then success backs off",
			steps:      []step{{err: rateLimited}, {text: "ok"}},
			wantText:   "ok",
			wantOK:     true,
			wantCalls:  2,
			wantSleeps: []time.Duration{s, 2 * s, 2 * s},
		},
		{
			name:       "transient exhausts retries with cap",
			steps:      []step{{err: rateLimited}},
			wantCalls:  3,
			wantSleeps: []time.Duration{s, 2 * s, 2 * s, 3 * s, 3 * s},
		},
		{
			name:       "permanent counts without backoff",
			steps:      []step{{err: errors.New("bad request")}},
			wantCalls:  3,
			wantSleeps: []time.Duration{s, s, s},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var sleeps []time.Duration
			p := &scriptedProvider{steps: tc.steps}
			text, ok, err := newTestFetcher(p, 3, &sleeps).Fetch(context.Background(), "Song", "Artist A, Artist B")
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if text != tc.wantText || ok != tc.wantOK {
				t.Fatalf("Fetch = (%q, %v), want (%q, %v)", text, ok, tc.wantText, tc.wantOK)
			}
			if p.calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", p.calls, tc.wantCalls)
			}
			if !reflect.DeepEqual(sleeps, tc.wantSleeps) {
				t.Fatalf("sleeps = %v, want %v", sleeps, tc.wantSleeps)
			}
			if p.artists[0] != "Artist A" {
				t.Fatalf("artist = %q, want primary artist", p.artists[0])
			}
		})
	}
}

func TestFetchCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sleeps []time.Duration
	p := &scriptedProvider{steps: []step{{text: "x"}}}
	if _, _, err := newTestFetcher(p, 3, &sleeps).Fetch(ctx, "Song", "A"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if p.calls != 0 {
		t.Fatalf("provider called %d times after cancel", p.calls)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		text string
		err  error
		want OutcomeKind
	}{
		{"text", " words ", nil, Success},
		{"empty", "", nil, NotFound},
		{"not found wrapped", "", fmt.Errorf("lookup: %w", ErrNotFound), NotFound},
		{"429 status", "", &StatusError{Code: 429}, TransientFailure},
		{"408 status", "", &StatusError{Code: 408}, TransientFailure},
		{"503 status", "", fmt.Errorf("search: %w", &StatusError{Code: 503}), TransientFailure},
		{"403 status", "", &StatusError{Code: 403}, PermanentFailure},
		{"rate message", "", errors.New("Rate limit exceeded"), TransientFailure},
		{"429 message", "", errors.New("HTTP Error 429"), TransientFailure},
		{"deadline", "", context.DeadlineExceeded, TransientFailure},
		{"other", "", errors.New("boom"), PermanentFailure},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.text, tc.err)
			if got.Kind != tc.want {
				t.Fatalf("Classify kind = %v, want %v", got.Kind, tc.want)
			}
		})
	}
}

func TestPrimaryArtist(t *testing.T) {
	tests := map[string]string{
		"":                 "",
		"Solo":             "Solo",
		" A. R. Rahman , X": "A. R. Rahman",
	}
	for in, want := range tests {
		if got := PrimaryArtist(in); got != want {
			t.Fatalf("PrimaryArtist(%q) = %q, want %q", in, got, want)
		}
	}
}

const lyricsPage = `<html><body>
<div data-lyrics-container="true">[Chorus]<br/>Line one<br/>Line two</div>
<div data-lyrics-container="true">[Verse 1]<br/><span data-exclude-from-selection="true">Embed</span>Line three</div>
</body></html>`

func TestExtractLyrics(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(lyricsPage))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := ExtractLyrics(doc)
	if strings.Contains(got, "[Chorus]") || strings.Contains(got, "[Verse 1]") {
		t.Fatalf("section headers kept: %q", got)
	}
	if strings.Contains(got, "Embed") {
		t.Fatalf("excluded node kept: %q", got)
	}
	if !strings.HasPrefix(got, "Line one\nLine two") || !strings.HasSuffix(got, "Line three") {
		t.Fatalf("ExtractLyrics = %q", got)
	}
}

func TestGeniusSearchAndScrape(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if q := r.URL.Query().Get("q"); q != "Song Artist" {
				t.Errorf("q = %q", q)
			}
			fmt.Fprintf(w, `{"response":{"hits":[
				{"type":"album","result":{"url":"%[1]s/album"}},
				{"type":"song","result":{"title":"Song","url":"%[1]s/other","primary_artist":{"name":"Someone"}}},
				{"type":"song","result":{"title":"Song","url":"%[1]s/song","primary_artist":{"name":"artist"}}}
			]}}`, srv.URL)
		case "/song":
			fmt.Fprint(w, lyricsPage)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	g := NewGenius("tok", srv.URL)
	text, err := g.Search(context.Background(), "Song", "Artist")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !strings.HasPrefix(text, "Line one") {
		t.Fatalf("text = %q", text)
	}
}

func TestGeniusNoHitsAndRateLimit(t *testing.T) {
	var limited atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limited.Load() {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"response":{"hits":[]}}`)
	}))
	defer srv.Close()

	g := NewGenius("tok", srv.URL)
	if _, err := g.Search(context.Background(), "Song", "Artist"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	limited.Store(true)
	_, err := g.Search(context.Background(), "Song", "Artist")
	if Classify("", err).Kind != TransientFailure {
		t.Fatalf("429 classified as %v", Classify("", err).Kind)
	}
}

func TestLRCLib(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/get" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("track_name") {
		case "Known":
			if r.URL.Query().Get("artist_name") != "Artist" {
				t.Errorf("artist_name = %q", r.URL.Query().Get("artist_name"))
			}
			fmt.Fprint(w, `{"instrumental":false,"plainLyrics":"first\nsecond"}`)
		case "Instrumental":
			fmt.Fprint(w, `{"instrumental":true,"plainLyrics":""}`)
		case "Broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	l := NewLRCLib(srv.URL)
	ctx := context.Background()

	text, err := l.Search(ctx, "Known", "Artist")
	if err != nil || text != "first\nsecond" {
		t.Fatalf("Search(Known) = (%q, %v)", text, err)
	}
	if _, err := l.Search(ctx, "Instrumental", "Artist"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("instrumental err = %v", err)
	}
	if _, err := l.Search(ctx, "Missing", "Artist"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err = %v", err)
	}
	if _, err := l.Search(ctx, "Broken", "Artist"); !IsTransient(err) {
		t.Fatalf("502 should be transient, got %v", err)
	}
}
