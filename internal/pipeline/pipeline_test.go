package pipeline_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/elonfeng/langsync/internal/logging"
	"github.com/elonfeng/langsync/internal/pipeline"
	"github.com/elonfeng/langsync/internal/store"
	"github.com/elonfeng/langsync/internal/testsupport"
	"github.com/elonfeng/langsync/pkg/enrich"
	"github.com/elonfeng/langsync/pkg/group"
	"github.com/elonfeng/langsync/pkg/lid"
	"github.com/elonfeng/langsync/pkg/source"
	"github.com/elonfeng/langsync/pkg/status"
)

type library []source.Track

func (l library) Name() source.SourceType { return source.SourceSpotify }

func (l library) Pages(_ context.Context, fn func([]source.Track) error) error {
	return fn(l)
}

type lyricsProvider struct {
	texts  map[string]string
	calls  []string
	onCall func(n int)
}

func (p *lyricsProvider) Name() string { return "fake" }

func (p *lyricsProvider) Search(_ context.Context, title, _ string) (string, error) {
	p.calls = append(p.calls, title)
	if p.onCall != nil {
		p.onCall(len(p.calls))
	}
	text, ok := p.texts[title]
	if !ok {
		return "", enrich.ErrNotFound
	}
	return text, nil
}

type classifier struct {
	answers map[string]lid.RawResult
	calls   int
	down    bool
}

func (c *classifier) ClassifyBatch(_ context.Context, texts []string) ([]lid.RawResult, error) {
	c.calls++
	out := make([]lid.RawResult, len(texts))
	for i, t := range texts {
		r, ok := c.answers[t]
		if !ok {
			r = lid.RawResult{Label: "eng_Latn", Score: 0.99, Model: "IndicLID-FTR"}
		}
		out[i] = r
	}
	return out, nil
}

func (c *classifier) Health(context.Context) error {
	if c.down {
		return errors.New("connection refused")
	}
	return nil
}

type sink struct {
	members map[string][]string
}

func (s *sink) Find(_ context.Context, name string) (string, bool, error) {
	_, ok := s.members[name]
	return name, ok, nil
}

func (s *sink) FindOrCreate(_ context.Context, name, _ string) (string, error) {
	return name, nil
}

func (s *sink) ReplaceMembership(_ context.Context, handle string, uris []string) error {
	if s.members == nil {
		s.members = map[string][]string{}
	}
	s.members[handle] = uris
	return nil
}

type fixture struct {
	store      store.Store
	provider   *lyricsProvider
	classifier *classifier
	sink       *sink
	pipeline   *pipeline.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s := testsupport.MustOpenStore(t)
	f := &fixture{
		store: s,
		provider: &lyricsProvider{texts: map[string]string{
			"Kesariya":     "hindi lyrics",
			"Kannalane":    "tamil line\nenglish line",
			"Shape of You": "english lyrics",
		}},
		classifier: &classifier{answers: map[string]lid.RawResult{
			"hindi lyrics": {Label: "hin_Deva", Score: 0.95, Model: "IndicLID-FTN"},
			"tamil line":   {Label: "tam_Tamil", Score: 0.6, Model: "IndicLID-FTN"},
		}},
		sink: &sink{},
	}

	groups := group.DefaultGroups()[:2]
	adapter := lid.NewAdapter(f.classifier, 0)
	logger := logging.Discard()

	f.pipeline = pipeline.New(pipeline.Options{
		Store: s,
		Sources: []source.Source{library{
			{ID: "h1", Name: "Kesariya", Artists: []string{"Arijit Singh"}, AddedAt: "2024-01-01T00:00:00", Source: source.SourceSpotify},
			{ID: "t1", Name: "Kannalane", Artists: []string{"A. R. Rahman"}, AddedAt: "2024-01-02T00:00:00", Source: source.SourceSpotify},
			{ID: "e1", Name: "Shape of You", Artists: []string{"Ed Sheeran"}, AddedAt: "2024-01-03T00:00:00", Source: source.SourceSpotify},
			{ID: "n1", Name: "Unknown", Artists: []string{"Nobody"}, AddedAt: "2024-01-04T00:00:00", Source: source.SourceSpotify},
		}},
		Fetcher: enrich.NewFetcher(f.provider,
			enrich.WithDelay(0),
			enrich.WithSleeper(func(time.Duration) {}),
			enrich.WithLogger(logger),
		),
		Aggregator:   lid.NewAggregator(adapter, group.TargetLabels(groups), ""),
		Health:       adapter.Health,
		Thresholds:   status.DefaultThresholds(),
		Materializer: group.NewMaterializer(s, f.sink, "Indian Collection", 0.8, nil, logger),
		Groups:       groups,
		Logger:       logger,
	})
	return f
}

func (f *fixture) status(t *testing.T, id string) status.Status {
	t.Helper()
	it, err := f.store.GetItem(context.Background(), id)
	if err != nil {
		t.Fatalf("GetItem %s: %v", id, err)
	}
	return it.Status
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t)

	sum, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.RunID == "" {
		t.Fatal("missing run id")
	}
	if sum.Synced != 4 || sum.EnrichAttempts != 4 || sum.Enriched != 3 || sum.Classified != 3 {
		t.Fatalf("summary = %+v", sum)
	}

	want := map[string]status.Status{"h1": status.Add, "t1": status.Review, "e1": status.Skip, "n1": status.Pending}
	for id, st := range want {
		if got := f.status(t, id); got != st {
			t.Fatalf("%s status = %s, want %s", id, got, st)
		}
	}

	n1, _ := f.store.GetItem(context.Background(), "n1")
	if n1.Text == nil || *n1.Text != "" {
		t.Fatalf("n1 text = %v, want empty string", n1.Text)
	}

	if got := f.sink.members["Indian Collection - Hindi"]; !reflect.DeepEqual(got, []string{"spotify:track:h1"}) {
		t.Fatalf("hindi members = %v", got)
	}
	if _, ok := f.sink.members["Indian Collection - Tamil"]; ok {
		t.Fatal("tamil playlist should be skipped: review-only item below group threshold")
	}
	if sum.Statuses[status.Pending] != 1 || sum.Statuses[status.Add] != 1 {
		t.Fatalf("statuses = %v", sum.Statuses)
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.pipeline.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before, _ := f.store.GetItem(ctx, "t1")
	classifierCalls := f.classifier.calls

	sum, err := f.pipeline.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if f.classifier.calls != classifierCalls || sum.Classified != 0 {
		t.Fatalf("second run reclassified: calls %d -> %d", classifierCalls, f.classifier.calls)
	}
	// Only the empty-text item is attempted again.
	if !reflect.DeepEqual(f.provider.calls[4:], []string{"Unknown"}) {
		t.Fatalf("second run fetched %v", f.provider.calls[4:])
	}
	after, _ := f.store.GetItem(ctx, "t1")
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("item changed across reruns:\n%+v\n%+v", before, after)
	}
}

func TestClassifierDownSkipsClassifyAndMaterialize(t *testing.T) {
	f := newFixture(t)
	f.classifier.down = true

	sum, err := f.pipeline.Run(context.Background())
	if !errors.Is(err, pipeline.ErrClassifierUnavailable) {
		t.Fatalf("err = %v, want ErrClassifierUnavailable", err)
	}
	if !reflect.DeepEqual(sum.Skipped, []pipeline.Stage{pipeline.StageClassify, pipeline.StageMaterialize}) {
		t.Fatalf("skipped = %v", sum.Skipped)
	}
	if f.classifier.calls != 0 || len(f.sink.members) != 0 {
		t.Fatal("classifier or sink used while classifier down")
	}
	// Earlier stages still committed their work.
	it, _ := f.store.GetItem(context.Background(), "h1")
	if it.TextValue() != "hindi lyrics" || it.Status != status.Pending {
		t.Fatalf("h1 = %+v", it)
	}
}

func TestInterruptedEnrichResumes(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.provider.onCall = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	_, err := f.pipeline.RunStages(ctx, pipeline.StageSync, pipeline.StageEnrich)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	h1, _ := f.store.GetItem(context.Background(), "h1")
	if h1.TextValue() != "hindi lyrics" {
		t.Fatalf("h1 text lost after interruption: %v", h1.Text)
	}
	t1, _ := f.store.GetItem(context.Background(), "t1")
	if t1.Text != nil {
		t.Fatalf("t1 text = %q, want NULL", *t1.Text)
	}

	f.provider.onCall = nil
	f.provider.calls = nil
	if _, err := f.pipeline.RunStages(context.Background(), pipeline.StageEnrich); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !reflect.DeepEqual(f.provider.calls, []string{"Kannalane", "Shape of You", "Unknown"}) {
		t.Fatalf("resumed fetches = %v", f.provider.calls)
	}
}

func TestInterruptedRunConvergesToUninterruptedState(t *testing.T) {
	ctx := context.Background()

	straight := newFixture(t)
	if _, err := straight.pipeline.Run(ctx); err != nil {
		t.Fatalf("uninterrupted run: %v", err)
	}

	resumed := newFixture(t)
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	resumed.provider.onCall = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	if _, err := resumed.pipeline.Run(cctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	resumed.provider.onCall = nil
	if _, err := resumed.pipeline.Run(ctx); err != nil {
		t.Fatalf("resumed run: %v", err)
	}

	want, err := straight.store.ListItems(ctx, store.ListOpts{})
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	got, err := resumed.store.ListItems(ctx, store.ListOpts{})
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("resumed items differ from uninterrupted run:\ngot  %+v\nwant %+v", got, want)
	}
	if !reflect.DeepEqual(resumed.sink.members, straight.sink.members) {
		t.Fatalf("members = %v, want %v", resumed.sink.members, straight.sink.members)
	}
}

func TestWhitespaceTextResolvesToSkip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	testsupport.SeedTrack(t, f.store, "w1", "Silence", "Nobody", "2023-12-31T00:00:00")
	if err := f.store.Upsert(ctx, store.ItemUpdate{ID: "w1", Text: testsupport.Str(" \n\t ")}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if _, err := f.pipeline.RunStages(ctx, pipeline.StageClassify); err != nil {
		t.Fatalf("classify: %v", err)
	}
	it, _ := f.store.GetItem(ctx, "w1")
	if it.Status != status.Skip || len(it.Confidences) != 0 || it.PrimaryLabel != status.NoLabel {
		t.Fatalf("w1 = %+v", it)
	}
	if f.classifier.calls != 0 {
		t.Fatalf("classifier called %d times for blank text", f.classifier.calls)
	}
}

func TestNoFetcherSkipsEnrich(t *testing.T) {
	s := testsupport.MustOpenStore(t)
	p := pipeline.New(pipeline.Options{Store: s, Logger: logging.Discard()})

	sum, err := p.RunStages(context.Background(), pipeline.StageEnrich)
	if err != nil {
		t.Fatalf("RunStages: %v", err)
	}
	if !reflect.DeepEqual(sum.Skipped, []pipeline.Stage{pipeline.StageEnrich}) {
		t.Fatalf("skipped = %v", sum.Skipped)
	}
}
