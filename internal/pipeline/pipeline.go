package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/elonfeng/langsync/internal/store"
	"github.com/elonfeng/langsync/pkg/enrich"
	"github.com/elonfeng/langsync/pkg/group"
	"github.com/elonfeng/langsync/pkg/lid"
	"github.com/elonfeng/langsync/pkg/source"
	"github.com/elonfeng/langsync/pkg/status"
)

// Stage names one pass of the pipeline.
type Stage string

const (
	StageSync        Stage = "sync"
	StageEnrich      Stage = "enrich"
	StageClassify    Stage = "classify"
	StageMaterialize Stage = "materialize"
)

// AllStages is the full run, in order.
var AllStages = []Stage{StageSync, StageEnrich, StageClassify, StageMaterialize}

// ErrClassifierUnavailable is returned when the classifier health probe
// fails before stage 3.
var ErrClassifierUnavailable = errors.New("classifier unavailable")

// Options wires the pipeline's collaborators. Nil Fetcher skips enrichment,
// nil Materializer skips group sync.
type Options struct {
	Store        store.Store
	Sources      []source.Source
	Fetcher      *enrich.Fetcher
	Aggregator   *lid.Aggregator
	Health       func(context.Context) error
	Thresholds   status.Thresholds
	Materializer *group.Materializer
	Groups       []group.Group
	Logger       *slog.Logger
	// Progress receives progress bars; nil disables them.
	Progress io.Writer
}

// Pipeline runs sync, enrich, classify and materialize as complete,
// sequential passes over the store.
type Pipeline struct {
	opts   Options
	logger *slog.Logger
}

// New creates a pipeline.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{opts: opts, logger: logger}
}

// StderrProgress returns os.Stderr when it is a terminal, nil otherwise.
func StderrProgress() io.Writer {
	fd := os.Stderr.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return os.Stderr
	}
	return nil
}

// Summary describes one run.
type Summary struct {
	RunID          string                `json:"run_id"`
	StartedAt      time.Time             `json:"started_at"`
	FinishedAt     time.Time             `json:"finished_at"`
	Synced         int                   `json:"synced"`
	EnrichAttempts int                   `json:"enrich_attempts"`
	Enriched       int                   `json:"enriched"`
	Classified     int                   `json:"classified"`
	ClassifyFailed int                   `json:"classify_failed"`
	Statuses       map[status.Status]int `json:"statuses,omitempty"`
	Groups         []group.Result        `json:"groups,omitempty"`
	Skipped        []Stage               `json:"skipped,omitempty"`
	Errors         []string              `json:"errors,omitempty"`
}

// Run executes every stage once.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	return p.RunStages(ctx, AllStages...)
}

// RunStages executes the named stages in pipeline order. A failing stage does
// not stop later ones, except that an unavailable classifier also skips
// materialization. The returned error joins every stage failure.
func (p *Pipeline) RunStages(ctx context.Context, stages ...Stage) (*Summary, error) {
	want := map[Stage]bool{}
	for _, s := range stages {
		want[s] = true
	}

	sum := &Summary{RunID: uuid.NewString(), StartedAt: time.Now().UTC()}
	log := p.logger.With("run_id", sum.RunID)
	log.Info("pipeline run started", "stages", stages)

	var errs []error
	record := func(stage Stage, err error) {
		if err == nil {
			return
		}
		log.Error("stage failed", "stage", stage, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", stage, err))
		sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", stage, err))
	}

	classifierDown := false
	for _, stage := range AllStages {
		if !want[stage] {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		var err error
		switch stage {
		case StageSync:
			err = p.sync(ctx, log, sum)
		case StageEnrich:
			err = p.enrich(ctx, log, sum)
		case StageClassify:
			err = p.classify(ctx, log, sum)
			classifierDown = errors.Is(err, ErrClassifierUnavailable)
		case StageMaterialize:
			if classifierDown {
				log.Warn("classifier unavailable; skipping materialize")
				sum.Skipped = append(sum.Skipped, StageMaterialize)
				continue
			}
			err = p.materialize(ctx, log, sum)
		}
		record(stage, err)
	}

	if counts, err := p.opts.Store.CountByStatus(ctx); err == nil {
		sum.Statuses = counts
	}
	sum.FinishedAt = time.Now().UTC()
	log.Info("pipeline run finished",
		"synced", sum.Synced,
		"enriched", sum.Enriched,
		"classified", sum.Classified,
		"duration", sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond),
	)
	return sum, errors.Join(errs...)
}

// sync upserts every track from every source. A failing source is reported
// and the others still run.
func (p *Pipeline) sync(ctx context.Context, log *slog.Logger, sum *Summary) error {
	var errs []error
	for _, src := range p.opts.Sources {
		n := 0
		err := src.Pages(ctx, func(tracks []source.Track) error {
			for _, t := range tracks {
				origin := string(t.Source)
				if origin == "" {
					origin = string(src.Name())
				}
				attribution := t.Attribution()
				u := store.ItemUpdate{
					ID:          t.ID,
					DisplayName: &t.Name,
					Attribution: &attribution,
					AddedAt:     &t.AddedAt,
					Source:      &origin,
				}
				if err := p.opts.Store.Upsert(ctx, u); err != nil {
					return fmt.Errorf("upsert %s: %w", t.ID, err)
				}
				n++
			}
			return nil
		})
		sum.Synced += n
		log.Info("synced source", "source", src.Name(), "items", n)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// enrich attempts every item without text once. Items for which nothing is
// found are stored with "" so they are not retried within this run.
func (p *Pipeline) enrich(ctx context.Context, log *slog.Logger, sum *Summary) error {
	if p.opts.Fetcher == nil {
		log.Warn("no enrichment provider configured; skipping text fetch")
		sum.Skipped = append(sum.Skipped, StageEnrich)
		return nil
	}

	items, err := p.opts.Store.MissingText(ctx)
	if err != nil {
		return err
	}
	log.Info("fetching text", "items", len(items), "provider", p.opts.Fetcher.Provider().Name())

	bar := p.bar(len(items), "Lyrics")
	defer finish(bar)

	for _, it := range items {
		text, ok, err := p.opts.Fetcher.Fetch(ctx, it.DisplayName, it.Attribution)
		if err != nil {
			return err
		}
		sum.EnrichAttempts++
		if ok {
			sum.Enriched++
		} else {
			text = ""
		}
		if err := p.opts.Store.Upsert(ctx, store.ItemUpdate{ID: it.ID, Text: &text}); err != nil {
			return fmt.Errorf("store text for %s: %w", it.ID, err)
		}
		_ = bar.Add(1)
	}
	return nil
}

// classify runs the aggregator over every item with text but no
// confidences and stores the resolved status.
func (p *Pipeline) classify(ctx context.Context, log *slog.Logger, sum *Summary) error {
	if p.opts.Aggregator == nil {
		return fmt.Errorf("%w: no classifier configured", ErrClassifierUnavailable)
	}
	if p.opts.Health != nil {
		if err := p.opts.Health(ctx); err != nil {
			sum.Skipped = append(sum.Skipped, StageClassify)
			return fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
		}
	}

	items, err := p.opts.Store.MissingClassification(ctx)
	if err != nil {
		return err
	}
	log.Info("classifying", "items", len(items))

	bar := p.bar(len(items), "LID")
	defer finish(bar)

	for _, it := range items {
		conf, err := p.opts.Aggregator.Aggregate(ctx, it.TextValue())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sum.ClassifyFailed++
			log.Warn("classification failed; item left for next run", "id", it.ID, "error", err)
			_ = bar.Add(1)
			continue
		}

		c := store.Classification{
			Confidences: conf,
			Resolution:  status.Resolve(conf, p.opts.Thresholds),
			ModelTag:    p.opts.Aggregator.ModelTag(),
		}
		if err := p.opts.Store.SetClassification(ctx, it.ID, c); err != nil {
			return fmt.Errorf("store classification for %s: %w", it.ID, err)
		}
		sum.Classified++
		_ = bar.Add(1)
	}

	if sum.ClassifyFailed > 0 {
		return fmt.Errorf("%d items failed classification", sum.ClassifyFailed)
	}
	return nil
}

func (p *Pipeline) materialize(ctx context.Context, log *slog.Logger, sum *Summary) error {
	if p.opts.Materializer == nil {
		log.Warn("no group sink configured; skipping materialize")
		sum.Skipped = append(sum.Skipped, StageMaterialize)
		return nil
	}
	results, err := p.opts.Materializer.Materialize(ctx, p.opts.Groups)
	sum.Groups = results
	return err
}

func (p *Pipeline) bar(total int, desc string) *progressbar.ProgressBar {
	if p.opts.Progress == nil {
		return progressbar.DefaultSilent(int64(total), desc)
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(p.opts.Progress),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionClearOnFinish(),
	)
}

func finish(bar *progressbar.ProgressBar) {
	_ = bar.Finish()
}
