package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/elonfeng/langsync/internal/config"
	"github.com/elonfeng/langsync/internal/logging"
	"github.com/elonfeng/langsync/internal/pipeline"
	"github.com/elonfeng/langsync/internal/scheduler"
	"github.com/elonfeng/langsync/internal/store"
	"github.com/elonfeng/langsync/pkg/alert"
	"github.com/elonfeng/langsync/pkg/enrich"
	"github.com/elonfeng/langsync/pkg/group"
	"github.com/elonfeng/langsync/pkg/lid"
	"github.com/elonfeng/langsync/pkg/report"
	"github.com/elonfeng/langsync/pkg/server"
	"github.com/elonfeng/langsync/pkg/source"
	"github.com/elonfeng/langsync/pkg/spotify"
	"github.com/elonfeng/langsync/pkg/status"
)

// app holds what every command needs: config, logger and the open store.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *store.SQLiteStore
	lock   *store.Lock
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openApp loads config and opens the store. With exclusive set it first
// takes the store lock so only one pipeline writes at a time.
func openApp(exclusive bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level, format := cfg.Logging.Level, cfg.Logging.Format
	if logLevel != "" {
		level = logLevel
	}
	if logFormat != "" {
		format = logFormat
	}
	logger, err := logging.New(logging.Options{Level: level, Format: format})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	if exclusive {
		if a.lock, err = store.AcquireLock(cfg.Database.Path); err != nil {
			return nil, err
		}
	}
	if a.db, err = store.New(cfg.Database.Path); err != nil {
		a.lock.Release()
		return nil, fmt.Errorf("open store: %w", err)
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
	if err := a.lock.Release(); err != nil {
		a.logger.Warn("release lock", "error", err)
	}
}

// spotifyClient returns nil when Spotify is disabled or has no credentials.
func (a *app) spotifyClient() *spotify.Client {
	sc := a.cfg.Spotify
	if !sc.Enabled {
		return nil
	}
	c := spotify.NewClient(spotify.Config{
		ClientID:     sc.ClientID,
		ClientSecret: sc.ClientSecret,
		RefreshToken: sc.RefreshToken,
		APIBase:      sc.APIBase,
		TokenURL:     sc.TokenURL,
	}, spotify.WithBatchSize(sc.BatchSize), spotify.WithPacing(sc.ParsePacing()))
	if !c.Configured() {
		a.logger.Warn("spotify enabled but credentials missing; skipping library and playlists")
		return nil
	}
	return c
}

func (a *app) buildSources(sp *spotify.Client) []source.Source {
	filter := source.NewFilter(a.cfg.Filter.ExcludeKeywords)
	var sources []source.Source

	if sp != nil {
		sources = append(sources, source.Filtered(spotify.NewLibrary(sp), filter))
	}
	if a.cfg.Feeds.Enabled && len(a.cfg.Feeds.Feeds) > 0 {
		sources = append(sources, source.Filtered(source.NewFeed(a.cfg.Feeds.Feeds, a.logger), filter))
	}
	return sources
}

// buildFetcher returns nil when the selected provider lacks credentials.
func (a *app) buildFetcher() *enrich.Fetcher {
	ec := a.cfg.Enrich
	if !a.cfg.EnrichConfigured() {
		a.logger.Warn("lyrics provider not configured", "provider", ec.Provider)
		return nil
	}

	var provider enrich.Provider
	switch ec.Provider {
	case "lrclib":
		provider = enrich.NewLRCLib(ec.LRCLib.BaseURL)
	default:
		provider = enrich.NewGenius(ec.Genius.AccessToken, ec.Genius.APIBase)
	}
	return enrich.NewFetcher(provider,
		enrich.WithDelay(ec.ParseDelay()),
		enrich.WithMaxDelay(ec.ParseMaxDelay()),
		enrich.WithMaxRetries(ec.MaxRetries),
		enrich.WithLogger(a.logger),
	)
}

// planner computes group membership; sink may be nil for read-only use.
func (a *app) planner(sink group.Sink) *group.Materializer {
	return group.NewMaterializer(a.db, sink, a.cfg.Spotify.PlaylistName, a.cfg.GroupThreshold(), group.SpotifyTrackURI, a.logger)
}

func (a *app) buildPipeline() *pipeline.Pipeline {
	sp := a.spotifyClient()

	cc := a.cfg.Classifier
	adapter := lid.NewAdapter(lid.NewService(cc.URL, cc.ParseTimeout(), cc.BatchSize), cc.BatchSize)

	opts := pipeline.Options{
		Store:      a.db,
		Sources:    a.buildSources(sp),
		Fetcher:    a.buildFetcher(),
		Aggregator: lid.NewAggregator(adapter, a.cfg.TargetLabels(), cc.ModelTag),
		Health:     adapter.Health,
		Thresholds: a.cfg.Thresholds(),
		Groups:     a.cfg.Groups,
		Logger:     a.logger,
		Progress:   pipeline.StderrProgress(),
	}
	if sp != nil {
		opts.Materializer = a.planner(sp)
	}
	return pipeline.New(opts)
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runStages(stages ...pipeline.Stage) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	sum, runErr := a.buildPipeline().RunStages(ctx, stages...)
	if sum != nil {
		fmt.Println(summaryTable(sum).Render())
	}
	if len(stages) == len(pipeline.AllStages) && ctx.Err() == nil {
		if err := a.writeReports(ctx); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}
	if errors.Is(runErr, context.Canceled) {
		a.logger.Warn("interrupted; progress so far is saved, rerun to resume")
	}
	return runErr
}

func summaryTable(sum *pipeline.Summary) *report.Table {
	t := &report.Table{
		Headers: []string{"metric", "value"},
		Right:   map[int]bool{1: true},
	}
	add := func(k string, v int) { t.Rows = append(t.Rows, []string{k, strconv.Itoa(v)}) }
	add("synced", sum.Synced)
	add("enrich attempts", sum.EnrichAttempts)
	add("enriched", sum.Enriched)
	add("classified", sum.Classified)
	add("classify failures", sum.ClassifyFailed)
	for _, st := range []status.Status{status.Pending, status.Add, status.Review, status.Skip} {
		add("status "+string(st), sum.Statuses[st])
	}
	for _, g := range sum.Groups {
		if !g.Skipped {
			add(g.Name, g.Items)
		}
	}
	return t
}

func (a *app) writeReports(ctx context.Context) error {
	review, err := a.db.ByStatus(ctx, status.Review)
	if err != nil {
		return err
	}
	if len(review) > 0 {
		path := a.cfg.Reports.NeedsReviewCSV
		if err := report.NeedsReview(review).WriteFile(path); err != nil {
			return err
		}
		a.logger.Info("wrote needs-review report", "rows", len(review), "path", path)
	}

	matched, err := a.db.ByStatus(ctx, status.Add, status.Review)
	if err != nil {
		return err
	}
	langs := a.languageTable(matched)
	if langs.Len() > 0 {
		path := a.cfg.Reports.SongsCSV
		if err := langs.WriteFile(path); err != nil {
			return err
		}
		a.logger.Info("wrote language report", "rows", langs.Len(), "path", path)
	}
	return nil
}

// languageTable marks playlist membership with the same threshold the
// materializer uses.
func (a *app) languageTable(items []store.Item) *report.Table {
	return report.Languages(items, a.cfg.Groups, a.cfg.GroupThreshold())
}

func runReport() error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.writeReports(context.Background())
}

func runReview(csvPath string) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	items, err := a.db.ByStatus(context.Background(), status.Review)
	if err != nil {
		return fmt.Errorf("list review items: %w", err)
	}
	if len(items) == 0 {
		fmt.Println("no tracks awaiting review")
		return nil
	}

	t := report.NeedsReview(items)
	fmt.Println(t.Render())
	if csvPath != "" {
		return t.WriteFile(csvPath)
	}
	return nil
}

func runStatus(jsonOutput bool) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	counts, err := a.db.CountByStatus(context.Background())
	if err != nil {
		return fmt.Errorf("count items: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(counts)
	}

	t := &report.Table{Headers: []string{"status", "items"}, Right: map[int]bool{1: true}}
	total := 0
	for _, st := range []status.Status{status.Pending, status.Add, status.Review, status.Skip} {
		t.Rows = append(t.Rows, []string{string(st), strconv.Itoa(counts[st])})
		total += counts[st]
	}
	t.Rows = append(t.Rows, []string{"total", strconv.Itoa(total)})
	fmt.Println(t.Render())
	return nil
}

func runServe(port int) error {
	a, err := openApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	ctx, cancel := signalContext()
	defer cancel()

	srv := server.New(a.db, a.planner(nil), a.cfg.Groups, nil, port, a.logger)
	return srv.ListenAndServe(ctx)
}

func runDaemon(port int) error {
	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	ctx, cancel := signalContext()
	defer cancel()

	sched := scheduler.New(a.buildPipeline(), buildAlertManager(a.cfg), a.cfg.Schedule.ParseInterval(), a.logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("scheduler error", "error", err)
		}
	}()

	srv := server.New(a.db, a.planner(nil), a.cfg.Groups, sched, port, a.logger)
	err = srv.ListenAndServe(ctx)
	a.logger.Info("shutting down")
	cancel()
	<-done
	return err
}
