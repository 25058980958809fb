package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/elonfeng/langsync/internal/pipeline"
	"github.com/elonfeng/langsync/pkg/alert"
)

// Runner is the pipeline as seen by the scheduler.
type Runner interface {
	Run(ctx context.Context) (*pipeline.Summary, error)
}

// Scheduler runs full pipeline passes on a fixed interval. Passes never
// overlap: a trigger that arrives while a pass is running is dropped.
type Scheduler struct {
	runner   Runner
	alertMgr *alert.Manager
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	last    *pipeline.Summary
}

// New creates a new scheduler.
func New(runner Runner, alertMgr *alert.Manager, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	if alertMgr == nil {
		alertMgr = alert.NewManager(nil)
	}
	return &Scheduler{
		runner:   runner,
		alertMgr: alertMgr,
		interval: interval,
		logger:   logger,
	}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler: initial run")
	s.RunOnce(ctx)

	s.logger.Info("scheduler: running", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes one pass unless another is in progress. It reports
// whether a pass was started.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("scheduler: previous run still in progress; skipping")
		return false
	}
	s.running = true
	s.mu.Unlock()

	sum, err := s.runner.Run(ctx)

	s.mu.Lock()
	s.running = false
	if sum != nil {
		s.last = sum
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduler: run finished with errors", "error", err)
	}
	if sum != nil && s.alertMgr.HasNotifiers() {
		if err := s.alertMgr.Broadcast(ctx, Notification(sum)); err != nil {
			s.logger.Error("scheduler: alert failed", "error", err)
		}
	}
	return true
}

// Running reports whether a pass is in progress.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Last returns the most recent run summary, or nil.
func (s *Scheduler) Last() *pipeline.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Notification turns a run summary into an alert.
func Notification(sum *pipeline.Summary) *alert.Notification {
	n := &alert.Notification{
		Title:  "langsync run finished",
		RunID:  sum.RunID,
		Errors: sum.Errors,
		Counts: map[string]int{
			"synced":     sum.Synced,
			"enriched":   sum.Enriched,
			"classified": sum.Classified,
		},
	}
	for st, c := range sum.Statuses {
		n.Counts["status_"+string(st)] = c
	}
	for _, g := range sum.Groups {
		if g.Skipped {
			continue
		}
		n.Groups = append(n.Groups, alert.GroupLine{Name: g.Name, Items: g.Items})
	}
	if len(sum.Errors) > 0 {
		n.Title = "langsync run finished with errors"
	}
	return n
}
