package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound means the provider answered but has no text for the item.
var ErrNotFound = errors.New("enrich: no text found")

// Provider looks up the text associated with a title and primary artist.
type Provider interface {
	Name() string
	Search(ctx context.Context, title, artist string) (string, error)
}

// StatusError is returned by providers for non-2xx HTTP responses.
type StatusError struct {
	Provider string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d", e.Provider, e.Code)
}

// OutcomeKind tags the result of a single fetch attempt.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	NotFound
	TransientFailure
	PermanentFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case NotFound:
		return "not_found"
	case TransientFailure:
		return "transient"
	case PermanentFailure:
		return "permanent"
	}
	return "unknown"
}

// Outcome is one attempt's result. Text is set only for Success, Err only for
// the failure kinds.
type Outcome struct {
	Kind OutcomeKind
	Text string
	Err  error
}

var reRateLimited = regexp.MustCompile(`(?i)429|rate`)

// Classify maps a provider result to an Outcome. An empty payload counts as
// NotFound.
func Classify(text string, err error) Outcome {
	if err == nil {
		text = strings.TrimSpace(text)
		if text == "" {
			return Outcome{Kind: NotFound}
		}
		return Outcome{Kind: Success, Text: text}
	}
	if errors.Is(err, ErrNotFound) {
		return Outcome{Kind: NotFound}
	}
	if IsTransient(err) {
		return Outcome{Kind: TransientFailure, Err: err}
	}
	return Outcome{Kind: PermanentFailure, Err: err}
}

// IsTransient reports whether err is worth backing off for: rate limiting,
// request timeouts, server errors, and network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusTooManyRequests, se.Code == http.StatusRequestTimeout:
			return true
		case se.Code >= 500:
			return true
		}
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return reRateLimited.MatchString(err.Error())
}

const (
	defaultDelay      = 1200 * time.Millisecond
	defaultMaxDelay   = 60 * time.Second
	defaultMaxRetries = 5
)

// Fetcher wraps a Provider with pacing and exponential backoff.
type Fetcher struct {
	provider   Provider
	delay      time.Duration
	maxDelay   time.Duration
	maxRetries int
	sleeper    func(time.Duration)
	logger     *slog.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithDelay sets the pacing delay waited before every attempt.
func WithDelay(d time.Duration) Option {
	return func(f *Fetcher) { f.delay = d }
}

// WithMaxDelay caps the backed-off delay.
func WithMaxDelay(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.maxDelay = d
		}
	}
}

// WithMaxRetries sets the number of attempts per item.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxRetries = n
		}
	}
}

// WithSleeper overrides how waits are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(f *Fetcher) { f.sleeper = sleeper }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFetcher creates a Fetcher around p.
func NewFetcher(p Provider, opts ...Option) *Fetcher {
	f := &Fetcher{
		provider:   p,
		delay:      defaultDelay,
		maxDelay:   defaultMaxDelay,
		maxRetries: defaultMaxRetries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Provider returns the wrapped provider.
func (f *Fetcher) Provider() Provider { return f.provider }

// Fetch returns the text for the item, or ok=false when none could be
// obtained. A non-nil error is returned only when ctx is done.
func (f *Fetcher) Fetch(ctx context.Context, title, attribution string) (string, bool, error) {
	artist := PrimaryArtist(attribution)
	delay := f.delay
	log := f.logger.With("provider", f.provider.Name(), "title", title, "artist", artist)

	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		if err := f.sleep(ctx, delay); err != nil {
			return "", false, err
		}

		text, err := f.provider.Search(ctx, title, artist)
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		out := Classify(text, err)

		switch out.Kind {
		case Success:
			return out.Text, true, nil
		case NotFound:
			return "", false, nil
		case TransientFailure:
			delay = f.backoff(delay)
			log.Warn("rate limited; backing off", "attempt", attempt, "delay", delay, "error", out.Err)
			if attempt < f.maxRetries {
				if err := f.sleep(ctx, delay); err != nil {
					return "", false, err
				}
			}
		case PermanentFailure:
			log.Debug("fetch failed", "attempt", attempt, "error", out.Err)
		}
	}

	log.Warn("gave up fetching text", "attempts", f.maxRetries)
	return "", false, nil
}

func (f *Fetcher) backoff(delay time.Duration) time.Duration {
	if delay <= 0 {
		delay = time.Second
	}
	if delay > f.maxDelay/2 {
		return f.maxDelay
	}
	return delay * 2
}

func (f *Fetcher) sleep(ctx context.Context, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if delay <= 0 {
		return nil
	}
	if f.sleeper != nil {
		f.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PrimaryArtist returns the first entry of a comma-joined artist list.
func PrimaryArtist(attribution string) string {
	first, _, _ := strings.Cut(attribution, ",")
	return strings.TrimSpace(first)
}
