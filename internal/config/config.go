package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/elonfeng/langsync/pkg/group"
	"github.com/elonfeng/langsync/pkg/source"
	"github.com/elonfeng/langsync/pkg/status"
)

// Config is the root configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Schedule   ScheduleConfig   `yaml:"schedule" toml:"schedule"`
	Spotify    SpotifyConfig    `yaml:"spotify" toml:"spotify"`
	Feeds      FeedsConfig      `yaml:"feeds" toml:"feeds"`
	Filter     FilterConfig     `yaml:"filter" toml:"filter"`
	Enrich     EnrichConfig     `yaml:"enrich" toml:"enrich"`
	Classifier ClassifierConfig `yaml:"classifier" toml:"classifier"`
	Confidence ConfidenceConfig `yaml:"confidence" toml:"confidence"`
	Groups     []group.Group    `yaml:"groups" toml:"groups"`
	Reports    ReportsConfig    `yaml:"reports" toml:"reports"`
	Alerts     AlertsConfig     `yaml:"alerts" toml:"alerts"`
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// ScheduleConfig configures the daemon's run interval.
type ScheduleConfig struct {
	Interval string `yaml:"interval" toml:"interval"`
}

// ParseInterval returns the run interval as time.Duration.
func (s ScheduleConfig) ParseInterval() time.Duration {
	return parseDuration(s.Interval, 6*time.Hour)
}

// SpotifyConfig configures the Spotify library source and playlist sink.
type SpotifyConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	ClientID     string `yaml:"client_id" toml:"client_id"`
	ClientSecret string `yaml:"client_secret" toml:"client_secret"`
	RefreshToken string `yaml:"refresh_token" toml:"refresh_token"`
	APIBase      string `yaml:"api_base" toml:"api_base"`
	TokenURL     string `yaml:"token_url" toml:"token_url"`
	PlaylistName string `yaml:"playlist_name" toml:"playlist_name"`
	BatchSize    int    `yaml:"batch_size" toml:"batch_size"`
	Pacing       string `yaml:"pacing" toml:"pacing"`
}

// ParsePacing returns the pause between playlist batches.
func (s SpotifyConfig) ParsePacing() time.Duration {
	return parseDuration(s.Pacing, 500*time.Millisecond)
}

// FeedsConfig configures the RSS/Atom feed source.
type FeedsConfig struct {
	Enabled bool             `yaml:"enabled" toml:"enabled"`
	Feeds   []source.FeedURL `yaml:"feeds" toml:"feeds"`
}

// FilterConfig configures source filtering.
type FilterConfig struct {
	ExcludeKeywords []string `yaml:"exclude_keywords" toml:"exclude_keywords"`
}

// EnrichConfig configures the lyrics provider and its retry policy.
type EnrichConfig struct {
	Provider   string       `yaml:"provider" toml:"provider"` // "genius" or "lrclib"
	Delay      string       `yaml:"delay" toml:"delay"`
	MaxDelay   string       `yaml:"max_delay" toml:"max_delay"`
	MaxRetries int          `yaml:"max_retries" toml:"max_retries"`
	Genius     GeniusConfig `yaml:"genius" toml:"genius"`
	LRCLib     LRCLibConfig `yaml:"lrclib" toml:"lrclib"`
}

// ParseDelay returns the pacing delay.
func (e EnrichConfig) ParseDelay() time.Duration {
	return parseDuration(e.Delay, 1200*time.Millisecond)
}

// ParseMaxDelay returns the backoff cap.
func (e EnrichConfig) ParseMaxDelay() time.Duration {
	return parseDuration(e.MaxDelay, 60*time.Second)
}

// GeniusConfig for the Genius provider.
type GeniusConfig struct {
	AccessToken string `yaml:"access_token" toml:"access_token"`
	APIBase     string `yaml:"api_base" toml:"api_base"`
}

// LRCLibConfig for the LRCLIB provider.
type LRCLibConfig struct {
	BaseURL string `yaml:"base_url" toml:"base_url"`
}

// ClassifierConfig configures the language-identification service.
type ClassifierConfig struct {
	URL          string   `yaml:"url" toml:"url"`
	Timeout      string   `yaml:"timeout" toml:"timeout"`
	BatchSize    int      `yaml:"batch_size" toml:"batch_size"`
	ModelTag     string   `yaml:"model_tag" toml:"model_tag"`
	TargetLabels []string `yaml:"target_labels" toml:"target_labels"`
}

// ParseTimeout returns the request timeout.
func (c ClassifierConfig) ParseTimeout() time.Duration {
	return parseDuration(c.Timeout, 60*time.Second)
}

// ConfidenceConfig holds the status and group thresholds. GroupMin of 0
// means groups use AutoAdd.
type ConfidenceConfig struct {
	AutoAdd   float64 `yaml:"auto_add" toml:"auto_add"`
	ReviewMin float64 `yaml:"review_min" toml:"review_min"`
	ReviewMax float64 `yaml:"review_max" toml:"review_max"`
	GroupMin  float64 `yaml:"group_min" toml:"group_min"`
}

// ReportsConfig names the report outputs.
type ReportsConfig struct {
	NeedsReviewCSV string `yaml:"needs_review_csv" toml:"needs_review_csv"`
	SongsCSV       string `yaml:"songs_csv" toml:"songs_csv"`
}

// AlertsConfig configures run summary destinations.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack" toml:"slack"`
	Discord DiscordConfig `yaml:"discord" toml:"discord"`
	Webhook WebhookConfig `yaml:"webhook" toml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	WebhookURL string `yaml:"webhook_url" toml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	WebhookURL string `yaml:"webhook_url" toml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	URL     string `yaml:"url" toml:"url"`
	Secret  string `yaml:"secret" toml:"secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" toml:"port"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "spotify_lid_progress.db"},
		Schedule: ScheduleConfig{Interval: "6h"},
		Spotify: SpotifyConfig{
			Enabled:      true,
			PlaylistName: "Indian Collection",
			BatchSize:    100,
			Pacing:       "500ms",
		},
		Filter: FilterConfig{},
		Enrich: EnrichConfig{
			Provider:   "genius",
			Delay:      "1.2s",
			MaxDelay:   "60s",
			MaxRetries: 5,
		},
		Classifier: ClassifierConfig{
			URL:       "http://127.0.0.1:8000",
			Timeout:   "60s",
			BatchSize: 32,
			ModelTag:  "IndicLID",
		},
		Confidence: ConfidenceConfig{AutoAdd: 0.8, ReviewMin: 0.4, ReviewMax: 0.7},
		Groups:     group.DefaultGroups(),
		Reports: ReportsConfig{
			NeedsReviewCSV: "needs_review.csv",
			SongsCSV:       "indian_songs.csv",
		},
		Server:  ServerConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a YAML or TOML file (by extension) and
// applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			err = toml.Unmarshal(data, cfg)
		} else {
			err = yaml.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) error {
	if v := firstEnv("LANGSYNC_DB_PATH", "SPOTIFY_LID_DB"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SPOTIFY_PLAYLIST_NAME"); v != "" {
		cfg.Spotify.PlaylistName = v
	}
	if v := os.Getenv("SPOTIFY_CLIENT_ID"); v != "" {
		cfg.Spotify.ClientID = v
	}
	if v := os.Getenv("SPOTIFY_CLIENT_SECRET"); v != "" {
		cfg.Spotify.ClientSecret = v
	}
	if v := os.Getenv("SPOTIFY_REFRESH_TOKEN"); v != "" {
		cfg.Spotify.RefreshToken = v
	}
	if v := os.Getenv("SPOTIFY_SONGS_CSV"); v != "" {
		cfg.Reports.SongsCSV = v
	}
	if v := os.Getenv("GENIUS_ACCESS_TOKEN"); v != "" {
		cfg.Enrich.Genius.AccessToken = v
	}
	if v := os.Getenv("GENIUS_DELAY"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("GENIUS_DELAY: %w", err)
		}
		cfg.Enrich.Delay = time.Duration(secs * float64(time.Second)).String()
	}
	if v := os.Getenv("GENIUS_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GENIUS_MAX_RETRIES: %w", err)
		}
		cfg.Enrich.MaxRetries = n
	}
	if v := os.Getenv("LID_SERVICE_URL"); v != "" {
		cfg.Classifier.URL = v
	}
	for env, dst := range map[string]*float64{
		"CONFIDENCE_AUTO_ADD":   &cfg.Confidence.AutoAdd,
		"CONFIDENCE_REVIEW_MIN": &cfg.Confidence.ReviewMin,
		"CONFIDENCE_REVIEW_MAX": &cfg.Confidence.ReviewMax,
	} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
		*dst = f
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	return nil
}

// Validate checks thresholds, groups and the provider choice.
func (c *Config) Validate() error {
	if err := c.Thresholds().Validate(); err != nil {
		return fmt.Errorf("confidence: %w", err)
	}
	if g := c.Confidence.GroupMin; g < 0 || g > 1 {
		return fmt.Errorf("confidence: group_min %v outside [0,1]", g)
	}
	if err := group.Validate(c.Groups); err != nil {
		return fmt.Errorf("groups: %w", err)
	}
	switch c.Enrich.Provider {
	case "genius", "lrclib":
	default:
		return fmt.Errorf("enrich: unknown provider %q", c.Enrich.Provider)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database: path is required")
	}
	return nil
}

// Thresholds returns the status thresholds.
func (c *Config) Thresholds() status.Thresholds {
	return status.Thresholds{
		AutoAdd:   c.Confidence.AutoAdd,
		ReviewMin: c.Confidence.ReviewMin,
		ReviewMax: c.Confidence.ReviewMax,
	}
}

// GroupThreshold is the minimum accepted-label confidence for group
// membership.
func (c *Config) GroupThreshold() float64 {
	if c.Confidence.GroupMin > 0 {
		return c.Confidence.GroupMin
	}
	return c.Confidence.AutoAdd
}

// TargetLabels is the classifier's target set: configured explicitly, or the
// union of every group's labels.
func (c *Config) TargetLabels() []string {
	if len(c.Classifier.TargetLabels) > 0 {
		return c.Classifier.TargetLabels
	}
	return group.TargetLabels(c.Groups)
}

// EnrichConfigured reports whether the selected provider has what it needs.
func (c *Config) EnrichConfigured() bool {
	if c.Enrich.Provider == "genius" {
		return c.Enrich.Genius.AccessToken != ""
	}
	return true
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
