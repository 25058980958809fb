package spotify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultAPIBase  = "https://api.spotify.com/v1"
	defaultTokenURL = "https://accounts.spotify.com/api/token"
)

// Config holds Spotify credentials and endpoints.
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	APIBase      string
	TokenURL     string
}

// APIError is a non-2xx response from the Web API.
type APIError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("spotify %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client talks to the Spotify Web API using a refresh token.
type Client struct {
	client *http.Client
	cfg    Config

	batchSize int
	pacing    time.Duration
	sleeper   func(time.Duration)

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	userID      string
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.client = c
		}
	}
}

// WithBatchSize sets how many URIs are sent per playlist request (max 100).
func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 && n <= 100 {
			c.batchSize = n
		}
	}
}

// WithPacing sets the pause between playlist batches.
func WithPacing(d time.Duration) Option {
	return func(c *Client) { c.pacing = d }
}

// WithSleeper overrides how pauses are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) { c.sleeper = sleeper }
}

// NewClient creates a Spotify client.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	c := &Client{
		client:    &http.Client{Timeout: 30 * time.Second},
		cfg:       cfg,
		batchSize: 100,
		pacing:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether credentials are present.
func (c *Client) Configured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != "" && c.cfg.RefreshToken != ""
}

func (c *Client) authenticate(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}
	if !c.Configured() {
		return "", fmt.Errorf("spotify: set SPOTIFY_CLIENT_ID, SPOTIFY_CLIENT_SECRET and SPOTIFY_REFRESH_TOKEN")
	}

	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {c.cfg.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("spotify token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("spotify auth status %d", resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decode spotify token: %w", err)
	}

	c.token = tokenResp.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn-60) * time.Second)
	return c.token, nil
}

// do sends a JSON request to the API. in and out may be nil. path may be a
// full URL (for "next" links) or a path under the API base.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token, err := c.authenticate(ctx)
	if err != nil {
		return err
	}

	reqURL := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		reqURL = c.cfg.APIBase + path
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("spotify %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode spotify %s: %w", path, err)
	}
	return nil
}

func (c *Client) currentUser(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.userID
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}

	var me struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/me", nil, &me); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.userID = me.ID
	c.mu.Unlock()
	return me.ID, nil
}

func (c *Client) pause(ctx context.Context) error {
	if c.pacing <= 0 {
		return ctx.Err()
	}
	if c.sleeper != nil {
		c.sleeper(c.pacing)
		return ctx.Err()
	}
	timer := time.NewTimer(c.pacing)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
