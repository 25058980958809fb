package lid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Service is the HTTP client for the language-identification service.
type Service struct {
	client    *http.Client
	baseURL   string
	batchSize int
}

// NewService creates a client for the service rooted at baseURL.
func NewService(baseURL string, timeout time.Duration, batchSize int) *Service {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Service{
		client:    &http.Client{Timeout: timeout},
		baseURL:   strings.TrimRight(baseURL, "/"),
		batchSize: batchSize,
	}
}

type classifyRequest struct {
	Texts     []string `json:"texts"`
	BatchSize int      `json:"batch_size"`
}

type classifyResponse struct {
	Results []RawResult `json:"results"`
}

// ClassifyBatch posts texts to /classify.
func (s *Service) ClassifyBatch(ctx context.Context, texts []string) ([]RawResult, error) {
	body, err := json.Marshal(classifyRequest{Texts: texts, BatchSize: s.batchSize})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("classifier status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode classifier response: %w", err)
	}
	return out.Results, nil
}

// Health checks GET /health.
func (s *Service) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("classifier unavailable at %s: %w", s.baseURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("classifier unavailable at %s: status %d", s.baseURL, resp.StatusCode)
	}
	return nil
}
