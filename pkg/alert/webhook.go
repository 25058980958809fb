package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Webhook event names, sent in the payload and the X-Langsync-Event header.
const (
	EventRunFinished = "run.finished"
	EventRunFailed   = "run.failed"
)

// webhookPayload is the JSON envelope posted to generic webhooks.
type webhookPayload struct {
	Event  string        `json:"event"`
	SentAt int64         `json:"sent_at"`
	Run    *Notification `json:"run"`
}

// Webhook posts run notifications to a generic HTTP endpoint. With a secret
// set, the request carries an HMAC-SHA256 of "<timestamp>.<body>".
type Webhook struct {
	client *http.Client
	url    string
	secret string
	now    func() time.Time
}

// NewWebhook creates a generic webhook notifier.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    url,
		secret: secret,
		now:    time.Now,
	}
}

func (w *Webhook) Name() string { return "webhook" }

// eventFor names the event a notification reports.
func eventFor(n *Notification) string {
	if len(n.Errors) > 0 {
		return EventRunFailed
	}
	return EventRunFinished
}

// sign returns the signature header value for body sent at ts.
func sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (w *Webhook) Send(ctx context.Context, n *Notification) error {
	event := eventFor(n)
	ts := w.now().Unix()
	body, err := json.Marshal(webhookPayload{Event: event, SentAt: ts, Run: n})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "langsync/1.0")
	req.Header.Set("X-Langsync-Event", event)
	req.Header.Set("X-Langsync-Run-ID", n.RunID)
	req.Header.Set("X-Langsync-Timestamp", strconv.FormatInt(ts, 10))
	if w.secret != "" {
		req.Header.Set("X-Langsync-Signature", sign(w.secret, ts, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s for run %s: status %d", event, n.RunID, resp.StatusCode)
	}
	return nil
}
