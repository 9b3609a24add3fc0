package medium

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"feedrelay/internal/delivery"
	"feedrelay/internal/model"
)

// WebhookMessageLimit is the default part size (Discord's content limit).
const WebhookMessageLimit = 2000

type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	// MaxChars overrides WebhookMessageLimit.
	MaxChars int
}

// Webhook POSTs each part as {"content": "..."}.
type Webhook struct {
	sender
	cfg    WebhookConfig
	client *http.Client
}

type webhookPayload struct {
	Content string `json:"content"`
}

func NewWebhook(base sender, cfg WebhookConfig) (*Webhook, error) {
	u := strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return nil, fmt.Errorf("medium %q: webhook url must be http(s)", base.id)
	}
	cfg.URL = u
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = WebhookMessageLimit
	}
	return &Webhook{sender: base, cfg: cfg, client: &http.Client{Timeout: clientTimeout(cfg.Timeout)}}, nil
}

func (w *Webhook) ID() string { return w.id }

func (w *Webhook) Deliver(ctx context.Context, a model.Article) delivery.Receipt {
	return w.sendParts(ctx, a, w.cfg.MaxChars, w.post)
}

func (w *Webhook) post(ctx context.Context, part string) error {
	body, err := json.Marshal(webhookPayload{Content: part})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode/100 == 2 {
		return nil
	}
	err = fmt.Errorf("webhook http=%d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if webhookRejected(resp.StatusCode) {
		return delivery.Reject(err)
	}
	return err
}

// webhookRejected treats client errors as permanent, except throttling and
// request timeouts.
func webhookRejected(code int) bool {
	return code >= 400 && code < 500 &&
		code != http.StatusTooManyRequests &&
		code != http.StatusRequestTimeout
}
