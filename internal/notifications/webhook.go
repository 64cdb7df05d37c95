package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// WebhookProvider POSTs notifications as JSON to a per-channel URL.
type WebhookProvider struct {
	client *http.Client
}

// NewWebhookProvider creates the provider with the given request timeout.
func NewWebhookProvider(timeout time.Duration) *WebhookProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookProvider{client: &http.Client{Timeout: timeout}}
}

func (p *WebhookProvider) Name() string { return "webhook" }

func (p *WebhookProvider) Available() bool { return true }

// Validate requires a well-formed http(s) url in the channel config.
func (p *WebhookProvider) Validate(config map[string]string) error {
	raw, ok := config["url"]
	if !ok || raw == "" {
		return fmt.Errorf("webhook channel requires a url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url must be http or https")
	}
	return nil
}

func (p *WebhookProvider) Send(ctx context.Context, channel *Channel, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel.Config["url"], bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
