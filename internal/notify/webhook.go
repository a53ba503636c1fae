package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook posts notifications as JSON to a configured endpoint.
type Webhook struct {
	url    string
	client *http.Client
}

// WebhookMessage is the outbound payload.
type WebhookMessage struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Source    string `json:"source"`
}

// NewWebhook creates a webhook transport.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Deliver posts the notification to the webhook endpoint.
func (w *Webhook) Deliver(ctx context.Context, recipient, subject, body string) error {
	if w.url == "" {
		return nil // Disabled
	}

	msg := WebhookMessage{
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		Source:    "relief-orchestrator",
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}

	return nil
}
