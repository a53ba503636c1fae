package interpreter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/reliefops/relief-orchestrator/internal/domain"
)

// Client calls an external interpreter service over HTTP. The service
// receives the raw text and answers with a structured interpretation.
// Transport and non-2xx failures surface as errors; the caller decides
// whether to retry or fall back to the local classifier.
type Client struct {
	url    string
	client *http.Client
}

// NewClient creates a client for the interpreter endpoint.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type interpretRequest struct {
	Text string `json:"text"`
}

// Interpret posts the text to the interpreter service.
func (c *Client) Interpret(ctx context.Context, text string) (*domain.Interpretation, error) {
	body, err := json.Marshal(interpretRequest{Text: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("interpreter request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("interpreter returned status %d", resp.StatusCode)
	}

	var out domain.Interpretation
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding interpreter response: %w", err)
	}
	if len(out.Needs) == 0 {
		out.Needs = []string{domain.NeedUnclassified}
	}
	return &out, nil
}
