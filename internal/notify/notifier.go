// Package notify emits run completion events to the external notification
// collaborator. Delivery is fire-and-forget; a failed notification never
// changes run status.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/datalift-hq/datalift-go/internal/domain"
)

// Completion is the payload emitted when a run reaches a terminal state.
type Completion struct {
	RunID    string           `json:"run_id"`
	TenantID string           `json:"tenant_id"`
	Status   domain.RunStatus `json:"status"`
}

type Notifier interface {
	NotifyCompletion(ctx context.Context, completion Completion) error
}

// Webhook posts completions as JSON to a configured endpoint.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, timeout time.Duration) (*Webhook, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}, nil
}

func (w *Webhook) NotifyCompletion(ctx context.Context, completion Completion) error {
	payload, err := json.Marshal(completion)
	if err != nil {
		return fmt.Errorf("encode completion: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post completion: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Noop drops completions, for dev mode.
type Noop struct{}

func (Noop) NotifyCompletion(context.Context, Completion) error { return nil }
