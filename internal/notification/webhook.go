package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pitabwire/grantflow/internal/observability"
	"github.com/pitabwire/grantflow/model"
)

// WebhookSender POSTs the message as JSON to http(s) addresses.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender creates a webhook sender with the given timeout.
func NewWebhookSender(timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return model.NewPermanentError("webhook", fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.To, bytes.NewReader(payload))
	if err != nil {
		return model.NewPermanentError("webhook", fmt.Errorf("build request for %s: %w", msg.To, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "grantflow/"+observability.Version)
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return model.NewTransientError("webhook", fmt.Errorf("post %s: %w", msg.To, err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return model.NewTransientError("webhook", fmt.Errorf("post %s: status %d", msg.To, resp.StatusCode))
	default:
		return model.NewPermanentError("webhook", fmt.Errorf("post %s: status %d", msg.To, resp.StatusCode))
	}
}
