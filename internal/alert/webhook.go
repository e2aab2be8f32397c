package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/upmon-net/upmon/internal/config"
	"github.com/upmon-net/upmon/pkg/types"
)

// HTTPWebhookSender posts alert payloads to user-supplied webhook URLs.
// Delivery is fire-and-forget: a webhook endpoint is third-party code, and
// a broken one must never hold up or re-trigger the alert lane.
type HTTPWebhookSender struct {
	client *http.Client
	logger *slog.Logger
}

// NewWebhookSender builds the webhook sink.
func NewWebhookSender(logger *slog.Logger) *HTTPWebhookSender {
	return &HTTPWebhookSender{
		client: &http.Client{Timeout: config.WebhookTimeout},
		logger: logger.With("component", "webhook"),
	}
}

// Send posts the payload once. Failures are logged and dropped.
func (s *HTTPWebhookSender) Send(ctx context.Context, url string, payload types.WebhookPayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshaling webhook payload", "url", url, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, config.WebhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		s.logger.Error("building webhook request", "url", url, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "upmon-webhook/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("webhook delivery failed", "url", url, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		s.logger.Warn("webhook rejected", "url", url, "status", resp.StatusCode)
		return
	}
	s.logger.Debug("webhook delivered", "url", url, "status", resp.StatusCode)
}
