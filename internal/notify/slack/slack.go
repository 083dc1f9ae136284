// Package slack posts missed-alert notices to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/mayday/internal/alert"
	"github.com/linnemanlabs/mayday/internal/history"
)

const (
	maxContentLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier sends missed-alert notices to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, NotifyExpired is
// a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// NotifyExpired posts a notice for an alert that expired without a response.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) NotifyExpired(ctx context.Context, r *history.Record) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(r))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(r *history.Record) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(r),
			fieldsBlock(r),
			contentBlock(r),
			contextBlock(r),
		},
	}
}

func headerBlock(r *history.Record) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s Missed %s alert", tierEmoji(r.Tier), r.Tier),
		},
	}
}

func fieldsBlock(r *history.Record) map[string]any {
	waited := r.ResolvedAt.Sub(r.CreatedAt).Round(time.Second)
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Recipient:* %s", r.RecipientID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Channel:* %s", r.ChannelID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Sender:* %s", orDash(r.Sender))},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Unanswered for:* %s", waited)},
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func contentBlock(r *history.Record) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("> %s", truncate(r.Content, maxContentLen)),
		},
	}
}

func contextBlock(r *history.Record) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{{
			"type": "mrkdwn",
			"text": fmt.Sprintf("mayday • alert %s • %s", r.AlertID, r.ResolvedAt.UTC().Format("2006-01-02 15:04 UTC")),
		}},
	}
}

func tierEmoji(t alert.Tier) string {
	switch t {
	case alert.TierCritical:
		return "\U0001f534" // red circle
	case alert.TierElevated:
		return "\U0001f7e0" // orange circle
	default:
		return "\U0001f7e1" // yellow circle
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
