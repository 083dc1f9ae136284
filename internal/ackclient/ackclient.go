// Package ackclient delivers a recipient's response to an alert to the
// upstream alert service.
package ackclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/mayday/internal/alert"
)

var tracer = otel.Tracer("github.com/linnemanlabs/mayday/internal/ackclient")

const defaultTimeout = 10 * time.Second

// Request identifies the alert being answered and how.
type Request struct {
	ChannelID   string
	AlertID     string
	RecipientID string
	Action      alert.Action
}

type ackBody struct {
	RecipientID string       `json:"recipient_id"`
	Action      alert.Action `json:"action"`
}

// Client posts acknowledgements to {endpoint}/channels/{channel}/alerts/{alert}/ack.
type Client struct {
	endpoint string
	token    string
	client   *http.Client
}

// New creates a Client. A zero timeout uses 10s.
func New(endpoint, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Acknowledge sends the response. Any 2xx status is success.
func (c *Client) Acknowledge(ctx context.Context, r Request) error {
	ctx, span := tracer.Start(ctx, "ackclient.Acknowledge", trace.WithAttributes(
		attribute.String("mayday.channel_id", r.ChannelID),
		attribute.String("mayday.alert_id", r.AlertID),
		attribute.String("mayday.action", string(r.Action)),
	))
	defer span.End()

	if err := c.post(ctx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *Client) post(ctx context.Context, r Request) error {
	body, err := json.Marshal(ackBody{RecipientID: r.RecipientID, Action: r.Action})
	if err != nil {
		return fmt.Errorf("ackclient: marshal body: %w", err)
	}

	u := fmt.Sprintf("%s/channels/%s/alerts/%s/ack", c.endpoint, url.PathEscape(r.ChannelID), url.PathEscape(r.AlertID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ackclient: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req) //nolint:gosec // endpoint is from trusted config
	if err != nil {
		return fmt.Errorf("ackclient: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ackclient: upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}
