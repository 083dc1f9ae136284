// Package resolve completes Active alerts: on a recipient's accept or busy
// response after the upstream acknowledgment succeeds, and silently when the
// expiry timer fires.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/mayday/internal/ackclient"
	"github.com/linnemanlabs/mayday/internal/alert"
	"github.com/linnemanlabs/mayday/internal/alertq"
	"github.com/linnemanlabs/mayday/internal/history"
	"github.com/linnemanlabs/mayday/internal/lifecycle"
)

var (
	// ErrAlertNotFound is returned when the alert is neither active nor queued.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrInvalidAction is returned for actions other than accept and busy.
	ErrInvalidAction = errors.New("invalid resolution action")
	// ErrInFlight is returned while another resolution of the same alert is
	// awaiting the upstream acknowledgment.
	ErrInFlight = errors.New("resolution already in progress")
	// ErrAckFailed wraps upstream acknowledgment failures. The alert stays
	// in place and the caller may retry.
	ErrAckFailed = errors.New("acknowledgment failed")
)

// Acknowledger delivers a resolution upstream.
type Acknowledger interface {
	Acknowledge(ctx context.Context, r ackclient.Request) error
}

// AcknowledgerFunc adapts a function to Acknowledger.
type AcknowledgerFunc func(ctx context.Context, r ackclient.Request) error

// Acknowledge implements Acknowledger.
func (f AcknowledgerFunc) Acknowledge(ctx context.Context, r ackclient.Request) error {
	return f(ctx, r)
}

// Notifier is told about alerts that expired unanswered.
type Notifier interface {
	NotifyExpired(ctx context.Context, r *history.Record) error
}

// Store is the alert queue surface the coordinator drives.
type Store interface {
	Lookup(channelID, alertID string) (*alert.Alert, bool)
	Acknowledge(channelID, alertID, recipientID string) alertq.Completion
	Expire(channelID, alertID string, token uint64) alertq.Completion
}

// Hooks observe resolution outcomes.
type Hooks struct {
	// OnAck receives "ok" or "error" and the upstream call duration.
	OnAck     func(outcome string, dur time.Duration)
	OnExpired func(a *alert.Alert)
}

// Config holds coordinator options. History and Notifier are optional.
type Config struct {
	RecipientID string
	History     history.Store
	Notifier    Notifier
	Now         func() time.Time
	Tracer      trace.Tracer
}

// Coordinator resolves alerts for one recipient.
type Coordinator struct {
	store  Store
	ack    Acknowledger
	cfg    Config
	logger log.Logger
	hooks  Hooks

	mu       sync.Mutex
	inflight map[string]struct{} // channelID/alertID
}

// NewCoordinator creates a Coordinator. store and ack are required.
func NewCoordinator(store Store, ack Acknowledger, cfg Config, logger log.Logger, hooks Hooks) *Coordinator {
	if store == nil {
		panic(xerrors.New("alert store is required"))
	}
	if ack == nil {
		panic(xerrors.New("acknowledger is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/linnemanlabs/mayday/internal/resolve")
	}
	return &Coordinator{
		store:    store,
		ack:      ack,
		cfg:      cfg,
		logger:   logger.With("recipient_id", cfg.RecipientID),
		hooks:    hooks,
		inflight: make(map[string]struct{}),
	}
}

// Resolve sends the recipient's response upstream and, once it succeeds,
// completes the alert and promotes the next one. On failure the alert is left
// as it was and its expiry timer keeps running.
func (c *Coordinator) Resolve(ctx context.Context, channelID, alertID string, action alert.Action) error {
	ctx, span := c.cfg.Tracer.Start(ctx, "resolve.Resolve", trace.WithAttributes(
		attribute.String("mayday.channel_id", channelID),
		attribute.String("mayday.alert_id", alertID),
		attribute.String("mayday.action", string(action)),
	))
	defer span.End()

	if err := c.resolve(ctx, channelID, alertID, action); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *Coordinator) resolve(ctx context.Context, channelID, alertID string, action alert.Action) error {
	if action != alert.ActionAccept && action != alert.ActionBusy {
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if _, ok := c.store.Lookup(channelID, alertID); !ok {
		return fmt.Errorf("%w: %s/%s", ErrAlertNotFound, channelID, alertID)
	}

	key := channelID + "/" + alertID
	if !c.claim(key) {
		return fmt.Errorf("%w: %s", ErrInFlight, key)
	}
	defer c.release(key)

	start := time.Now()
	err := c.ack.Acknowledge(ctx, ackclient.Request{
		ChannelID:   channelID,
		AlertID:     alertID,
		RecipientID: c.cfg.RecipientID,
		Action:      action,
	})
	c.observeAck(err, time.Since(start))
	if err != nil {
		c.logger.Error(ctx, err, "acknowledgment failed, alert left in place",
			"channel_id", channelID, "alert_id", alertID, "action", action)
		return fmt.Errorf("%w: %w", ErrAckFailed, err)
	}

	done := c.store.Acknowledge(channelID, alertID, c.cfg.RecipientID)
	if !done.Found() {
		// expired or reset while the acknowledgment was in flight
		c.logger.Warn(ctx, "alert gone before acknowledgment completed",
			"channel_id", channelID, "alert_id", alertID)
		return nil
	}

	c.logger.Info(ctx, "alert resolved",
		"channel_id", channelID,
		"alert_id", alertID,
		"action", action,
		"was_active", done.WasActive,
	)
	c.record(ctx, history.NewRecord(done.Removed, c.cfg.RecipientID, alertq.OutcomeAcknowledged, action, c.cfg.Now()))
	return nil
}

// OnExpired completes an alert whose timer fired, without contacting
// upstream. Expiries for activations that are no longer current are ignored.
func (c *Coordinator) OnExpired(ctx context.Context, exp lifecycle.Expiry) {
	done := c.store.Expire(exp.ChannelID, exp.AlertID, exp.Token)
	if !done.Found() {
		return
	}

	c.logger.Info(ctx, "alert expired",
		"channel_id", exp.ChannelID,
		"alert_id", exp.AlertID,
		"tier", done.Removed.Tier,
	)
	if c.hooks.OnExpired != nil {
		c.hooks.OnExpired(done.Removed)
	}

	at := exp.FiredAt
	if at.IsZero() {
		at = c.cfg.Now()
	}
	rec := history.NewRecord(done.Removed, c.cfg.RecipientID, alertq.OutcomeExpired, "", at)
	c.record(ctx, rec)

	if c.cfg.Notifier != nil {
		if err := c.cfg.Notifier.NotifyExpired(ctx, rec); err != nil {
			c.logger.Error(ctx, err, "missed-alert notification failed", "alert_id", exp.AlertID)
		}
	}
}

func (c *Coordinator) record(ctx context.Context, rec *history.Record) {
	if c.cfg.History == nil {
		return
	}
	if err := c.cfg.History.Put(ctx, rec); err != nil {
		c.logger.Error(ctx, err, "history write failed",
			"channel_id", rec.ChannelID, "alert_id", rec.AlertID, "outcome", rec.Outcome)
	}
}

func (c *Coordinator) observeAck(err error, dur time.Duration) {
	if c.hooks.OnAck == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.hooks.OnAck(outcome, dur)
}

func (c *Coordinator) claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[key]; busy {
		return false
	}
	c.inflight[key] = struct{}{}
	return true
}

func (c *Coordinator) release(key string) {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
}
