// Package ingest routes inbound alert events for one local recipient into the
// alert queue store: it validates, filters on alert markers, excludes the
// recipient's own alerts, applies responder targeting, and drops duplicates.
package ingest

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/mayday/internal/alert"
	"github.com/linnemanlabs/mayday/internal/alertq"
	"github.com/linnemanlabs/mayday/internal/dedup"
)

// Skip reasons reported in Result.Reason.
const (
	ReasonMalformed   = "malformed"
	ReasonNotAlert    = "not_alert"
	ReasonSelf        = "self_originated"
	ReasonNotTargeted = "not_targeted"
	ReasonIneligible  = "ineligible"
	ReasonDuplicate   = "duplicate"
)

// Recipient is the local identity alerts are delivered to.
type Recipient struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the recipient holds role, case-insensitively.
func (r Recipient) HasRole(role string) bool {
	return slices.ContainsFunc(r.Roles, func(have string) bool {
		return strings.EqualFold(have, role)
	})
}

// Eligibility decides whether a recipient may receive broadcast alerts.
type Eligibility func(Recipient) bool

// RolesEligible allows recipients holding any of roles. An empty list makes
// every recipient eligible.
func RolesEligible(roles []string) Eligibility {
	roles = slices.Clone(roles)
	return func(r Recipient) bool {
		if len(roles) == 0 {
			return true
		}
		return slices.ContainsFunc(roles, r.HasRole)
	}
}

// Enqueuer is the store surface the dispatcher feeds.
type Enqueuer interface {
	Enqueue(a *alert.Alert) alertq.EnqueueResult
}

// Config holds dispatcher options.
type Config struct {
	DefaultChannelID string
	Classifier       *alert.Classifier
	Eligible         Eligibility
	Now              func() time.Time
}

// Hooks observe dispatch outcomes.
type Hooks struct {
	// OnResult receives "active", "queued", or a skip reason.
	OnResult func(result string)
}

// Result is the outcome of one inbound event.
type Result struct {
	AlertID      string `json:"alert_id,omitempty"`
	ChannelID    string `json:"channel_id,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`
	Reason       string `json:"reason,omitempty"`
	BecameActive bool   `json:"became_active,omitempty"`
}

// Dispatcher handles inbound events for a single recipient.
type Dispatcher struct {
	recipient Recipient
	store     Enqueuer
	seen      dedup.Set
	cfg       Config
	logger    log.Logger
	hooks     Hooks
}

// NewDispatcher creates a Dispatcher. store and seen are required.
func NewDispatcher(recipient Recipient, store Enqueuer, seen dedup.Set, cfg Config, logger log.Logger, hooks Hooks) *Dispatcher {
	if store == nil {
		panic(xerrors.New("alert store is required"))
	}
	if seen == nil {
		panic(xerrors.New("dedup set is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = alert.NewClassifier(nil)
	}
	if cfg.Eligible == nil {
		cfg.Eligible = RolesEligible(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		recipient: recipient,
		store:     store,
		seen:      seen,
		cfg:       cfg,
		logger:    logger.With("recipient_id", recipient.ID),
		hooks:     hooks,
	}
}

// Recipient returns the local recipient.
func (d *Dispatcher) Recipient() Recipient {
	return d.recipient
}

// OnInboundRaw parses a raw event and dispatches it. Unparseable events are
// dropped.
func (d *Dispatcher) OnInboundRaw(ctx context.Context, raw []byte) Result {
	ev, err := alert.ParseEvent(raw)
	if err != nil {
		d.logger.Warn(ctx, "dropping malformed alert event", "error", err)
		return d.skip(Result{}, ReasonMalformed)
	}
	return d.OnInboundAlert(ctx, ev)
}

// OnInboundAlert dispatches an event. Rejections are reported in the Result,
// never as errors; the transport has nothing to retry.
func (d *Dispatcher) OnInboundAlert(ctx context.Context, ev *alert.Event) Result {
	if err := ev.Validate(); err != nil {
		d.logger.Warn(ctx, "dropping malformed alert event", "error", err)
		res := Result{}
		if ev != nil {
			res.AlertID = ev.ID
		}
		return d.skip(res, ReasonMalformed)
	}

	res := Result{AlertID: ev.ID, ChannelID: ev.ChannelID}
	if res.ChannelID == "" {
		res.ChannelID = d.cfg.DefaultChannelID
	}

	// an explicit priority is authoritative; markers only gate legacy events
	var tier alert.Tier
	if ev.Priority != "" {
		tier, _ = alert.ParseTier(ev.Priority)
	} else {
		t, ok := d.cfg.Classifier.Match(ev.Content)
		if !ok {
			return d.skip(res, ReasonNotAlert)
		}
		tier = t
	}

	if ev.Sender != "" && ev.Sender == d.recipient.ID {
		return d.skip(res, ReasonSelf)
	}

	if reason := d.target(ev.Responders); reason != "" {
		return d.skip(res, reason)
	}

	first, err := d.seen.Add(ctx, ev.ID)
	switch {
	case err != nil:
		// fail open: the store still refuses an id it already holds
		d.logger.Warn(ctx, "dedup unavailable, dispatching anyway", "alert_id", ev.ID, "error", err)
	case !first:
		return d.skip(res, ReasonDuplicate)
	}

	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = d.cfg.Now()
	}

	er := d.store.Enqueue(&alert.Alert{
		ID:             ev.ID,
		ChannelID:      res.ChannelID,
		Content:        ev.Content,
		Sender:         ev.Sender,
		Tier:           tier,
		CreatedAt:      createdAt,
		Responders:     slices.Clone(ev.Responders),
		AcknowledgedBy: slices.Clone(ev.AcknowledgedBy),
	})
	if er.Duplicate {
		return d.skip(res, ReasonDuplicate)
	}

	res.BecameActive = er.BecameActive
	outcome := "queued"
	if er.BecameActive {
		outcome = "active"
	}
	d.logger.Info(ctx, "alert dispatched",
		"alert_id", ev.ID,
		"channel_id", res.ChannelID,
		"tier", tier,
		"result", outcome,
	)
	d.emit(outcome)
	return res
}

// target returns a skip reason, or "" when the recipient should see the alert.
// Responders match by id; a responder's role, when present, must also be held
// by the recipient. A role-only responder matches any holder of the role.
func (d *Dispatcher) target(responders []alert.Responder) string {
	if len(responders) == 0 {
		if !d.cfg.Eligible(d.recipient) {
			return ReasonIneligible
		}
		return ""
	}
	for _, r := range responders {
		if r.ID == "" && r.Role == "" {
			continue
		}
		if r.ID != "" && r.ID != d.recipient.ID {
			continue
		}
		if r.Role != "" && !d.recipient.HasRole(r.Role) {
			continue
		}
		return ""
	}
	return ReasonNotTargeted
}

func (d *Dispatcher) skip(res Result, reason string) Result {
	res.Skipped = true
	res.Reason = reason
	d.emit(reason)
	return res
}

func (d *Dispatcher) emit(result string) {
	if d.hooks.OnResult != nil {
		d.hooks.OnResult(result)
	}
}
