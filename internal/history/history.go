// Package history records alerts that have left their channel, whether
// acknowledged by the recipient, expired unanswered, or withdrawn.
package history

import (
	"context"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/mayday/internal/alert"
	"github.com/linnemanlabs/mayday/internal/alertq"
)

// Record is one completed alert as seen by one recipient.
type Record struct {
	ID             string         `json:"id"`
	AlertID        string         `json:"alert_id"`
	ChannelID      string         `json:"channel_id"`
	RecipientID    string         `json:"recipient_id"`
	Sender         string         `json:"sender,omitempty"`
	Tier           alert.Tier     `json:"tier"`
	Content        string         `json:"content"`
	Outcome        alertq.Outcome `json:"outcome"`
	Action         alert.Action   `json:"action,omitempty"`
	AcknowledgedBy []string       `json:"acknowledged_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ResolvedAt     time.Time      `json:"resolved_at"`
}

// NewRecord builds a Record for a removed alert with a fresh ULID.
func NewRecord(a *alert.Alert, recipientID string, outcome alertq.Outcome, action alert.Action, resolvedAt time.Time) *Record {
	return &Record{
		ID:             ulid.Make().String(),
		AlertID:        a.ID,
		ChannelID:      a.ChannelID,
		RecipientID:    recipientID,
		Sender:         a.Sender,
		Tier:           a.Tier,
		Content:        a.Content,
		Outcome:        outcome,
		Action:         action,
		AcknowledgedBy: slices.Clone(a.AcknowledgedBy),
		CreatedAt:      a.CreatedAt,
		ResolvedAt:     resolvedAt,
	}
}

// Store is the persistence interface for resolution history.
type Store interface {
	Put(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, bool, error)
	// ListByAlert returns every record for an alert id, oldest first.
	ListByAlert(ctx context.Context, alertID string) ([]*Record, error)
	// ListByChannel returns up to limit records for a channel, newest first.
	ListByChannel(ctx context.Context, channelID string, limit int) ([]*Record, error)
}

// DefaultListLimit bounds ListByChannel when the caller passes no limit.
const DefaultListLimit = 50
