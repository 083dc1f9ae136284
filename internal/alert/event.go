package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedEvent is returned for inbound events that cannot become alerts.
var ErrMalformedEvent = errors.New("malformed alert event")

// Event is the inbound envelope delivered by the push transport. Delivery is
// at-least-once; duplicates are absorbed downstream by alert id.
type Event struct {
	ID             string      `json:"id"`
	ChannelID      string      `json:"channel_id,omitempty"`
	Content        string      `json:"content"`
	Sender         string      `json:"sender,omitempty"`
	Priority       string      `json:"priority,omitempty"`
	CreatedAt      time.Time   `json:"created_at,omitzero"`
	Responders     []Responder `json:"responders,omitempty"`
	AcknowledgedBy []string    `json:"acknowledged_by,omitempty"`
}

// ParseEvent decodes and validates a single raw event.
func ParseEvent(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Validate checks the fields every alert needs.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedEvent)
	}
	if strings.TrimSpace(e.Content) == "" {
		return fmt.Errorf("%w: missing content", ErrMalformedEvent)
	}
	if e.Priority != "" {
		if _, err := ParseTier(e.Priority); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	}
	return nil
}
