// Package alert defines the emergency notification record routed through
// per-channel queues, its priority tiers, the inbound event envelope, and the
// classifier that derives tiers from legacy string-encoded content.
package alert

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/mayday/internal/lifecycle"
)

// Tier is a discrete priority level. Higher values outrank lower ones.
type Tier int

const (
	// TierUnset means no explicit tier was attached; it is derived from content.
	TierUnset Tier = iota
	TierStandard
	TierElevated
	TierCritical
)

var tierNames = map[Tier]string{
	TierUnset:    "unset",
	TierStandard: "standard",
	TierElevated: "elevated",
	TierCritical: "critical",
}

func (t Tier) String() string {
	if s, ok := tierNames[t]; ok {
		return s
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier maps a tier name to a Tier. Matching is case-insensitive.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return TierCritical, nil
	case "elevated":
		return TierElevated, nil
	case "standard":
		return TierStandard, nil
	}
	return TierUnset, fmt.Errorf("unknown priority tier %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	if len(b) == 0 || string(b) == "unset" {
		*t = TierUnset
		return nil
	}
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Responder targets an alert at a recipient identity, a role, or both.
type Responder struct {
	ID   string `json:"id,omitempty"`
	Role string `json:"role,omitempty"`
}

// UnmarshalJSON accepts either a bare identity string or an object.
func (r *Responder) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		*r = Responder{ID: id}
		return nil
	}
	type plain Responder
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = Responder(p)
	return nil
}

// Alert is a high-priority notification requiring acknowledgment. It is
// immutable once ingested except for State and the append-only AcknowledgedBy.
type Alert struct {
	ID             string          `json:"id"`
	ChannelID      string          `json:"channel_id"`
	Content        string          `json:"content"`
	Sender         string          `json:"sender,omitempty"`
	Tier           Tier            `json:"tier"`
	CreatedAt      time.Time       `json:"created_at"`
	Responders     []Responder     `json:"responders,omitempty"`
	AcknowledgedBy []string        `json:"acknowledged_by,omitempty"`
	State          lifecycle.State `json:"state"`
}

// Clone returns a deep copy.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Responders = slices.Clone(a.Responders)
	cp.AcknowledgedBy = slices.Clone(a.AcknowledgedBy)
	return &cp
}

// Acknowledge records recipientID as having resolved the alert. The list only
// grows; a recipient already present is not added twice.
func (a *Alert) Acknowledge(recipientID string) bool {
	if recipientID == "" || slices.Contains(a.AcknowledgedBy, recipientID) {
		return false
	}
	a.AcknowledgedBy = append(a.AcknowledgedBy, recipientID)
	return true
}

// Action is a recipient's response to an active alert.
type Action string

const (
	ActionAccept Action = "accept"
	ActionBusy   Action = "busy"
)

// ParseAction validates a resolution action name.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionAccept:
		return ActionAccept, nil
	case ActionBusy:
		return ActionBusy, nil
	}
	return "", fmt.Errorf("unknown resolution action %q", s)
}
