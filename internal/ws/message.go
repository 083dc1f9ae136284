package ws

import (
	"encoding/json"
	"time"

	"github.com/linnemanlabs/mayday/internal/alert"
	"github.com/linnemanlabs/mayday/internal/alertq"
	"github.com/linnemanlabs/mayday/internal/session"
)

// MessageType discriminates WebSocket messages.
type MessageType string

// Server to client.
const (
	MessageActive   MessageType = "alert.active"
	MessageResolved MessageType = "alert.resolved"
	MessageRaised   MessageType = "alert.raised"
	MessageError    MessageType = "error"
)

// Client to server.
const (
	MessageRaise   MessageType = "alert.raise"
	MessageResolve MessageType = "alert.resolve"
)

// Message is the envelope for all outbound WebSocket messages.
type Message struct {
	Type      MessageType `json:"type"`
	ChannelID string      `json:"channel_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// ActiveData is the payload for alert.active messages. Alert is nil when the
// channel has no active alert left.
type ActiveData struct {
	Alert    *alert.Alert `json:"alert"`
	Previous *alert.Alert `json:"previous,omitempty"`
}

// ResolvedData is the payload for alert.resolved messages.
type ResolvedData struct {
	Alert   *alert.Alert   `json:"alert"`
	Outcome alertq.Outcome `json:"outcome"`
}

// RaisedData answers an alert.raise with the per-recipient outcomes.
type RaisedData struct {
	Deliveries []session.Delivery `json:"deliveries"`
}

// ErrorData is the payload for error messages.
type ErrorData struct {
	Request MessageType `json:"request,omitempty"`
	Error   string      `json:"error"`
}

// Inbound is a client request. Data holds an alert event for alert.raise and
// a ResolveData for alert.resolve.
type Inbound struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ResolveData is the payload for alert.resolve requests.
type ResolveData struct {
	ChannelID string `json:"channel_id"`
	AlertID   string `json:"alert_id"`
	Action    string `json:"action"`
}

func fromEvent(ev session.Event, now time.Time) Message {
	msg := Message{
		Type:      MessageType(ev.Type),
		ChannelID: ev.ChannelID,
		Timestamp: now,
	}
	switch ev.Type {
	case session.EventActive:
		msg.Data = ActiveData{Alert: ev.Alert, Previous: ev.Previous}
	case session.EventResolved:
		msg.Data = ResolvedData{Alert: ev.Alert, Outcome: ev.Outcome}
	}
	return msg
}
