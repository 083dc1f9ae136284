// Package ws streams a recipient's alert changes over a WebSocket and accepts
// raise and resolve requests on the same connection.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/mayday/internal/alert"
	"github.com/linnemanlabs/mayday/internal/ingest"
	"github.com/linnemanlabs/mayday/internal/session"
)

// Sessions is the session manager surface the handler uses.
type Sessions interface {
	Open(r ingest.Recipient) (*session.Session, bool)
	BroadcastRaw(ctx context.Context, raw []byte) ([]session.Delivery, error)
	Subscribe(l session.Listener) func()
}

// Handler upgrades GET /ws?recipient=<id>&roles=<a,b> and serves one
// recipient per connection. The session is opened on connect and stays open
// after disconnect so a reconnect resumes it.
type Handler struct {
	hub         *Hub
	sessions    Sessions
	logger      log.Logger
	unsubscribe func()
	now         func() time.Time

	// OriginPatterns is passed to websocket.Accept. Empty accepts any origin.
	OriginPatterns []string
}

// NewHandler creates a handler and subscribes it to session events.
func NewHandler(sessions Sessions, logger log.Logger) *Handler {
	if sessions == nil {
		panic(xerrors.New("session manager is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	h := &Handler{
		hub:      NewHub(logger),
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
	}
	h.unsubscribe = sessions.Subscribe(h.forward)
	return h
}

// forward runs with the channel lock held, so it only queues.
func (h *Handler) forward(ev session.Event) {
	h.hub.SendTo(ev.RecipientID, fromEvent(ev, h.now()))
}

// Clients returns the number of connected clients.
func (h *Handler) Clients() int {
	return h.hub.ClientCount()
}

// Close stops forwarding events and disconnects every client.
func (h *Handler) Close() {
	h.unsubscribe()
	h.hub.CloseAll()
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	recipientID := strings.TrimSpace(r.URL.Query().Get("recipient"))
	if recipientID == "" {
		http.Error(w, `{"error":"missing recipient parameter"}`, http.StatusBadRequest)
		return
	}
	var roles []string
	for role := range strings.SplitSeq(r.URL.Query().Get("roles"), ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: len(h.OriginPatterns) == 0,
		OriginPatterns:     h.OriginPatterns,
	})
	if err != nil {
		h.logger.Error(r.Context(), err, "websocket accept failed", "recipient_id", recipientID)
		return
	}

	s, _ := h.sessions.Open(ingest.Recipient{ID: recipientID, Roles: roles})
	client := newClient(conn, recipientID, h.logger.With("recipient_id", recipientID))
	h.hub.Register(client)

	// Registered first so no change is missed; each snapshot is queued under
	// its channel lock, ahead of any later push for that channel.
	for _, channelID := range s.Channels() {
		s.ViewActive(channelID, func(a *alert.Alert) {
			if a == nil {
				return
			}
			h.hub.deliverTo(client, Message{
				Type:      MessageActive,
				ChannelID: channelID,
				Timestamp: h.now(),
				Data:      ActiveData{Alert: a},
			})
		})
	}

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	h.readPump(ctx, client, s)

	h.hub.Unregister(client)
	_ = conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

// readPump serves client requests until the connection drops.
func (h *Handler) readPump(ctx context.Context, c *Client, s *session.Session) {
	for {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			h.reply(c, MessageError, "", ErrorData{Error: "invalid message"})
			continue
		}

		switch in.Type {
		case MessageRaise:
			deliveries, err := h.sessions.BroadcastRaw(ctx, in.Data)
			if err != nil {
				h.reply(c, MessageError, "", ErrorData{Request: in.Type, Error: err.Error()})
				continue
			}
			h.reply(c, MessageRaised, "", RaisedData{Deliveries: deliveries})

		case MessageResolve:
			var req ResolveData
			if err := json.Unmarshal(in.Data, &req); err != nil {
				h.reply(c, MessageError, "", ErrorData{Request: in.Type, Error: "invalid resolve request"})
				continue
			}
			action, err := alert.ParseAction(req.Action)
			if err == nil {
				err = s.Resolve(ctx, req.ChannelID, req.AlertID, action)
			}
			if err != nil {
				h.reply(c, MessageError, req.ChannelID, ErrorData{Request: in.Type, Error: err.Error()})
			}

		default:
			h.reply(c, MessageError, "", ErrorData{Request: in.Type, Error: "unknown message type"})
		}
	}
}

func (h *Handler) reply(c *Client, t MessageType, channelID string, data any) {
	h.hub.deliverTo(c, Message{Type: t, ChannelID: channelID, Timestamp: h.now(), Data: data})
}
