package alertapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/mayday/internal/alert"
	"github.com/linnemanlabs/mayday/internal/ingest"
	"github.com/linnemanlabs/mayday/internal/resolve"
	"github.com/linnemanlabs/mayday/internal/session"
)

type channelSnapshot struct {
	ChannelID string         `json:"channel_id"`
	Active    *alert.Alert   `json:"active"`
	Queued    []*alert.Alert `json:"queued"`
}

func (a *API) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "recipient")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("mayday.recipient_id", id))
	s, ok := a.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no session for recipient")
		return nil, false
	}
	return s, true
}

func (a *API) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Roles []string `json:"roles"`
	}
	// an empty body opens the session without roles
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	s, created := a.sessions.Open(ingest.Recipient{ID: chi.URLParam(r, "recipient"), Roles: body.Roles})
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"recipient": s.Recipient(),
		"channels":  s.Channels(),
	})
}

func (a *API) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if !a.sessions.Close(chi.URLParam(r, "recipient")) {
		writeError(w, http.StatusNotFound, "no session for recipient")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	channelID := chi.URLParam(r, "channel")
	active, queued := s.Snapshot(channelID)
	if queued == nil {
		queued = []*alert.Alert{}
	}
	writeJSON(w, http.StatusOK, channelSnapshot{ChannelID: channelID, Active: active, Queued: queued})
}

func (a *API) handlePeekActive(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	active := s.PeekActive(chi.URLParam(r, "channel"))
	if active == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (a *API) handleResetChannel(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	s.Reset(chi.URLParam(r, "channel"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}

	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	action, err := alert.ParseAction(body.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	channelID := chi.URLParam(r, "channel")
	alertID := chi.URLParam(r, "alert")
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("mayday.channel_id", channelID),
		attribute.String("mayday.alert_id", alertID),
	)

	if err := s.Resolve(r.Context(), channelID, alertID, action); err != nil {
		status := resolveStatus(err)
		if status >= http.StatusInternalServerError {
			a.logger.Error(r.Context(), err, "resolve failed", "channel_id", channelID, "alert_id", alertID)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resolved": alertID,
		"active":   s.PeekActive(channelID),
	})
}

func resolveStatus(err error) int {
	switch {
	case errors.Is(err, resolve.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, resolve.ErrInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, resolve.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, resolve.ErrAckFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
