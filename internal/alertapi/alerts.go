package alertapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/linnemanlabs/mayday/internal/alert"
	"github.com/linnemanlabs/mayday/internal/session"
)

type ingestResponse struct {
	Deliveries []session.Delivery `json:"deliveries"`
	Rejected   int                `json:"rejected,omitempty"`
}

// handleIngestAlert accepts a single event object or an array of events and
// fans each out to every open session.
func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	resp := ingestResponse{Deliveries: []session.Delivery{}}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		for _, raw := range batch {
			d, err := a.sessions.BroadcastRaw(r.Context(), raw)
			if err != nil {
				resp.Rejected++
				continue
			}
			resp.Deliveries = append(resp.Deliveries, d...)
		}
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	d, err := a.sessions.BroadcastRaw(r.Context(), trimmed)
	if err != nil {
		if errors.Is(err, alert.ErrMalformedEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error(r.Context(), err, "broadcast failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	resp.Deliveries = append(resp.Deliveries, d...)
	writeJSON(w, http.StatusAccepted, resp)
}
