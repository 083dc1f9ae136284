package alertapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/mayday/internal/history"
)

func (a *API) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "alert")
	recs, err := a.history.ListByAlert(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list alert history", "alert_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(recs) == 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (a *API) handleChannelHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channel")

	limit := history.DefaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	recs, err := a.history.ListByChannel(r.Context(), id, limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list channel history", "channel_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if recs == nil {
		recs = []*history.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}
