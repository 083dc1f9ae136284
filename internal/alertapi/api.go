// Package alertapi serves the HTTP API for ingesting alerts, opening recipient
// sessions, inspecting channel queues, resolving alerts, and reading history.
package alertapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/mayday/internal/history"
	"github.com/linnemanlabs/mayday/internal/ingest"
	"github.com/linnemanlabs/mayday/internal/session"
)

// Sessions defines the session operations alertapi needs.
type Sessions interface {
	Open(r ingest.Recipient) (*session.Session, bool)
	Get(recipientID string) (*session.Session, bool)
	Close(recipientID string) bool
	BroadcastRaw(ctx context.Context, raw []byte) ([]session.Delivery, error)
}

type middleware = func(http.Handler) http.Handler

// Option configures an API.
type Option func(*API)

// WithAuth protects every route except the websocket with mw.
func WithAuth(mw func(http.Handler) http.Handler) Option {
	return func(a *API) { a.auth = mw }
}

// WithIngestLimit applies mw to alert ingestion only.
func WithIngestLimit(mw func(http.Handler) http.Handler) Option {
	return func(a *API) { a.ingestLimit = mw }
}

// WithHistory enables the history routes.
func WithHistory(h history.Store) Option {
	return func(a *API) { a.history = h }
}

// WithWebsocket mounts h at /api/v1/ws behind auth.
func WithWebsocket(h http.Handler, auth func(http.Handler) http.Handler) Option {
	return func(a *API) {
		a.ws = h
		a.wsAuth = auth
	}
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	sessions Sessions
	history  history.Store

	auth        middleware
	ingestLimit middleware
	ws          http.Handler
	wsAuth      middleware
}

// New creates a new API handler.
func New(logger log.Logger, sessions Sessions, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if sessions == nil {
		panic(xerrors.New("session manager is required"))
	}
	a := &API{
		logger:   logger,
		sessions: sessions,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if a.ws != nil {
			r.With(optional(a.wsAuth)...).Get("/ws", a.ws.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(optional(a.auth)...)

			r.With(optional(a.ingestLimit)...).Post("/alerts", a.handleIngestAlert)

			r.Route("/recipients/{recipient}", func(r chi.Router) {
				r.Post("/", a.handleOpenSession)
				r.Delete("/", a.handleCloseSession)
				r.Get("/channels/{channel}", a.handleSnapshot)
				r.Delete("/channels/{channel}", a.handleResetChannel)
				r.Get("/channels/{channel}/active", a.handlePeekActive)
				r.Post("/channels/{channel}/alerts/{alert}/resolve", a.handleResolve)
			})

			if a.history != nil {
				r.Get("/history/alerts/{alert}", a.handleAlertHistory)
				r.Get("/history/channels/{channel}", a.handleChannelHistory)
			}
		})
	})
}

func optional(mw middleware) []middleware {
	if mw == nil {
		return nil
	}
	return []middleware{mw}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
