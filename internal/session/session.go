// Package session hosts the alert state of each connected recipient. Every
// recipient gets its own queue store, expiry timers, ingest dispatcher, and
// resolution coordinator; inbound events fan out to all of them.
package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/mayday/internal/alert"
	"github.com/linnemanlabs/mayday/internal/alertq"
	"github.com/linnemanlabs/mayday/internal/dedup"
	"github.com/linnemanlabs/mayday/internal/history"
	"github.com/linnemanlabs/mayday/internal/ingest"
	"github.com/linnemanlabs/mayday/internal/lifecycle"
	"github.com/linnemanlabs/mayday/internal/resolve"
)

// Event types published to listeners.
const (
	EventActive   = "alert.active"
	EventResolved = "alert.resolved"
)

// Event notifies presentation subscribers of a channel change.
type Event struct {
	Type        string         `json:"type"`
	RecipientID string         `json:"recipient_id"`
	ChannelID   string         `json:"channel_id"`
	Alert       *alert.Alert   `json:"alert"`
	Previous    *alert.Alert   `json:"previous,omitempty"`
	Outcome     alertq.Outcome `json:"outcome,omitempty"`
}

// Listener receives events with the channel lock held; it must not block or
// call back into the session.
type Listener func(Event)

// Delivery is one recipient's outcome for a broadcast event.
type Delivery struct {
	RecipientID string `json:"recipient_id"`
	ingest.Result
}

// Config holds the options shared by every session.
type Config struct {
	Timeout          time.Duration
	Classifier       *alert.Classifier
	DefaultChannelID string
	Eligible         ingest.Eligibility

	DedupSize   int
	DedupWindow time.Duration
	// Redis, when set, backs each recipient's dedup set so it survives
	// reconnects to another instance.
	Redis redis.Cmdable

	Acknowledger resolve.Acknowledger
	History      history.Store
	Notifier     resolve.Notifier

	// Schedule overrides timer scheduling; nil uses real timers.
	Schedule lifecycle.ScheduleFunc
	Now      func() time.Time
}

// Session is one recipient's alert state.
type Session struct {
	recipient   ingest.Recipient
	timers      *lifecycle.Timers
	store       *alertq.Store
	dispatcher  *ingest.Dispatcher
	coordinator *resolve.Coordinator
}

// Recipient returns the session's recipient.
func (s *Session) Recipient() ingest.Recipient {
	return s.recipient
}

// Dispatch runs an inbound event through the recipient's dispatcher.
func (s *Session) Dispatch(ctx context.Context, ev *alert.Event) ingest.Result {
	return s.dispatcher.OnInboundAlert(ctx, ev)
}

// Resolve answers an alert on behalf of the recipient.
func (s *Session) Resolve(ctx context.Context, channelID, alertID string, action alert.Action) error {
	return s.coordinator.Resolve(ctx, channelID, alertID, action)
}

// PeekActive returns the channel's active alert, or nil.
func (s *Session) PeekActive(channelID string) *alert.Alert {
	return s.store.PeekActive(channelID)
}

// ViewActive calls fn with the channel's active alert under the channel lock.
// Events for the channel are published under the same lock.
func (s *Session) ViewActive(channelID string, fn func(*alert.Alert)) {
	s.store.ViewActive(channelID, fn)
}

// Snapshot returns the channel's active alert and queue.
func (s *Session) Snapshot(channelID string) (*alert.Alert, []*alert.Alert) {
	return s.store.Snapshot(channelID)
}

// Channels lists channels holding alerts.
func (s *Session) Channels() []string {
	return s.store.Channels()
}

// Reset clears one channel.
func (s *Session) Reset(channelID string) {
	s.store.Reset(channelID)
}

// ArmedTimers returns the number of running expiry timers.
func (s *Session) ArmedTimers() int {
	return s.timers.Len()
}

// Manager owns every open session.
type Manager struct {
	cfg     Config
	logger  log.Logger
	metrics *Metrics

	mu       sync.RWMutex
	sessions map[string]*Session

	lmu       sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64
}

// NewManager creates a Manager. cfg.Acknowledger is required; metrics may be
// nil.
func NewManager(cfg Config, logger log.Logger, metrics *Metrics) *Manager {
	if cfg.Acknowledger == nil {
		panic(xerrors.New("acknowledger is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = 10000
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 24 * time.Hour
	}
	if cfg.Classifier == nil {
		cfg.Classifier = alert.NewClassifier(nil)
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		sessions:  make(map[string]*Session),
		listeners: make(map[uint64]Listener),
	}
}

// Open returns the recipient's session, creating it on first use. An existing
// session keeps its state; its roles are not changed.
func (m *Manager) Open(r ingest.Recipient) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[r.ID]; ok {
		return s, false
	}
	s := m.newSession(r)
	m.sessions[r.ID] = s
	if m.metrics != nil {
		m.metrics.Sessions.Inc()
	}
	m.logger.Info(context.Background(), "session opened", "recipient_id", r.ID, "roles", r.Roles)
	return s, true
}

func (m *Manager) newSession(r ingest.Recipient) *Session {
	r.Roles = slices.Clone(r.Roles)
	logger := m.logger.With("recipient_id", r.ID)
	s := &Session{recipient: r}

	var opts []lifecycle.Option
	if m.cfg.Schedule != nil {
		opts = append(opts, lifecycle.WithSchedule(m.cfg.Schedule))
	}
	if m.cfg.Now != nil {
		opts = append(opts, lifecycle.WithNow(m.cfg.Now))
	}
	s.timers = lifecycle.New(m.cfg.Timeout, func(exp lifecycle.Expiry) {
		s.coordinator.OnExpired(context.Background(), exp)
	}, opts...)

	s.store = alertq.New(s.timers, m.cfg.Classifier, logger, m.storeHooks(r.ID))

	s.dispatcher = ingest.NewDispatcher(r, s.store, m.newSeen(r.ID), ingest.Config{
		DefaultChannelID: m.cfg.DefaultChannelID,
		Classifier:       m.cfg.Classifier,
		Eligible:         m.cfg.Eligible,
		Now:              m.cfg.Now,
	}, logger, m.ingestHooks())

	s.coordinator = resolve.NewCoordinator(s.store, m.cfg.Acknowledger, resolve.Config{
		RecipientID: r.ID,
		History:     m.cfg.History,
		Notifier:    m.cfg.Notifier,
		Now:         m.cfg.Now,
	}, logger, m.resolveHooks())

	return s
}

func (m *Manager) newSeen(recipientID string) dedup.Set {
	if m.cfg.Redis != nil {
		return dedup.NewRedis(m.cfg.Redis, "mayday:dedup:"+recipientID+":", m.cfg.DedupWindow)
	}
	return dedup.NewMemory(m.cfg.DedupSize, m.cfg.DedupWindow)
}

// Get returns an open session.
func (m *Manager) Get(recipientID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[recipientID]
	return s, ok
}

// Close logs the recipient out: every channel is reset, every timer cancelled,
// and the session dropped. It reports whether a session existed.
func (m *Manager) Close(recipientID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[recipientID]
	delete(m.sessions, recipientID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.store.ResetAll()
	if m.metrics != nil {
		m.metrics.Sessions.Dec()
	}
	m.logger.Info(context.Background(), "session closed", "recipient_id", recipientID)
	return true
}

// CloseAll closes every session, as on shutdown.
func (m *Manager) CloseAll() {
	for _, id := range m.Recipients() {
		m.Close(id)
	}
}

// Recipients lists open session ids, sorted.
func (m *Manager) Recipients() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Broadcast delivers an inbound event to every open session.
func (m *Manager) Broadcast(ctx context.Context, ev *alert.Event) []Delivery {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Delivery, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Delivery{RecipientID: s.recipient.ID, Result: s.Dispatch(ctx, ev)})
	}
	slices.SortFunc(out, func(a, b Delivery) int {
		switch {
		case a.RecipientID < b.RecipientID:
			return -1
		case a.RecipientID > b.RecipientID:
			return 1
		}
		return 0
	})
	return out
}

// BroadcastRaw parses a raw event once and broadcasts it. Unparseable events
// return alert.ErrMalformedEvent and reach no session.
func (m *Manager) BroadcastRaw(ctx context.Context, raw []byte) ([]Delivery, error) {
	ev, err := alert.ParseEvent(raw)
	if err != nil {
		m.logger.Warn(ctx, "dropping malformed alert event", "error", err)
		if m.metrics != nil {
			m.metrics.IngestResults.WithLabelValues(ingest.ReasonMalformed).Inc()
		}
		return nil, err
	}
	return m.Broadcast(ctx, ev), nil
}

// Subscribe registers l for channel change events and returns a function that
// removes it.
func (m *Manager) Subscribe(l Listener) func() {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = l
	return func() {
		m.lmu.Lock()
		delete(m.listeners, id)
		m.lmu.Unlock()
	}
}

func (m *Manager) publish(ev Event) {
	m.lmu.RLock()
	defer m.lmu.RUnlock()
	for _, l := range m.listeners {
		l(ev)
	}
}

func (m *Manager) storeHooks(recipientID string) alertq.Hooks {
	return alertq.Hooks{
		OnEnqueue: func(_ string, a *alert.Alert, _ bool) {
			if m.metrics != nil {
				m.metrics.Enqueued.WithLabelValues(a.Tier.String()).Inc()
			}
		},
		OnPreempt: func(string, *alert.Alert, *alert.Alert) {
			if m.metrics != nil {
				m.metrics.Preemptions.Inc()
			}
		},
		OnActiveChange: func(channelID string, prev, next *alert.Alert) {
			if m.metrics != nil {
				switch {
				case prev == nil && next != nil:
					m.metrics.Active.Inc()
				case prev != nil && next == nil:
					m.metrics.Active.Dec()
				}
			}
			m.publish(Event{
				Type:        EventActive,
				RecipientID: recipientID,
				ChannelID:   channelID,
				Alert:       next,
				Previous:    prev,
			})
		},
		OnComplete: func(channelID string, removed *alert.Alert, _ bool, outcome alertq.Outcome) {
			if m.metrics != nil {
				m.metrics.Completed.WithLabelValues(string(outcome)).Inc()
			}
			m.publish(Event{
				Type:        EventResolved,
				RecipientID: recipientID,
				ChannelID:   channelID,
				Alert:       removed,
				Outcome:     outcome,
			})
		},
		OnReset: func(_ string, dropped int) {
			if m.metrics != nil {
				m.metrics.Dropped.Add(float64(dropped))
			}
		},
	}
}

func (m *Manager) ingestHooks() ingest.Hooks {
	if m.metrics == nil {
		return ingest.Hooks{}
	}
	return ingest.Hooks{
		OnResult: func(result string) {
			m.metrics.IngestResults.WithLabelValues(result).Inc()
		},
	}
}

func (m *Manager) resolveHooks() resolve.Hooks {
	if m.metrics == nil {
		return resolve.Hooks{}
	}
	return resolve.Hooks{
		OnAck: func(outcome string, dur time.Duration) {
			m.metrics.AckCalls.WithLabelValues(outcome).Inc()
			m.metrics.AckDuration.Observe(dur.Seconds())
		},
		OnExpired: func(a *alert.Alert) {
			m.metrics.Expired.WithLabelValues(a.Tier.String()).Inc()
		},
	}
}
