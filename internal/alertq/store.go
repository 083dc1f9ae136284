// Package alertq owns per-channel alert queues and the single Active slot of
// each channel. It enforces ordering and the at-most-one-active invariant and
// drives lifecycle timers on activation, preemption, and completion.
package alertq

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/mayday/internal/alert"
	"github.com/linnemanlabs/mayday/internal/lifecycle"
)

// Timers is the expiry timer surface the store drives.
type Timers interface {
	Arm(channelID, alertID string) uint64
	Disarm(channelID, alertID string) bool
}

// Outcome labels how an alert left its channel.
type Outcome string

const (
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeExpired      Outcome = "expired"
	OutcomeWithdrawn    Outcome = "withdrawn"
)

// Hooks observe store transitions. They run with the channel lock held, in
// transition order, and must not call back into the Store.
type Hooks struct {
	OnEnqueue      func(channelID string, a *alert.Alert, becameActive bool)
	OnPreempt      func(channelID string, preempted, by *alert.Alert)
	OnActiveChange func(channelID string, prev, next *alert.Alert)
	OnComplete     func(channelID string, removed *alert.Alert, wasActive bool, outcome Outcome)
	OnReset        func(channelID string, dropped int)
}

// EnqueueResult reports the effect of Enqueue.
type EnqueueResult struct {
	BecameActive bool
	// Preempted is the previously Active alert pushed back to the queue.
	Preempted *alert.Alert
	// Duplicate is set when the alert id was already queued or active.
	Duplicate bool
}

// Completion reports the effect of removing an alert.
type Completion struct {
	// Removed is nil when the id matched neither the active slot nor the queue.
	Removed   *alert.Alert
	WasActive bool
	// Next is the channel's active alert after the operation.
	Next *alert.Alert
}

// Found reports whether the operation removed an alert.
func (c Completion) Found() bool {
	return c.Removed != nil
}

type entry struct {
	alert *alert.Alert
	tier  alert.Tier
	seq   uint64
}

// before orders entries by descending tier, then ascending CreatedAt, then
// arrival order.
func (e *entry) before(o *entry) bool {
	if e.tier != o.tier {
		return e.tier > o.tier
	}
	if !e.alert.CreatedAt.Equal(o.alert.CreatedAt) {
		return e.alert.CreatedAt.Before(o.alert.CreatedAt)
	}
	return e.seq < o.seq
}

type channelState struct {
	mu     sync.Mutex
	queue  []*entry
	active *entry
	token  uint64 // activation token of active
	dead   bool   // removed from Store.channels
}

// Store holds every channel's queue and active slot.
type Store struct {
	timers     Timers
	classifier *alert.Classifier
	logger     log.Logger
	hooks      Hooks

	seq atomic.Uint64

	mu       sync.Mutex
	channels map[string]*channelState
}

// New creates a Store. A nil classifier uses the default markers.
func New(timers Timers, classifier *alert.Classifier, logger log.Logger, hooks Hooks) *Store {
	if logger == nil {
		logger = log.Nop()
	}
	if classifier == nil {
		classifier = alert.NewClassifier(nil)
	}
	return &Store{
		timers:     timers,
		classifier: classifier,
		logger:     logger,
		hooks:      hooks,
		channels:   make(map[string]*channelState),
	}
}

// lock returns the channel's state with its mutex held, creating it when
// create is set. It returns nil for unknown channels otherwise.
func (s *Store) lock(channelID string, create bool) *channelState {
	for {
		s.mu.Lock()
		cs, ok := s.channels[channelID]
		if !ok {
			if !create {
				s.mu.Unlock()
				return nil
			}
			cs = &channelState{}
			s.channels[channelID] = cs
		}
		s.mu.Unlock()

		cs.mu.Lock()
		if !cs.dead {
			return cs
		}
		cs.mu.Unlock()
	}
}

// unlock releases cs, dropping it from the map when it holds nothing.
func (s *Store) unlock(channelID string, cs *channelState) {
	if cs.active == nil && len(cs.queue) == 0 {
		cs.dead = true
		s.mu.Lock()
		if s.channels[channelID] == cs {
			delete(s.channels, channelID)
		}
		s.mu.Unlock()
	}
	cs.mu.Unlock()
}

// Enqueue adds an alert to its channel. It becomes Active when the channel has
// none, preempts the Active alert when its tier is strictly higher, and
// otherwise joins the queue at its sorted position.
func (s *Store) Enqueue(a *alert.Alert) EnqueueResult {
	a = a.Clone()
	if a.Tier == alert.TierUnset {
		a.Tier = s.classifier.Classify(a.Content)
	}
	e := &entry{alert: a, tier: a.Tier, seq: s.seq.Add(1)}

	cs := s.lock(a.ChannelID, true)
	defer s.unlock(a.ChannelID, cs)

	if cs.holds(a.ID) {
		s.logger.Warn(context.Background(), "alert already queued or active, ignoring",
			"channel_id", a.ChannelID, "alert_id", a.ID)
		return EnqueueResult{Duplicate: true}
	}

	if cs.active == nil {
		s.advance(e.alert, lifecycle.StateActive)
		s.activate(a.ChannelID, cs, e, nil)
		s.emitEnqueue(a.ChannelID, e.alert, true)
		return EnqueueResult{BecameActive: true}
	}

	if e.tier > cs.active.tier {
		prev := cs.active
		s.timers.Disarm(a.ChannelID, prev.alert.ID)
		s.advance(prev.alert, lifecycle.StateQueued)
		cs.insert(prev)

		s.advance(e.alert, lifecycle.StateActive)
		s.activate(a.ChannelID, cs, e, prev.alert)

		s.logger.Info(context.Background(), "alert preempted",
			"channel_id", a.ChannelID,
			"preempted_id", prev.alert.ID,
			"preempted_tier", prev.tier,
			"alert_id", a.ID,
			"tier", e.tier,
		)
		if s.hooks.OnPreempt != nil {
			s.hooks.OnPreempt(a.ChannelID, prev.alert.Clone(), e.alert.Clone())
		}
		s.emitEnqueue(a.ChannelID, e.alert, true)
		return EnqueueResult{BecameActive: true, Preempted: prev.alert.Clone()}
	}

	s.advance(e.alert, lifecycle.StateQueued)
	cs.insert(e)
	s.emitEnqueue(a.ChannelID, e.alert, false)
	return EnqueueResult{}
}

// Complete removes alertID from the channel without a response. When it was
// Active, its timer stops and the queue head is promoted. Unknown ids are a
// no-op, so late or repeated completions are harmless.
func (s *Store) Complete(channelID, alertID string) Completion {
	return s.remove(channelID, alertID, OutcomeWithdrawn, "")
}

// Acknowledge records recipientID on the alert, moves it through Acknowledged
// to Completed, and promotes the next queued alert when it was Active.
func (s *Store) Acknowledge(channelID, alertID, recipientID string) Completion {
	return s.remove(channelID, alertID, OutcomeAcknowledged, recipientID)
}

// Expire completes alertID only if it is still the Active alert of the
// activation identified by token. Expiries from timers that were cancelled by
// preemption, completion, or reset are ignored.
func (s *Store) Expire(channelID, alertID string, token uint64) Completion {
	cs := s.lock(channelID, false)
	if cs == nil {
		return Completion{}
	}
	defer s.unlock(channelID, cs)

	if cs.active == nil || cs.active.alert.ID != alertID || cs.token != token {
		s.logger.Info(context.Background(), "ignoring stale expiry",
			"channel_id", channelID, "alert_id", alertID, "token", token)
		return Completion{Next: cs.activeAlert()}
	}
	return s.completeActive(channelID, cs, OutcomeExpired, "")
}

func (s *Store) remove(channelID, alertID string, outcome Outcome, recipientID string) Completion {
	cs := s.lock(channelID, false)
	if cs == nil {
		return Completion{}
	}
	defer s.unlock(channelID, cs)

	if cs.active != nil && cs.active.alert.ID == alertID {
		return s.completeActive(channelID, cs, outcome, recipientID)
	}

	i := slices.IndexFunc(cs.queue, func(e *entry) bool { return e.alert.ID == alertID })
	if i < 0 {
		return Completion{Next: cs.activeAlert()}
	}
	e := cs.queue[i]
	cs.queue = slices.Delete(cs.queue, i, i+1)
	s.finish(e.alert, outcome, recipientID)
	if s.hooks.OnComplete != nil {
		s.hooks.OnComplete(channelID, e.alert.Clone(), false, outcome)
	}
	return Completion{Removed: e.alert.Clone(), Next: cs.activeAlert()}
}

func (s *Store) completeActive(channelID string, cs *channelState, outcome Outcome, recipientID string) Completion {
	prev := cs.active
	s.timers.Disarm(channelID, prev.alert.ID)
	cs.active = nil
	cs.token = 0
	s.finish(prev.alert, outcome, recipientID)
	if s.hooks.OnComplete != nil {
		s.hooks.OnComplete(channelID, prev.alert.Clone(), true, outcome)
	}

	if len(cs.queue) > 0 {
		head := cs.queue[0]
		cs.queue = slices.Delete(cs.queue, 0, 1)
		s.advance(head.alert, lifecycle.StateActive)
		s.activate(channelID, cs, head, prev.alert)
	} else if s.hooks.OnActiveChange != nil {
		s.hooks.OnActiveChange(channelID, prev.alert.Clone(), nil)
	}

	return Completion{Removed: prev.alert.Clone(), WasActive: true, Next: cs.activeAlert()}
}

// finish walks the alert to Completed through the outcome state.
func (s *Store) finish(a *alert.Alert, outcome Outcome, recipientID string) {
	switch outcome {
	case OutcomeAcknowledged:
		a.Acknowledge(recipientID)
		s.advance(a, lifecycle.StateAcknowledged)
	case OutcomeExpired:
		s.advance(a, lifecycle.StateExpired)
	}
	s.advance(a, lifecycle.StateCompleted)
}

func (s *Store) activate(channelID string, cs *channelState, e *entry, prev *alert.Alert) {
	cs.active = e
	cs.token = s.timers.Arm(channelID, e.alert.ID)
	if s.hooks.OnActiveChange != nil {
		s.hooks.OnActiveChange(channelID, prev.Clone(), e.alert.Clone())
	}
}

func (s *Store) advance(a *alert.Alert, to lifecycle.State) {
	if err := lifecycle.Transition(a.State, to); err != nil {
		s.logger.Warn(context.Background(), "unexpected lifecycle transition",
			"channel_id", a.ChannelID, "alert_id", a.ID, "error", err)
	}
	a.State = to
}

func (s *Store) emitEnqueue(channelID string, a *alert.Alert, becameActive bool) {
	if s.hooks.OnEnqueue != nil {
		s.hooks.OnEnqueue(channelID, a.Clone(), becameActive)
	}
}

// PeekActive returns a copy of the channel's Active alert, or nil.
func (s *Store) PeekActive(channelID string) *alert.Alert {
	cs := s.lock(channelID, false)
	if cs == nil {
		return nil
	}
	defer cs.mu.Unlock()
	return cs.activeAlert()
}

// ViewActive calls fn with the channel's active alert while holding the
// channel lock, so no transition on the channel can interleave with fn. fn is
// not called for unknown channels and must not call back into the Store.
func (s *Store) ViewActive(channelID string, fn func(*alert.Alert)) {
	cs := s.lock(channelID, false)
	if cs == nil {
		return
	}
	defer cs.mu.Unlock()
	fn(cs.activeAlert())
}

// Lookup finds an alert in the channel's active slot or queue.
func (s *Store) Lookup(channelID, alertID string) (*alert.Alert, bool) {
	cs := s.lock(channelID, false)
	if cs == nil {
		return nil, false
	}
	defer cs.mu.Unlock()
	if cs.active != nil && cs.active.alert.ID == alertID {
		return cs.active.alert.Clone(), true
	}
	for _, e := range cs.queue {
		if e.alert.ID == alertID {
			return e.alert.Clone(), true
		}
	}
	return nil, false
}

// Snapshot returns copies of the active alert and the queue in promotion order.
func (s *Store) Snapshot(channelID string) (active *alert.Alert, queued []*alert.Alert) {
	cs := s.lock(channelID, false)
	if cs == nil {
		return nil, nil
	}
	defer cs.mu.Unlock()
	queued = make([]*alert.Alert, 0, len(cs.queue))
	for _, e := range cs.queue {
		queued = append(queued, e.alert.Clone())
	}
	return cs.activeAlert(), queued
}

// Channels lists channels currently holding alerts, sorted.
func (s *Store) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset clears the channel's queue and active slot and cancels its timer.
func (s *Store) Reset(channelID string) {
	cs := s.lock(channelID, false)
	if cs == nil {
		return
	}
	defer s.unlock(channelID, cs)

	dropped := len(cs.queue)
	if prev := cs.active; prev != nil {
		dropped++
		s.timers.Disarm(channelID, prev.alert.ID)
		cs.active = nil
		cs.token = 0
		if s.hooks.OnActiveChange != nil {
			s.hooks.OnActiveChange(channelID, prev.alert.Clone(), nil)
		}
	}
	cs.queue = nil
	if s.hooks.OnReset != nil {
		s.hooks.OnReset(channelID, dropped)
	}
}

// ResetAll resets every channel, as on recipient logout.
func (s *Store) ResetAll() {
	for _, id := range s.Channels() {
		s.Reset(id)
	}
}

func (cs *channelState) holds(alertID string) bool {
	if cs.active != nil && cs.active.alert.ID == alertID {
		return true
	}
	return slices.ContainsFunc(cs.queue, func(e *entry) bool { return e.alert.ID == alertID })
}

func (cs *channelState) insert(e *entry) {
	i := sort.Search(len(cs.queue), func(i int) bool { return e.before(cs.queue[i]) })
	cs.queue = slices.Insert(cs.queue, i, e)
}

func (cs *channelState) activeAlert() *alert.Alert {
	if cs.active == nil {
		return nil
	}
	return cs.active.alert.Clone()
}
