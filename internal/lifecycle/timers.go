package lifecycle

import (
	"sync"
	"time"
)

// Expiry describes a timer that fired for an alert that was Active when armed.
// Token identifies the activation; a store must ignore expiries whose token is
// no longer current for the channel.
type Expiry struct {
	ChannelID string
	AlertID   string
	Token     uint64
	FiredAt   time.Time
}

// ExpireFunc receives fired expiries. It runs on the timer goroutine.
type ExpireFunc func(Expiry)

// Stopper cancels a scheduled callback. *time.Timer satisfies it.
type Stopper interface {
	Stop() bool
}

// ScheduleFunc runs f after d. The default wraps time.AfterFunc.
type ScheduleFunc func(d time.Duration, f func()) Stopper

func afterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// Option configures Timers.
type Option func(*Timers)

// WithSchedule replaces the scheduling function (tests use a manual clock).
func WithSchedule(fn ScheduleFunc) Option {
	return func(t *Timers) {
		if fn != nil {
			t.schedule = fn
		}
	}
}

// WithNow replaces the clock used for Expiry.FiredAt.
func WithNow(fn func() time.Time) Option {
	return func(t *Timers) {
		if fn != nil {
			t.now = fn
		}
	}
}

// timerKey scopes a timer to its channel; the same alert id may be Active on
// several channels at once.
type timerKey struct {
	channelID string
	alertID   string
}

type armed struct {
	token uint64
	stop  Stopper
}

// Timers holds one expiry timer per Active alert, keyed by channel and alert id.
type Timers struct {
	timeout  time.Duration
	onExpire ExpireFunc
	schedule ScheduleFunc
	now      func() time.Time

	mu    sync.Mutex
	next  uint64
	armed map[timerKey]*armed
}

// New creates Timers that fire onExpire timeout after each Arm.
func New(timeout time.Duration, onExpire ExpireFunc, opts ...Option) *Timers {
	t := &Timers{
		timeout:  timeout,
		onExpire: onExpire,
		schedule: afterFunc,
		now:      time.Now,
		armed:    make(map[timerKey]*armed),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Timeout returns the configured active-alert timeout.
func (t *Timers) Timeout() time.Duration {
	return t.timeout
}

// Arm starts the expiry timer for an alert entering Active and returns the
// activation token. Any timer already armed for the alert on the same channel
// is cancelled first.
func (t *Timers) Arm(channelID, alertID string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := timerKey{channelID: channelID, alertID: alertID}
	if prev, ok := t.armed[key]; ok {
		prev.stop.Stop()
		delete(t.armed, key)
	}

	t.next++
	token := t.next
	a := &armed{token: token}
	a.stop = t.schedule(t.timeout, func() { t.fire(key, token) })
	t.armed[key] = a
	return token
}

// Disarm cancels the alert's timer on a channel. It reports whether a timer
// was armed.
func (t *Timers) Disarm(channelID, alertID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := timerKey{channelID: channelID, alertID: alertID}
	a, ok := t.armed[key]
	if !ok {
		return false
	}
	a.stop.Stop()
	delete(t.armed, key)
	return true
}

// Armed returns the current token for an alert's timer on a channel.
func (t *Timers) Armed(channelID, alertID string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.armed[timerKey{channelID: channelID, alertID: alertID}]
	if !ok {
		return 0, false
	}
	return a.token, true
}

// Len returns the number of armed timers.
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.armed)
}

// fire drops callbacks from timers that were disarmed or re-armed after they
// were scheduled. The callback runs without t.mu held.
func (t *Timers) fire(key timerKey, token uint64) {
	t.mu.Lock()
	a, ok := t.armed[key]
	if !ok || a.token != token {
		t.mu.Unlock()
		return
	}
	delete(t.armed, key)
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(Expiry{
			ChannelID: key.channelID,
			AlertID:   key.alertID,
			Token:     token,
			FiredAt:   t.now(),
		})
	}
}
