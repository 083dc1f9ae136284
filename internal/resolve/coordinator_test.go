package resolve

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/mayday/internal/ackclient"
	"github.com/linnemanlabs/mayday/internal/alert"
	"github.com/linnemanlabs/mayday/internal/alertq"
	"github.com/linnemanlabs/mayday/internal/history"
	"github.com/linnemanlabs/mayday/internal/history/memstore"
	"github.com/linnemanlabs/mayday/internal/lifecycle"
)

// manualClock holds scheduled expiry callbacks until a test fires them.
type manualClock struct {
	mu    sync.Mutex
	tasks map[int]func()
	n     int
}

type manualTask struct {
	c  *manualClock
	id int
}

func (t manualTask) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	_, ok := t.c.tasks[t.id]
	delete(t.c.tasks, t.id)
	return ok
}

func (c *manualClock) schedule(_ time.Duration, f func()) lifecycle.Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tasks == nil {
		c.tasks = make(map[int]func())
	}
	c.n++
	c.tasks[c.n] = f
	return manualTask{c: c, id: c.n}
}

// fireAll runs every pending callback.
func (c *manualClock) fireAll() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.tasks))
	for id, f := range c.tasks {
		fns = append(fns, f)
		delete(c.tasks, id)
	}
	c.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

type mockAck struct {
	mu    sync.Mutex
	calls []ackclient.Request
	err   error
	hook  func()
}

func (m *mockAck) Acknowledge(_ context.Context, r ackclient.Request) error {
	m.mu.Lock()
	m.calls = append(m.calls, r)
	err, hook := m.err, m.hook
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (m *mockAck) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockNotifier struct {
	mu  sync.Mutex
	got []*history.Record
}

func (m *mockNotifier) NotifyExpired(_ context.Context, r *history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, r)
	return nil
}

type fixture struct {
	clock    *manualClock
	timers   *lifecycle.Timers
	store    *alertq.Store
	ack      *mockAck
	history  *memstore.Store
	notifier *mockNotifier
	coord    *Coordinator
	spans    *tracetest.SpanRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:    &manualClock{},
		ack:      &mockAck{},
		history:  memstore.New(),
		notifier: &mockNotifier{},
		spans:    tracetest.NewSpanRecorder(),
	}
	var coord *Coordinator
	f.timers = lifecycle.New(time.Minute, func(exp lifecycle.Expiry) {
		coord.OnExpired(context.Background(), exp)
	}, lifecycle.WithSchedule(f.clock.schedule))
	f.store = alertq.New(f.timers, nil, log.Nop(), alertq.Hooks{})
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))
	coord = NewCoordinator(f.store, f.ack, Config{
		RecipientID: "nurse-1",
		History:     f.history,
		Notifier:    f.notifier,
		Tracer:      tp.Tracer("test"),
	}, log.Nop(), Hooks{})
	f.coord = coord
	return f
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func (f *fixture) enqueue(id, content string, at time.Time) {
	f.store.Enqueue(&alert.Alert{ID: id, ChannelID: "c1", Content: content, CreatedAt: at})
}

func activeID(s *alertq.Store) string {
	if a := s.PeekActive("c1"); a != nil {
		return a.ID
	}
	return ""
}

func TestResolve_AcknowledgesAndPromotes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enqueue("m1", "E HELP - Patient: Bob", t0)
	f.enqueue("m2", "HELP - Patient: Ann", t0.Add(time.Second))

	if err := f.coord.Resolve(context.Background(), "c1", "m1", alert.ActionAccept); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if f.ack.count() != 1 {
		t.Fatalf("ack calls = %d, want 1", f.ack.count())
	}
	want := ackclient.Request{ChannelID: "c1", AlertID: "m1", RecipientID: "nurse-1", Action: alert.ActionAccept}
	if f.ack.calls[0] != want {
		t.Errorf("ack request = %+v, want %+v", f.ack.calls[0], want)
	}
	if got := activeID(f.store); got != "m2" {
		t.Errorf("active = %q, want m2", got)
	}
	if _, armed := f.timers.Armed("c1", "m1"); armed {
		t.Error("m1 timer still armed after resolution")
	}
	if _, armed := f.timers.Armed("c1", "m2"); !armed {
		t.Error("m2 timer not armed after promotion")
	}

	recs, _ := f.history.ListByAlert(context.Background(), "m1")
	if len(recs) != 1 {
		t.Fatalf("history records = %d, want 1", len(recs))
	}
	r := recs[0]
	if r.Outcome != alertq.OutcomeAcknowledged || r.Action != alert.ActionAccept {
		t.Errorf("record = %s/%s", r.Outcome, r.Action)
	}
	if len(r.AcknowledgedBy) != 1 || r.AcknowledgedBy[0] != "nurse-1" {
		t.Errorf("AcknowledgedBy = %v", r.AcknowledgedBy)
	}
}

func TestResolve_AckFailureLeavesAlertActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ack.err = errors.New("connection refused")
	f.enqueue("m1", "MAYDAY", t0)

	err := f.coord.Resolve(context.Background(), "c1", "m1", alert.ActionBusy)
	if !errors.Is(err, ErrAckFailed) {
		t.Fatalf("err = %v, want ErrAckFailed", err)
	}
	if got := activeID(f.store); got != "m1" {
		t.Errorf("active = %q, want m1", got)
	}
	if _, armed := f.timers.Armed("c1", "m1"); !armed {
		t.Fatal("timer cancelled by a failed acknowledgment")
	}

	// the timer still fires and drops the alert without contacting upstream
	f.clock.fireAll()
	if got := activeID(f.store); got != "" {
		t.Errorf("active = %q after expiry, want none", got)
	}
	if f.ack.count() != 1 {
		t.Errorf("ack calls = %d, want 1 (expiry must not acknowledge)", f.ack.count())
	}
}

func TestResolve_RetryAfterFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ack.err = errors.New("503")
	f.enqueue("m1", "MAYDAY", t0)

	_ = f.coord.Resolve(context.Background(), "c1", "m1", alert.ActionAccept)
	f.ack.mu.Lock()
	f.ack.err = nil
	f.ack.mu.Unlock()

	if err := f.coord.Resolve(context.Background(), "c1", "m1", alert.ActionAccept); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, queued := f.store.Lookup("c1", "m1"); queued {
		t.Error("alert still present after successful retry")
	}
}

func TestResolve_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		alertID string
		action  alert.Action
		want    error
	}{
		{"invalid action", "m1", "maybe", ErrInvalidAction},
		{"empty action", "m1", "", ErrInvalidAction},
		{"unknown alert", "nope", alert.ActionAccept, ErrAlertNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.enqueue("m1", "HELP", t0)

			err := f.coord.Resolve(context.Background(), "c1", tt.alertID, tt.action)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if f.ack.count() != 0 {
				t.Error("upstream contacted for rejected resolution")
			}
			if activeID(f.store) != "m1" {
				t.Error("store changed by rejected resolution")
			}
		})
	}
}

func TestResolve_QueuedAlert(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enqueue("m1", "MAYDAY", t0)
	f.enqueue("m2", "HELP", t0)

	if err := f.coord.Resolve(context.Background(), "c1", "m2", alert.ActionBusy); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	active, queued := f.store.Snapshot("c1")
	if active.ID != "m1" || len(queued) != 0 {
		t.Errorf("snapshot = %s + %d queued, want m1 + 0", active.ID, len(queued))
	}
}

func TestResolve_InFlight(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enqueue("m1", "MAYDAY", t0)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.ack.hook = func() {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() { done <- f.coord.Resolve(context.Background(), "c1", "m1", alert.ActionAccept) }()
	<-entered

	f.ack.mu.Lock()
	f.ack.hook = nil
	f.ack.mu.Unlock()
	if err := f.coord.Resolve(context.Background(), "c1", "m1", alert.ActionAccept); !errors.Is(err, ErrInFlight) {
		t.Errorf("concurrent resolve err = %v, want ErrInFlight", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first resolve: %v", err)
	}
}

func TestResolve_ExpiredWhileAcknowledging(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enqueue("m1", "MAYDAY", t0)
	f.ack.hook = f.clock.fireAll

	if err := f.coord.Resolve(context.Background(), "c1", "m1", alert.ActionAccept); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	recs, _ := f.history.ListByAlert(context.Background(), "m1")
	if len(recs) != 1 || recs[0].Outcome != alertq.OutcomeExpired {
		t.Errorf("history = %+v, want a single expired record", recs)
	}
}

func TestOnExpired_CompletesSilently(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enqueue("m1", "E HELP - Patient: Bob", t0)
	f.enqueue("m2", "HELP - Patient: Ann", t0)

	f.clock.fireAll()

	if got := activeID(f.store); got != "m2" {
		t.Errorf("active = %q, want m2", got)
	}
	if f.ack.count() != 0 {
		t.Error("expiry contacted upstream")
	}
	if len(f.notifier.got) != 1 || f.notifier.got[0].AlertID != "m1" {
		t.Fatalf("notifications = %+v, want m1", f.notifier.got)
	}
	recs, _ := f.history.ListByChannel(context.Background(), "c1", 0)
	if len(recs) != 1 || recs[0].Outcome != alertq.OutcomeExpired || recs[0].Action != "" {
		t.Errorf("history = %+v", recs)
	}
}

func TestOnExpired_StaleTokenIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enqueue("m1", "HELP", t0)
	tok, _ := f.timers.Armed("c1", "m1")

	// preempt then re-promote m1 so it holds a newer activation
	f.enqueue("m0", "MAYDAY", t0)
	f.store.Complete("c1", "m0")

	f.coord.OnExpired(context.Background(), lifecycle.Expiry{ChannelID: "c1", AlertID: "m1", Token: tok})
	if got := activeID(f.store); got != "m1" {
		t.Errorf("active = %q, want m1 to survive a stale expiry", got)
	}
	if len(f.notifier.got) != 0 {
		t.Error("stale expiry produced a notification")
	}
}

func TestResolve_RecordsSpan(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enqueue("m1", "MAYDAY", t0)
	_ = f.coord.Resolve(context.Background(), "c1", "missing", alert.ActionAccept)
	_ = f.coord.Resolve(context.Background(), "c1", "m1", alert.ActionAccept)

	spans := f.spans.Ended()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name() != "resolve.Resolve" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("failed resolve status = %v, want Error", spans[0].Status().Code)
	}
	if spans[1].Status().Code == codes.Error {
		t.Error("successful resolve marked as error")
	}
}

func TestNewCoordinator_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	store := alertq.New(lifecycle.New(time.Minute, nil), nil, nil, alertq.Hooks{})
	for name, fn := range map[string]func(){
		"nil store": func() { NewCoordinator(nil, &mockAck{}, Config{}, nil, Hooks{}) },
		"nil ack":   func() { NewCoordinator(store, nil, Config{}, nil, Hooks{}) },
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			fn()
		})
	}
}
