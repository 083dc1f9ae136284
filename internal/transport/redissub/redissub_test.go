package redissub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/mayday/internal/alert"
	"github.com/linnemanlabs/mayday/internal/ingest"
	"github.com/linnemanlabs/mayday/internal/session"
)

type recordingSink struct {
	mu   sync.Mutex
	raws []string
	err  error
	got  chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan struct{}, 16)}
}

func (s *recordingSink) BroadcastRaw(_ context.Context, raw []byte) ([]session.Delivery, error) {
	s.mu.Lock()
	s.raws = append(s.raws, string(raw))
	s.mu.Unlock()
	s.got <- struct{}{}
	if s.err != nil {
		return nil, s.err
	}
	return []session.Delivery{
		{RecipientID: "nurse-1", Result: ingest.Result{AlertID: "m1", BecameActive: true}},
		{RecipientID: "nurse-2", Result: ingest.Result{AlertID: "m1", Skipped: true, Reason: ingest.ReasonSelf}},
	}, nil
}

func (s *recordingSink) payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.raws...)
}

func TestNew_Panics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		client Subscriber
		sink   Broadcaster
	}{
		{"nil client", nil, newRecordingSink()},
		{"nil sink", redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if r := recover(); r == nil {
					t.Fatal("New did not panic")
				}
			}()
			New(tt.client, "", tt.sink, nil)
		})
	}
}

func TestNew_DefaultChannel(t *testing.T) {
	t.Parallel()

	c := New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "", newRecordingSink(), nil)
	if c.channel != DefaultChannel {
		t.Errorf("channel = %q, want %q", c.channel, DefaultChannel)
	}
}

func TestHandle_PassesPayloadThrough(t *testing.T) {
	t.Parallel()

	sink := newRecordingSink()
	c := New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "", sink, log.Nop())

	c.handle(context.Background(), []byte(`{"id":"m1","content":"MAYDAY"}`))
	sink.err = alert.ErrMalformedEvent
	c.handle(context.Background(), []byte(`nope`))

	got := sink.payloads()
	if len(got) != 2 || got[0] != `{"id":"m1","content":"MAYDAY"}` || got[1] != "nope" {
		t.Errorf("payloads = %q", got)
	}
}

func TestRun_SubscribeFails(t *testing.T) {
	t.Parallel()

	// nothing listens on port 1
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })

	c := New(client, "", newRecordingSink(), log.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); err == nil {
		t.Fatal("Run() = nil, want subscribe error")
	}
}

func TestRun_Integration(t *testing.T) {
	url := os.Getenv("MAYDAY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MAYDAY_TEST_REDIS_URL not set, skipping integration test")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	channel := fmt.Sprintf("mayday:test:%d", time.Now().UnixNano())
	sink := newRecordingSink()
	c := New(client, channel, sink, log.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// publish until the subscription is live
	deadline := time.After(5 * time.Second)
	for len(sink.payloads()) == 0 {
		if err := client.Publish(ctx, channel, `{"id":"m1","content":"MAYDAY"}`).Err(); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		select {
		case <-sink.got:
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no message received")
		}
	}

	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want nil", err)
	}
}
