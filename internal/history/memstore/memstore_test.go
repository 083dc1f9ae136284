package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/mayday/internal/alert"
	"github.com/linnemanlabs/mayday/internal/alertq"
	"github.com/linnemanlabs/mayday/internal/history"
)

func record(id, alertID, channelID string) *history.Record {
	return &history.Record{
		ID:          id,
		AlertID:     alertID,
		ChannelID:   channelID,
		RecipientID: "nurse-1",
		Tier:        alert.TierCritical,
		Content:     "MAYDAY",
		Outcome:     alertq.OutcomeAcknowledged,
		Action:      alert.ActionAccept,
		ResolvedAt:  time.Now(),
	}
}

func TestStore_PutAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.Put(ctx, record("h-1", "m1", "c1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, "h-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected record to be found")
	}
	if got.AlertID != "m1" || got.Outcome != alertq.OutcomeAcknowledged {
		t.Errorf("got %+v", got)
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	_, ok, err := New().Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	r := record("h-1", "m1", "c1")
	r.AcknowledgedBy = []string{"a"}
	_ = s.Put(ctx, r)
	r.AcknowledgedBy[0] = "mutated"

	got, _, _ := s.Get(ctx, "h-1")
	if got.AcknowledgedBy[0] != "a" {
		t.Error("stored record shares memory with caller")
	}
	got.Content = "changed"
	again, _, _ := s.Get(ctx, "h-1")
	if again.Content != "MAYDAY" {
		t.Error("Get returned shared record")
	}
}

func TestStore_ListByAlert(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Put(ctx, record("h-1", "m1", "c1"))
	_ = s.Put(ctx, record("h-2", "m2", "c1"))
	_ = s.Put(ctx, record("h-3", "m1", "c2"))

	got, err := s.ListByAlert(ctx, "m1")
	if err != nil {
		t.Fatalf("ListByAlert: %v", err)
	}
	if len(got) != 2 || got[0].ID != "h-1" || got[1].ID != "h-3" {
		t.Errorf("ListByAlert(m1) = %v", ids(got))
	}
}

func TestStore_ListByChannelNewestFirst(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for i := range 5 {
		_ = s.Put(ctx, record(fmt.Sprintf("h-%d", i), fmt.Sprintf("m%d", i), "c1"))
	}
	_ = s.Put(ctx, record("other", "mx", "c2"))

	got, err := s.ListByChannel(ctx, "c1", 3)
	if err != nil {
		t.Fatalf("ListByChannel: %v", err)
	}
	want := []string{"h-4", "h-3", "h-2"}
	if fmt.Sprint(ids(got)) != fmt.Sprint(want) {
		t.Errorf("ListByChannel = %v, want %v", ids(got), want)
	}

	all, _ := s.ListByChannel(ctx, "c1", 0)
	if len(all) != 5 {
		t.Errorf("default limit returned %d records, want 5", len(all))
	}
}

func TestStore_PutOverwrites(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Put(ctx, record("h-1", "m1", "c1"))
	r := record("h-1", "m1", "c1")
	r.Outcome = alertq.OutcomeExpired
	_ = s.Put(ctx, r)

	got, _, _ := s.Get(ctx, "h-1")
	if got.Outcome != alertq.OutcomeExpired {
		t.Errorf("Outcome = %q, want expired", got.Outcome)
	}
	list, _ := s.ListByAlert(ctx, "m1")
	if len(list) != 1 {
		t.Errorf("overwrite duplicated record: %d entries", len(list))
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Put(ctx, record(fmt.Sprintf("h-%d", i), "m", "c"))
		}()
		go func() {
			defer wg.Done()
			_, _ = s.ListByChannel(ctx, "c", 10)
		}()
	}
	wg.Wait()

	all, _ := s.ListByAlert(ctx, "m")
	if len(all) != 50 {
		t.Errorf("records = %d, want 50", len(all))
	}
}

func ids(rs []*history.Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
