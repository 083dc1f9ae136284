package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/mayday/internal/alert"
	"github.com/linnemanlabs/mayday/internal/alertq"
	"github.com/linnemanlabs/mayday/internal/history"
)

func expiredRecord() *history.Record {
	created := time.Date(2026, 2, 26, 14, 21, 0, 0, time.UTC)
	return &history.Record{
		ID:          "01JN123",
		AlertID:     "m1",
		ChannelID:   "c1",
		RecipientID: "nurse-1",
		Sender:      "nurse-2",
		Tier:        alert.TierCritical,
		Content:     "E HELP - Patient: Bob",
		Outcome:     alertq.OutcomeExpired,
		CreatedAt:   created,
		ResolvedAt:  created.Add(2 * time.Minute),
	}
}

func TestNotifyExpired_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := New(srv.URL).NotifyExpired(context.Background(), expiredRecord()); err != nil {
		t.Fatalf("NotifyExpired: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	if len(blocks) != 4 {
		t.Fatalf("blocks count = %d, want 4", len(blocks))
	}

	header := blocks[0].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.Contains(header, "critical") || !strings.Contains(header, "\U0001f534") {
		t.Errorf("header = %q, want critical tier and red circle", header)
	}

	payload, _ := json.Marshal(got)
	for _, want := range []string{"nurse-1", "c1", "2m0s", "E HELP - Patient: Bob", "alert m1"} {
		if !strings.Contains(string(payload), want) {
			t.Errorf("payload missing %q", want)
		}
	}
}

func TestNotifyExpired_NoWebhook(t *testing.T) {
	t.Parallel()

	if err := New("").NotifyExpired(context.Background(), expiredRecord()); err != nil {
		t.Errorf("NotifyExpired with empty URL = %v, want nil", err)
	}
}

func TestNotifyExpired_Non2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("invalid_token"))
	}))
	defer srv.Close()

	err := New(srv.URL).NotifyExpired(context.Background(), expiredRecord())
	if err == nil {
		t.Fatal("expected error for 403")
	}
	if !strings.Contains(err.Error(), "403") || !strings.Contains(err.Error(), "invalid_token") {
		t.Errorf("error = %v, want status and body", err)
	}
}

func TestTierEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tier alert.Tier
		want string
	}{
		{alert.TierCritical, "\U0001f534"},
		{alert.TierElevated, "\U0001f7e0"},
		{alert.TierStandard, "\U0001f7e1"},
	}
	for _, tt := range tests {
		if got := tierEmoji(tt.tier); got != tt.want {
			t.Errorf("tierEmoji(%s) = %q, want %q", tt.tier, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate(strings.Repeat("x", 20), 10); got != "xxxxxxx..." {
		t.Errorf("truncate(long) = %q", got)
	}
}
