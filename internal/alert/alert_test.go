package alert

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestClassify_DefaultMarkers(t *testing.T) {
	t.Parallel()

	c := NewClassifier(nil)
	tests := []struct {
		content string
		want    Tier
		isAlert bool
	}{
		{"MAYDAY - Engine 4 trapped", TierCritical, true},
		{"E HELP - Patient: Bob", TierCritical, true},
		{"U HELP - Patient: Ann", TierElevated, true},
		{"HELP - Patient: Ann", TierStandard, true},
		{"lunch at noon", TierStandard, false},
		{"", TierStandard, false},
		{"help - lowercase is not a marker", TierStandard, false},
	}

	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			t.Parallel()
			if got := c.Classify(tt.content); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.content, got, tt.want)
			}
			if got := c.IsAlert(tt.content); got != tt.isAlert {
				t.Errorf("IsAlert(%q) = %v, want %v", tt.content, got, tt.isAlert)
			}
		})
	}
}

func TestClassify_Stable(t *testing.T) {
	t.Parallel()

	c := NewClassifier(nil)
	first := c.Classify("U HELP - Patient: Ann")
	for range 100 {
		if got := c.Classify("U HELP - Patient: Ann"); got != first {
			t.Fatalf("Classify changed from %s to %s", first, got)
		}
	}
}

func TestTierOf_ExplicitWins(t *testing.T) {
	t.Parallel()

	c := NewClassifier(nil)
	a := &Alert{Content: "HELP", Tier: TierCritical}
	if got := c.TierOf(a); got != TierCritical {
		t.Errorf("TierOf explicit = %s, want critical", got)
	}
	a.Tier = TierUnset
	if got := c.TierOf(a); got != TierStandard {
		t.Errorf("TierOf derived = %s, want standard", got)
	}
}

func TestParseMarkers(t *testing.T) {
	t.Parallel()

	got, err := ParseMarkers("MAYDAY=critical, E HELP = critical ,HELP=standard")
	if err != nil {
		t.Fatalf("ParseMarkers: %v", err)
	}
	want := []Marker{
		{"MAYDAY", TierCritical},
		{"E HELP", TierCritical},
		{"HELP", TierStandard},
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("marker[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParseMarkers_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"missing tier", "MAYDAY"},
		{"bad tier", "MAYDAY=urgent"},
		{"empty marker", "=critical"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseMarkers(tt.in); err == nil {
				t.Errorf("ParseMarkers(%q) = nil error", tt.in)
			}
		})
	}
}

func TestCustomMarkersOrder(t *testing.T) {
	t.Parallel()

	// shorter marker listed first shadows the longer one
	c := NewClassifier([]Marker{{"HELP", TierStandard}, {"E HELP", TierCritical}})
	if got := c.Classify("E HELP"); got != TierStandard {
		t.Errorf("Classify = %s, want standard (first match wins)", got)
	}
}

func TestTier_TextRoundTrip(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(struct {
		T Tier `json:"t"`
	}{TierElevated})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"t":"elevated"}` {
		t.Errorf("json = %s", b)
	}

	var v struct {
		T Tier `json:"t"`
	}
	if err := json.Unmarshal([]byte(`{"t":"CRITICAL"}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.T != TierCritical {
		t.Errorf("T = %s, want critical", v.T)
	}
	if err := json.Unmarshal([]byte(`{"t":"nope"}`), &v); err == nil {
		t.Error("expected error for unknown tier")
	}
}

func TestResponder_UnmarshalStringOrObject(t *testing.T) {
	t.Parallel()

	var rs []Responder
	if err := json.Unmarshal([]byte(`["u1", {"id":"u2","role":"nurse"}, {"role":"charge"}]`), &rs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []Responder{{ID: "u1"}, {ID: "u2", Role: "nurse"}, {Role: "charge"}}
	for i := range want {
		if rs[i] != want[i] {
			t.Errorf("responder[%d] = %+v, want %+v", i, rs[i], want[i])
		}
	}
}

func TestAcknowledge_Monotonic(t *testing.T) {
	t.Parallel()

	a := &Alert{ID: "a1"}
	if !a.Acknowledge("u1") {
		t.Fatal("first acknowledge returned false")
	}
	if a.Acknowledge("u1") {
		t.Error("duplicate acknowledge returned true")
	}
	if a.Acknowledge("") {
		t.Error("empty recipient acknowledged")
	}
	a.Acknowledge("u2")
	if strings.Join(a.AcknowledgedBy, ",") != "u1,u2" {
		t.Errorf("AcknowledgedBy = %v", a.AcknowledgedBy)
	}
}

func TestClone_Independent(t *testing.T) {
	t.Parallel()

	a := &Alert{ID: "a1", AcknowledgedBy: []string{"u1"}, Responders: []Responder{{ID: "u1"}}}
	cp := a.Clone()
	cp.AcknowledgedBy[0] = "x"
	cp.Responders[0].ID = "x"
	if a.AcknowledgedBy[0] != "u1" || a.Responders[0].ID != "u1" {
		t.Error("Clone shares slices with original")
	}
	var nilAlert *Alert
	if nilAlert.Clone() != nil {
		t.Error("Clone(nil) != nil")
	}
}

func TestParseAction(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Action{"accept": ActionAccept, "BUSY": ActionBusy, " accept ": ActionAccept} {
		got, err := ParseAction(in)
		if err != nil || got != want {
			t.Errorf("ParseAction(%q) = (%q, %v), want %q", in, got, err, want)
		}
	}
	if _, err := ParseAction("decline"); err == nil {
		t.Error("ParseAction(decline) = nil error")
	}
}

func TestParseEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"id":"m1","channel_id":"c1","content":"E HELP - Patient: Bob","responders":[]}`, false},
		{"explicit priority", `{"id":"m1","content":"x","priority":"critical"}`, false},
		{"missing content", `{"id":"m1","content":"  "}`, true},
		{"missing id", `{"content":"HELP"}`, true},
		{"bad priority", `{"id":"m1","content":"HELP","priority":"urgent"}`, true},
		{"not json", `{bad`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev, err := ParseEvent([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedEvent) {
					t.Fatalf("err = %v, want ErrMalformedEvent", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEvent: %v", err)
			}
			if ev.ID != "m1" {
				t.Errorf("ID = %q, want m1", ev.ID)
			}
		})
	}
}
