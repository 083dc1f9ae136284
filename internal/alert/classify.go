package alert

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Marker maps a content substring to a tier.
type Marker struct {
	Text string
	Tier Tier
}

// DefaultMarkers returns the built-in marker list. Order matters: the first
// marker found in the content wins, so longer markers precede the markers
// they contain ("E HELP" before "HELP").
func DefaultMarkers() []Marker {
	return []Marker{
		{Text: "MAYDAY", Tier: TierCritical},
		{Text: "E HELP", Tier: TierCritical},
		{Text: "U HELP", Tier: TierElevated},
		{Text: "HELP", Tier: TierStandard},
	}
}

// ParseMarkers parses a comma separated "marker=tier" list, e.g.
// "MAYDAY=critical,E HELP=critical,HELP=standard".
func ParseMarkers(s string) ([]Marker, error) {
	var (
		out  []Marker
		errs []error
	)
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		text, tier, ok := strings.Cut(part, "=")
		text = strings.TrimSpace(text)
		if !ok || text == "" {
			errs = append(errs, fmt.Errorf("invalid priority marker %q (want marker=tier)", part))
			continue
		}
		t, err := ParseTier(tier)
		if err != nil {
			errs = append(errs, fmt.Errorf("priority marker %q: %w", text, err))
			continue
		}
		out = append(out, Marker{Text: text, Tier: t})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(out) == 0 {
		return nil, errors.New("no priority markers configured")
	}
	return out, nil
}

// Classifier derives tiers from content. It is a compatibility shim for
// inputs that encode priority as text; it is safe for concurrent use.
type Classifier struct {
	markers []Marker
}

// NewClassifier returns a Classifier over markers, or over DefaultMarkers
// when markers is empty.
func NewClassifier(markers []Marker) *Classifier {
	if len(markers) == 0 {
		markers = DefaultMarkers()
	}
	return &Classifier{markers: slices.Clone(markers)}
}

// Match reports the tier of the first marker contained in content.
func (c *Classifier) Match(content string) (Tier, bool) {
	for _, m := range c.markers {
		if strings.Contains(content, m.Text) {
			return m.Tier, true
		}
	}
	return TierStandard, false
}

// Classify maps any content to a tier, defaulting to TierStandard.
func (c *Classifier) Classify(content string) Tier {
	t, _ := c.Match(content)
	return t
}

// IsAlert reports whether content carries any recognized alert marker.
func (c *Classifier) IsAlert(content string) bool {
	_, ok := c.Match(content)
	return ok
}

// TierOf returns the explicit tier of a when set, else classifies its content.
func (c *Classifier) TierOf(a *Alert) Tier {
	if a.Tier != TierUnset {
		return a.Tier
	}
	return c.Classify(a.Content)
}
