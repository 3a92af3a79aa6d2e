package crawler

import "strings"

// DefaultSponsoredLabels are the freshness-label fragments that mark paid placements.
var DefaultSponsoredLabels = []string{"Anzeige"}

// SponsoredFunc reports whether a listing's freshness label marks a promoted
// placement. Promoted listings recur across cycles and are never treated as new.
type SponsoredFunc func(addedLabel string) bool

// LabelMatcher returns a SponsoredFunc matching any of the given fragments,
// case-insensitively. Blank fragments are ignored; no fragments matches nothing.
func LabelMatcher(fragments []string) SponsoredFunc {
	needles := make([]string, 0, len(fragments))
	for _, f := range fragments {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			needles = append(needles, f)
		}
	}
	return func(label string) bool {
		if len(needles) == 0 {
			return false
		}
		label = strings.ToLower(label)
		for _, n := range needles {
			if strings.Contains(label, n) {
				return true
			}
		}
		return false
	}
}
