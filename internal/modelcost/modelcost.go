// Package modelcost classifies a model identifier into a token cost tier.
package modelcost

import "strings"

// Cost tiers. Premium models burn three tokens per request, standard
// models one, promotional models none.
const (
	Free     int64 = 0
	Standard int64 = 1
	Premium  int64 = 3
)

// freeMarkers are substrings that mark a model as free tier. Matched
// against the normalized id, so "GPT-5 Mini" and "gpt_5_mini" both hit.
var freeMarkers = []string{
	"gpt-5-mini",
	"gpt-5-nano",
	"gemini-flash",
	"haiku",
	"-free",
}

// Cost resolves a model identifier to its token cost. It is total: any
// input, including the empty string, yields a tier, and the same input
// always yields the same tier.
func Cost(modelID string) int64 {
	id := normalize(modelID)

	for _, marker := range freeMarkers {
		if strings.Contains(id, marker) {
			return Free
		}
	}

	if strings.Contains(id, "claude") && (strings.Contains(id, "opus") || strings.Contains(id, "4.5")) {
		return Premium
	}

	return Standard
}

// normalize lower-cases and collapses runs of whitespace and underscores
// into single hyphens so separator variants classify identically.
func normalize(modelID string) string {
	id := strings.ToLower(strings.TrimSpace(modelID))

	var b strings.Builder
	b.Grow(len(id))
	pendingSep := false
	for _, r := range id {
		if r == ' ' || r == '\t' || r == '_' || r == '-' {
			pendingSep = true
			continue
		}
		if pendingSep && b.Len() > 0 {
			b.WriteByte('-')
		}
		pendingSep = false
		b.WriteRune(r)
	}
	return b.String()
}
