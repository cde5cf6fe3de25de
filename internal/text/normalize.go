// Package text provides the deterministic cleanup applied to every piece of
// user and corpus text before feature extraction. Training and inference must
// see identical normalization, so this is the single shared implementation.
package text

import "strings"

// stripped is the fixed punctuation set removed during normalization.
// Quotes, apostrophes and colons carry no signal for matching and show up
// inconsistently in scraped counselor Q&A text.
const stripped = `"':`

// Normalize cleans raw text for the matching engine. It never fails: any
// input, including garbage, maps to some (possibly empty) output.
//
// Steps, in order: drop code points outside ASCII (documented lossy
// behavior), remove quotes/apostrophes/colons, collapse whitespace runs to
// single spaces, trim. Punctuation removal happens before whitespace
// collapsing so that a mark surrounded by spaces cannot leave a double space
// behind; this is what makes Normalize idempotent.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r > 127 {
			continue
		}
		if strings.ContainsRune(stripped, r) {
			continue
		}
		b.WriteRune(r)
	}
	// Fields splits on any whitespace run, so joining with single spaces
	// collapses internal runs and trims both ends in one pass.
	return strings.Join(strings.Fields(b.String()), " ")
}
