// Package feature turns normalized text into fixed-width numeric vectors for
// the intent classifier and the response selector. A vector concatenates four
// sections: word unigram counts, character n-gram counts, regex pattern hits,
// and two dense shape scalars. The vocabulary fixing the column layout is
// built once during training and frozen into the model artifact; extraction
// against a frozen vocabulary is deterministic and total.
package feature

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// PatternSpec names a regex indicator feature before compilation.
type PatternSpec struct {
	Name string
	Expr string
}

// Pattern is a compiled indicator feature occupying one fixed column.
type Pattern struct {
	Name string `json:"name"`
	Expr string `json:"expr"`

	re *regexp.Regexp
}

// Config holds the featurizer hyperparameters.
type Config struct {
	// MinTokenFreq drops words and character n-grams seen fewer times than
	// this across the corpus. OOV grams map to the unknown bucket instead.
	MinTokenFreq int
	// CountCap clips every count column to avoid pathological repetition
	// dominating the vector.
	CountCap float64
	// CharNgramMin and CharNgramMax bound the character n-gram lengths,
	// inclusive. N-grams never span word boundaries.
	CharNgramMin int
	CharNgramMax int
	Patterns     []PatternSpec
}

// Vocabulary is the frozen token/n-gram to column mapping plus the compiled
// pattern list. Index 0 of the word and char sections is the reserved
// unknown bucket; assigned indices start at 1.
//
// A Vocabulary is immutable after Build (or after Compile on load) and safe
// for concurrent use.
type Vocabulary struct {
	Words    map[string]int `json:"words"`
	Chars    map[string]int `json:"chars"`
	Patterns []Pattern      `json:"patterns"`
	CharMin  int            `json:"char_min"`
	CharMax  int            `json:"char_max"`
	CountCap float64        `json:"count_cap"`
}

// Dim returns the total feature vector width for this vocabulary.
func (v *Vocabulary) Dim() int {
	return v.wordDim() + v.charDim() + len(v.Patterns) + denseDim
}

func (v *Vocabulary) wordDim() int { return len(v.Words) + 1 }
func (v *Vocabulary) charDim() int { return len(v.Chars) + 1 }

// Compile rebuilds the pattern regexes after the vocabulary has been
// deserialized. It must be called before Extract on a loaded vocabulary.
func (v *Vocabulary) Compile() error {
	for i := range v.Patterns {
		re, err := regexp.Compile(v.Patterns[i].Expr)
		if err != nil {
			return fmt.Errorf("compiling pattern %q: %w", v.Patterns[i].Name, err)
		}
		v.Patterns[i].re = re
	}
	return nil
}

// Builder accumulates corpus token statistics and produces a frozen
// Vocabulary. Not safe for concurrent use.
type Builder struct {
	cfg      Config
	wordFreq map[string]int
	charFreq map[string]int
}

// NewBuilder returns a Builder for the given featurizer configuration.
// The configuration is assumed validated (see internal/config).
func NewBuilder(cfg Config) *Builder {
	return &Builder{
		cfg:      cfg,
		wordFreq: make(map[string]int),
		charFreq: make(map[string]int),
	}
}

// Add counts the tokens and character n-grams of one normalized text.
func (b *Builder) Add(text string) {
	tokens := Tokenize(text)
	for _, tok := range tokens {
		b.wordFreq[tok]++
		for _, g := range charGrams(tok, b.cfg.CharNgramMin, b.cfg.CharNgramMax) {
			b.charFreq[g]++
		}
	}
}

// Build freezes the accumulated statistics into a Vocabulary. Grams below
// the minimum frequency are dropped. Column indices are assigned in sorted
// gram order so that the same corpus always yields the same layout.
func (b *Builder) Build() (*Vocabulary, error) {
	v := &Vocabulary{
		Words:    assignIndices(b.wordFreq, b.cfg.MinTokenFreq),
		Chars:    assignIndices(b.charFreq, b.cfg.MinTokenFreq),
		CharMin:  b.cfg.CharNgramMin,
		CharMax:  b.cfg.CharNgramMax,
		CountCap: b.cfg.CountCap,
	}
	for _, p := range b.cfg.Patterns {
		v.Patterns = append(v.Patterns, Pattern{Name: p.Name, Expr: p.Expr})
	}
	if err := v.Compile(); err != nil {
		return nil, err
	}
	if len(v.Words) == 0 {
		return nil, fmt.Errorf("empty vocabulary: no token met the minimum frequency %d", b.cfg.MinTokenFreq)
	}
	return v, nil
}

// assignIndices keeps grams with freq >= minFreq and maps them to columns
// 1..N in lexicographic order. Column 0 stays reserved for unknowns.
func assignIndices(freq map[string]int, minFreq int) map[string]int {
	kept := make([]string, 0, len(freq))
	for g, n := range freq {
		if n >= minFreq {
			kept = append(kept, g)
		}
	}
	sort.Strings(kept)
	out := make(map[string]int, len(kept))
	for i, g := range kept {
		out[g] = i + 1
	}
	return out
}

// Tokenize splits normalized text into lowercased whitespace tokens.
func Tokenize(text string) []string {
	fields := strings.Fields(text)
	for i, f := range fields {
		fields[i] = strings.ToLower(f)
	}
	return fields
}

// charGrams returns every character n-gram of the token for n in [min, max].
// Tokens are ASCII after normalization, so byte slicing is rune safe.
func charGrams(token string, min, max int) []string {
	var grams []string
	for n := min; n <= max; n++ {
		if n <= 0 || n > len(token) {
			continue
		}
		for i := 0; i+n <= len(token); i++ {
			grams = append(grams, token[i:i+n])
		}
	}
	return grams
}
