package intent

import "strings"

// Entity is one recognized span in a normalized utterance. Start and End are
// byte offsets into the normalized text. Resolved carries the canonical form
// after synonym resolution; the pipeline fills it in.
type Entity struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Resolved string `json:"resolved"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

// Gazetteer recognizes entity values by exact surface-form lookup over token
// windows. The surface forms come from corpus annotations gathered at
// training time; the entity vocabulary is small and fixed. Immutable after
// construction.
type Gazetteer struct {
	// Entries maps lowercased surface forms to entity names.
	Entries map[string]string `json:"entries"`
	// MaxTokens is the longest surface form in tokens, bounding the window
	// scan.
	MaxTokens int `json:"max_tokens"`
}

// NewGazetteer builds a Gazetteer from surface form -> entity name pairs.
// Surfaces are lowercased and whitespace-collapsed; empty surfaces are
// skipped. When the corpus maps one surface to several entity names the
// lexicographically-first name wins, keeping construction deterministic
// regardless of map iteration order.
func NewGazetteer(surfaces map[string]string) *Gazetteer {
	g := &Gazetteer{Entries: make(map[string]string, len(surfaces))}
	for surface, name := range surfaces {
		key := strings.Join(strings.Fields(strings.ToLower(surface)), " ")
		if key == "" {
			continue
		}
		if prev, ok := g.Entries[key]; ok && prev <= name {
			continue
		}
		g.Entries[key] = name
		if n := len(strings.Fields(key)); n > g.MaxTokens {
			g.MaxTokens = n
		}
	}
	return g
}

// Find scans normalized text for known surface forms, greedy longest match
// first, left to right. Matched windows do not overlap. Finding nothing is a
// normal outcome and returns nil.
func (g *Gazetteer) Find(text string) []Entity {
	if g == nil || len(g.Entries) == 0 {
		return nil
	}
	tokens := tokenOffsets(text)
	var found []Entity
	for i := 0; i < len(tokens); {
		matched := false
		max := g.MaxTokens
		if rest := len(tokens) - i; max > rest {
			max = rest
		}
		for w := max; w >= 1; w-- {
			key := windowKey(tokens[i : i+w])
			name, ok := g.Entries[key]
			if !ok {
				continue
			}
			found = append(found, Entity{
				Name:  name,
				Value: key,
				Start: tokens[i].start,
				End:   tokens[i+w-1].end,
			})
			i += w
			matched = true
			break
		}
		if !matched {
			i++
		}
	}
	return found
}

type tokenSpan struct {
	text  string
	start int
	end   int
}

// tokenOffsets splits on whitespace, keeping byte offsets of each token.
func tokenOffsets(s string) []tokenSpan {
	var out []tokenSpan
	start := -1
	for i := 0; i <= len(s); i++ {
		boundary := i == len(s) || s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r'
		if boundary {
			if start >= 0 {
				out = append(out, tokenSpan{text: s[start:i], start: start, end: i})
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	return out
}

func windowKey(tokens []tokenSpan) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = strings.ToLower(t.text)
	}
	return strings.Join(parts, " ")
}
