// Package corpus loads and validates the training corpus: intents with their
// example utterances, the curated response variants owned by each intent,
// synonym declarations, and the entity vocabulary. It also houses the offline
// CSV converter that produces corpus files from scraped counselor Q&A data.
package corpus

import "fmt"

// Span marks an annotated entity inside an Example's text. Start and End are
// byte offsets into Example.Text (half-open interval).
type Span struct {
	Entity string `yaml:"entity" json:"entity"`
	Value  string `yaml:"value" json:"value"`
	Start  int    `yaml:"start" json:"start"`
	End    int    `yaml:"end" json:"end"`
}

// Example is one training utterance for an intent. Immutable once loaded.
type Example struct {
	Intent   string `json:"intent"`
	Text     string `json:"text"`
	Entities []Span `json:"entities,omitempty"`
}

// Variant is one curated answer. Every variant belongs to exactly one
// intent; the same underlying question often has several counselor answers.
type Variant struct {
	ID     string `json:"id"`
	Intent string `json:"intent"`
	Text   string `json:"text"`
}

// Group ties an intent to its ordered response variant ids.
type Group struct {
	Intent     string   `json:"intent"`
	VariantIDs []string `json:"variant_ids"`
}

// Corpus is the validated training input. Groups preserve declaration order;
// variant ids within a group preserve file order.
type Corpus struct {
	Examples []Example
	Groups   []Group
	Variants map[string]Variant
	// Synonyms maps canonical form -> surface forms, as declared.
	Synonyms map[string][]string
	// Entities lists the declared entity names usable in annotations.
	Entities []string
}

// GroupFor returns the group owning the given intent id.
func (c *Corpus) GroupFor(intent string) (Group, bool) {
	for _, g := range c.Groups {
		if g.Intent == intent {
			return g, true
		}
	}
	return Group{}, false
}

// Error reports an invalid corpus. Training aborts on the first one; no
// partial artifact is ever produced from a corpus that fails validation.
type Error struct {
	Intent  string
	Variant string
	Reason  string
}

func (e *Error) Error() string {
	switch {
	case e.Variant != "":
		return fmt.Sprintf("corpus: variant %q: %s", e.Variant, e.Reason)
	case e.Intent != "":
		return fmt.Sprintf("corpus: intent %q: %s", e.Intent, e.Reason)
	default:
		return "corpus: " + e.Reason
	}
}

// Validate checks the structural invariants of an assembled corpus: every
// intent owns at least one response variant, every variant references a
// defined intent, texts are non-empty, annotations use declared entities,
// and no synonym surface form maps to two canonicals.
func (c *Corpus) Validate() error {
	if len(c.Groups) == 0 {
		return &Error{Reason: "no intents defined"}
	}

	intents := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		intents[g.Intent] = true
	}

	declared := make(map[string]bool, len(c.Entities))
	for _, e := range c.Entities {
		declared[e] = true
	}

	examplesPer := make(map[string]int, len(c.Groups))
	for _, ex := range c.Examples {
		if ex.Text == "" {
			return &Error{Intent: ex.Intent, Reason: "empty example text"}
		}
		if !intents[ex.Intent] {
			return &Error{Intent: ex.Intent, Reason: "example references undefined intent"}
		}
		for _, sp := range ex.Entities {
			if !declared[sp.Entity] {
				return &Error{Intent: ex.Intent, Reason: fmt.Sprintf("annotation uses undeclared entity %q", sp.Entity)}
			}
		}
		examplesPer[ex.Intent]++
	}

	for _, g := range c.Groups {
		if examplesPer[g.Intent] == 0 {
			return &Error{Intent: g.Intent, Reason: "intent has no training examples"}
		}
		if len(g.VariantIDs) == 0 {
			return &Error{Intent: g.Intent, Reason: "intent has no response variants"}
		}
		for _, id := range g.VariantIDs {
			v, ok := c.Variants[id]
			if !ok {
				return &Error{Intent: g.Intent, Variant: id, Reason: "variant listed but not defined"}
			}
			if v.Text == "" {
				return &Error{Variant: id, Reason: "empty answer text"}
			}
		}
	}

	for id, v := range c.Variants {
		if !intents[v.Intent] {
			return &Error{Variant: id, Reason: fmt.Sprintf("variant references undefined intent %q", v.Intent)}
		}
	}

	seen := make(map[string]string)
	for canonical, surfaces := range c.Synonyms {
		if canonical == "" {
			return &Error{Reason: "synonym with empty canonical form"}
		}
		for _, s := range surfaces {
			if prev, ok := seen[s]; ok && prev != canonical {
				return &Error{Reason: fmt.Sprintf("synonym surface %q mapped to both %q and %q", s, prev, canonical)}
			}
			seen[s] = canonical
		}
	}

	return nil
}
