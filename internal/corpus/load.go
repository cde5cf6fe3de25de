package corpus

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// corpusFile mirrors the on-disk YAML layout. NLU examples and responses are
// declared in separate sections; ownership is tied together by intent id, so
// a response block referencing an intent with no NLU entry is detectable.
type corpusFile struct {
	Version   int                      `yaml:"version"`
	Entities  []string                 `yaml:"entities"`
	NLU       []nluBlock               `yaml:"nlu"`
	Responses map[string][]variantFile `yaml:"responses"`
	Synonyms  []synonymBlock           `yaml:"synonyms"`
}

type nluBlock struct {
	Intent   string   `yaml:"intent"`
	Examples []string `yaml:"examples"`
}

type variantFile struct {
	ID   string `yaml:"id"`
	Text string `yaml:"text"`
}

type synonymBlock struct {
	Canonical string   `yaml:"canonical"`
	Of        []string `yaml:"of"`
}

// annotationRE matches inline entity annotations: [surface form](entity).
var annotationRE = regexp.MustCompile(`\[([^\[\]]+)\]\(([A-Za-z_][A-Za-z0-9_]*)\)`)

// LoadFile reads and validates a corpus YAML file.
func LoadFile(path string) (*Corpus, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening corpus: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a corpus from YAML and validates it. The returned corpus is
// ready for training: annotations are stripped into entity spans, variant
// ids are assigned where omitted, and all structural invariants hold.
func Load(r io.Reader) (*Corpus, error) {
	var file corpusFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parsing corpus: %w", err)
	}
	if file.Version != 1 {
		return nil, &Error{Reason: fmt.Sprintf("unsupported corpus version %d", file.Version)}
	}

	c := &Corpus{
		Variants: make(map[string]Variant),
		Synonyms: make(map[string][]string),
		Entities: file.Entities,
	}

	seenIntents := make(map[string]bool)
	for _, block := range file.NLU {
		intent := strings.TrimSpace(block.Intent)
		if intent == "" {
			return nil, &Error{Reason: "nlu block with empty intent id"}
		}
		if seenIntents[intent] {
			return nil, &Error{Intent: intent, Reason: "duplicate intent"}
		}
		seenIntents[intent] = true

		for _, raw := range block.Examples {
			clean, spans := stripAnnotations(strings.TrimSpace(raw))
			c.Examples = append(c.Examples, Example{Intent: intent, Text: clean, Entities: spans})
		}

		variants := file.Responses[intent]
		ids := make([]string, 0, len(variants))
		for i, vf := range variants {
			id := strings.TrimSpace(vf.ID)
			if id == "" {
				id = fmt.Sprintf("%s/%d", intent, i)
			}
			if _, dup := c.Variants[id]; dup {
				return nil, &Error{Variant: id, Reason: "duplicate variant id"}
			}
			c.Variants[id] = Variant{ID: id, Intent: intent, Text: strings.TrimSpace(vf.Text)}
			ids = append(ids, id)
		}
		c.Groups = append(c.Groups, Group{Intent: intent, VariantIDs: ids})
	}

	// Response blocks for intents that never appear in the NLU section are
	// variants referencing an undefined intent.
	var orphans []string
	for intent := range file.Responses {
		if !seenIntents[intent] {
			orphans = append(orphans, intent)
		}
	}
	if len(orphans) > 0 {
		sort.Strings(orphans)
		return nil, &Error{Intent: orphans[0], Reason: "responses reference undefined intent"}
	}

	for _, syn := range file.Synonyms {
		canonical := strings.TrimSpace(syn.Canonical)
		if canonical == "" {
			return nil, &Error{Reason: "synonym with empty canonical form"}
		}
		if _, dup := c.Synonyms[canonical]; dup {
			return nil, &Error{Reason: fmt.Sprintf("duplicate synonym canonical %q", canonical)}
		}
		c.Synonyms[canonical] = syn.Of
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// stripAnnotations removes [surface](entity) markers from an example and
// returns the clean text plus the entity spans with offsets into it.
func stripAnnotations(raw string) (string, []Span) {
	matches := annotationRE.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return raw, nil
	}
	var b strings.Builder
	var spans []Span
	last := 0
	for _, m := range matches {
		b.WriteString(raw[last:m[0]])
		value := raw[m[2]:m[3]]
		start := b.Len()
		b.WriteString(value)
		spans = append(spans, Span{
			Entity: raw[m[4]:m[5]],
			Value:  value,
			Start:  start,
			End:    b.Len(),
		})
		last = m[1]
	}
	b.WriteString(raw[last:])
	return b.String(), spans
}
