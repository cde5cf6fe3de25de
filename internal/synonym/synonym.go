// Package synonym canonicalizes recognized entity values through a static
// surface-form to canonical-form table. There is no learned component: the
// table comes straight from the corpus file and is frozen into the model
// artifact.
package synonym

import "strings"

// Table maps lowercased surface forms to their canonical form.
type Table map[string]string

// New builds a Table from canonical -> surface-form lists, inverting the
// mapping and lowercasing every key. A canonical form is also mapped to
// itself so that resolving an already-canonical value is stable.
func New(entries map[string][]string) Table {
	t := make(Table, len(entries)*2)
	for canonical, surfaces := range entries {
		c := strings.ToLower(strings.TrimSpace(canonical))
		if c == "" {
			continue
		}
		t[c] = c
		for _, s := range surfaces {
			s = strings.ToLower(strings.TrimSpace(s))
			if s != "" {
				t[s] = c
			}
		}
	}
	return t
}

// Resolve returns the canonical form of value, or value unchanged when it is
// not in the table. Pure lookup; never fails.
func (t Table) Resolve(value string) string {
	if c, ok := t[strings.ToLower(value)]; ok {
		return c
	}
	return value
}
