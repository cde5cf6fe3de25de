package corpus

import (
	"encoding/csv"
	"fmt"
	"html"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Convert turns scraped counselor Q&A rows into a training corpus. The CSV
// must carry a header row; recognized columns (case-insensitive) are
// questionID, questionTitle, questionText, answerText and upvotes. Rows
// sharing a questionID form one intent: the title and the question body
// become separate training examples, each distinct answer becomes a response
// variant, and variants are ordered by upvotes descending.
//
// Text cleanup here is the data-preparation contract: markup is stripped,
// non-ASCII is dropped, and whitespace collapsed before anything reaches the
// corpus, so the engine can treat corpus files as already scrubbed.
func Convert(r io.Reader) (*Corpus, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"questionid", "questiontitle", "answertext"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("csv missing required column %q", required)
		}
	}

	type answer struct {
		text    string
		upvotes int
		order   int
	}
	type question struct {
		id      string
		title   string
		body    string
		answers []answer
		order   int
	}

	byID := make(map[string]*question)
	var questions []*question

	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv row: %w", err)
		}

		qid := field(row, "questionid")
		answerText := asciiClean(field(row, "answertext"))
		if qid == "" || answerText == "" {
			continue
		}

		q, ok := byID[qid]
		if !ok {
			q = &question{
				id:    qid,
				title: asciiClean(field(row, "questiontitle")),
				body:  asciiClean(field(row, "questiontext")),
				order: len(questions),
			}
			byID[qid] = q
			questions = append(questions, q)
		}

		upvotes, _ := strconv.Atoi(field(row, "upvotes"))
		q.answers = append(q.answers, answer{text: answerText, upvotes: upvotes, order: len(q.answers)})
	}

	c := &Corpus{
		Variants: make(map[string]Variant),
		Synonyms: make(map[string][]string),
	}
	taken := make(map[string]bool)

	for _, q := range questions {
		if q.title == "" && q.body == "" {
			continue
		}
		intent := slugify(q.title)
		if intent == "" {
			intent = "q" + q.id
		}
		if taken[intent] {
			intent = intent + "_" + q.id
		}
		taken[intent] = true

		if q.title != "" {
			c.Examples = append(c.Examples, Example{Intent: intent, Text: q.title})
		}
		if q.body != "" && q.body != q.title {
			c.Examples = append(c.Examples, Example{Intent: intent, Text: q.body})
		}

		// Highest-voted answers first; input order breaks ties so the
		// conversion is reproducible.
		sort.SliceStable(q.answers, func(i, j int) bool {
			return q.answers[i].upvotes > q.answers[j].upvotes
		})

		var ids []string
		seen := make(map[string]bool)
		for _, a := range q.answers {
			if seen[a.text] {
				continue
			}
			seen[a.text] = true
			id := fmt.Sprintf("%s/%d", intent, len(ids))
			c.Variants[id] = Variant{ID: id, Intent: intent, Text: a.text}
			ids = append(ids, id)
		}
		c.Groups = append(c.Groups, Group{Intent: intent, VariantIDs: ids})
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// slugMaxWords bounds intent id length; titles are long questions.
const slugMaxWords = 6

// slugify derives an intent id from a question title: lowercase, ASCII
// letters and digits only, words joined by underscores, truncated.
func slugify(title string) string {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(title)) {
		var b strings.Builder
		for _, r := range w {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		if b.Len() > 0 {
			words = append(words, b.String())
		}
		if len(words) == slugMaxWords {
			break
		}
	}
	return strings.Join(words, "_")
}

var markupRE = regexp.MustCompile(`<[^>]*>`)

// asciiClean strips HTML markup, resolves entities, maps curly quotes and
// dashes to their ASCII forms, drops the remaining non-ASCII code points,
// and collapses whitespace. This is deliberately lighter than the engine's
// normalizer: answers keep their punctuation because they are displayed to
// users verbatim.
func asciiClean(s string) string {
	s = markupRE.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '‘', '’':
			b.WriteByte('\'')
		case '“', '”':
			b.WriteByte('"')
		case '–', '—':
			b.WriteByte('-')
		default:
			if r <= 127 {
				b.WriteRune(r)
			}
		}
	}
	s = strings.Join(strings.Fields(b.String()), " ")
	// A literal "](" would read back as an entity annotation.
	return strings.ReplaceAll(s, "](", "] (")
}

// WriteFile marshals a corpus back to the YAML layout understood by Load.
// Entity annotations are re-inlined into example texts.
func WriteFile(c *Corpus, path string) error {
	file := corpusFile{Version: 1, Entities: c.Entities, Responses: make(map[string][]variantFile)}

	byIntent := make(map[string][]string)
	for _, ex := range c.Examples {
		byIntent[ex.Intent] = append(byIntent[ex.Intent], annotate(ex))
	}
	for _, g := range c.Groups {
		file.NLU = append(file.NLU, nluBlock{Intent: g.Intent, Examples: byIntent[g.Intent]})
		var variants []variantFile
		for _, id := range g.VariantIDs {
			v := c.Variants[id]
			variants = append(variants, variantFile{ID: v.ID, Text: v.Text})
		}
		file.Responses[g.Intent] = variants
	}

	canonicals := make([]string, 0, len(c.Synonyms))
	for canonical := range c.Synonyms {
		canonicals = append(canonicals, canonical)
	}
	sort.Strings(canonicals)
	for _, canonical := range canonicals {
		file.Synonyms = append(file.Synonyms, synonymBlock{Canonical: canonical, Of: c.Synonyms[canonical]})
	}

	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshaling corpus: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing corpus: %w", err)
	}
	return nil
}

// annotate re-inserts [value](entity) markers into an example's text.
// Spans are non-overlapping and ordered by start offset by construction.
func annotate(ex Example) string {
	if len(ex.Entities) == 0 {
		return ex.Text
	}
	var b strings.Builder
	last := 0
	for _, sp := range ex.Entities {
		b.WriteString(ex.Text[last:sp.Start])
		fmt.Fprintf(&b, "[%s](%s)", ex.Text[sp.Start:sp.End], sp.Entity)
		last = sp.End
	}
	b.WriteString(ex.Text[last:])
	return b.String()
}
