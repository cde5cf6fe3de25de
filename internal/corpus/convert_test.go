package corpus

import (
	"path/filepath"
	"strings"
	"testing"
)

const sampleCSV = `questionID,questionTitle,questionText,topic,answerText,upvotes
7,Do I have too many issues for counseling?,"I have so many issues to address. Is counseling even possible?",depression,"It is absolutely possible. Having more than one issue is the norm, not the exception.",3
7,Do I have too many issues for counseling?,"I have so many issues to address. Is counseling even possible?",depression,"No one has too many issues for counseling.",9
12,My spouse walked out on me,"After 14 years my spouse left without warning. I can't eat or sleep.",relationships,"What you are feeling is grief, and grief takes time.",2
12,My spouse walked out on me,"After 14 years my spouse left without warning. I can't eat or sleep.",relationships,"What you are feeling is grief, and grief takes time.",2
31,,"Why do I cry at night for no reason?",depression,"Crying without an obvious trigger is often stored stress finding a way out.",0
`

func TestConvert(t *testing.T) {
	c, err := Convert(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}

	if len(c.Groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(c.Groups))
	}

	// Title slugs become intent ids; a title-less question falls back to
	// its question id.
	wantIntents := []string{"do_i_have_too_many_issues", "my_spouse_walked_out_on_me", "q31"}
	for i, g := range c.Groups {
		if g.Intent != wantIntents[i] {
			t.Errorf("group[%d].Intent = %q, want %q", i, g.Intent, wantIntents[i])
		}
	}

	// Title and body are separate examples of the same intent.
	var issues []string
	for _, ex := range c.Examples {
		if ex.Intent == "do_i_have_too_many_issues" {
			issues = append(issues, ex.Text)
		}
	}
	if len(issues) != 2 {
		t.Fatalf("examples for first intent = %d, want title + body", len(issues))
	}

	// Variants ordered by upvotes descending.
	first := c.Groups[0]
	if len(first.VariantIDs) != 2 {
		t.Fatalf("variants for first intent = %d, want 2", len(first.VariantIDs))
	}
	top := c.Variants[first.VariantIDs[0]]
	if !strings.HasPrefix(top.Text, "No one has too many issues") {
		t.Errorf("top variant = %q, want the 9-upvote answer first", top.Text)
	}

	// Duplicate answers collapse to one variant.
	second := c.Groups[1]
	if len(second.VariantIDs) != 1 {
		t.Errorf("variants for duplicated answer = %d, want 1", len(second.VariantIDs))
	}
}

func TestConvertScrubsText(t *testing.T) {
	csv := "questionID,questionTitle,answerText\n" +
		"1,Why am I so sad café every day,\"Feelings   of sadness are common.\"\n"
	c, err := Convert(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	v := c.Variants[c.Groups[0].VariantIDs[0]]
	if strings.ContainsAny(v.Text, " é") {
		t.Errorf("answer not scrubbed: %q", v.Text)
	}
	if strings.Contains(v.Text, "  ") {
		t.Errorf("whitespace not collapsed: %q", v.Text)
	}
}

func TestConvertStripsMarkup(t *testing.T) {
	csv := "questionID,questionTitle,answerText\n" +
		"1,Fish or chips,\"<p>Fish &amp; chips. It isn’t an either–or.</p>\"\n"
	c, err := Convert(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	v := c.Variants[c.Groups[0].VariantIDs[0]]
	want := "Fish & chips. It isn't an either-or."
	if v.Text != want {
		t.Errorf("answer = %q, want %q", v.Text, want)
	}
}

func TestConvertMissingColumn(t *testing.T) {
	_, err := Convert(strings.NewReader("questionTitle,answerText\nx,y\n"))
	if err == nil || !strings.Contains(err.Error(), "questionid") {
		t.Fatalf("err = %v, want missing column error", err)
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	orig := loadString(t, validCorpus)

	path := filepath.Join(t.TempDir(), "corpus.yml")
	if err := WriteFile(orig, path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	back, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if len(back.Groups) != len(orig.Groups) {
		t.Fatalf("groups after round trip = %d, want %d", len(back.Groups), len(orig.Groups))
	}
	for i, g := range orig.Groups {
		bg := back.Groups[i]
		if bg.Intent != g.Intent {
			t.Errorf("group[%d] = %q, want %q", i, bg.Intent, g.Intent)
		}
		if strings.Join(bg.VariantIDs, ",") != strings.Join(g.VariantIDs, ",") {
			t.Errorf("variant ids for %s = %v, want %v", g.Intent, bg.VariantIDs, g.VariantIDs)
		}
	}
	if len(back.Examples) != len(orig.Examples) {
		t.Fatalf("examples after round trip = %d, want %d", len(back.Examples), len(orig.Examples))
	}
	// Annotations survive the round trip.
	if len(back.Examples[0].Entities) != 1 || back.Examples[0].Entities[0].Value != "husband" {
		t.Errorf("entities after round trip = %+v", back.Examples[0].Entities)
	}
	if back.Variants["feeling_anxious/calm"].Text != orig.Variants["feeling_anxious/calm"].Text {
		t.Error("variant text changed across round trip")
	}
}
