package feature

import (
	"encoding/json"
	"math"
	"testing"
)

func testConfig() Config {
	return Config{
		MinTokenFreq: 1,
		CountCap:     3,
		CharNgramMin: 1,
		CharNgramMax: 4,
		Patterns: []PatternSpec{
			{Name: "question", Expr: `\?`},
			{Name: "number", Expr: `[0-9]`},
		},
	}
}

func buildVocab(t *testing.T, cfg Config, texts ...string) *Vocabulary {
	t.Helper()
	b := NewBuilder(cfg)
	for _, s := range texts {
		b.Add(s)
	}
	v, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return v
}

func TestBuildAssignsSortedIndices(t *testing.T) {
	v := buildVocab(t, Config{MinTokenFreq: 1, CountCap: 3, CharNgramMin: 2, CharNgramMax: 2},
		"beta alpha", "alpha gamma")

	// Lexicographic order, columns starting at 1 (0 is the unknown bucket).
	want := map[string]int{"alpha": 1, "beta": 2, "gamma": 3}
	for tok, idx := range want {
		if v.Words[tok] != idx {
			t.Errorf("Words[%q] = %d, want %d", tok, v.Words[tok], idx)
		}
	}
}

func TestBuildMinFrequency(t *testing.T) {
	cfg := testConfig()
	cfg.MinTokenFreq = 2
	v := buildVocab(t, cfg, "sad sad lonely", "sad happy")

	if _, ok := v.Words["sad"]; !ok {
		t.Error("token above min frequency missing from vocabulary")
	}
	if _, ok := v.Words["lonely"]; ok {
		t.Error("token below min frequency kept in vocabulary")
	}
}

func TestBuildEmptyVocabulary(t *testing.T) {
	b := NewBuilder(testConfig())
	if _, err := b.Build(); err == nil {
		t.Fatal("Build on empty corpus: want error, got nil")
	}
}

func TestExtractDeterministic(t *testing.T) {
	v := buildVocab(t, testConfig(), "why does my partner ignore me?", "how to stop feeling sad")

	in := "why is my partner sad?"
	a := Extract(in, v)
	b := Extract(in, v)
	if len(a) != v.Dim() {
		t.Fatalf("vector length = %d, want %d", len(a), v.Dim())
	}
	for i := range a {
		if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
			t.Fatalf("vectors differ at column %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestExtractOOVNeverFails(t *testing.T) {
	v := buildVocab(t, testConfig(), "my husband left me")

	vec := Extract("zzqx flumph blorp", v)
	if len(vec) != v.Dim() {
		t.Fatalf("vector length = %d, want %d", len(vec), v.Dim())
	}
	// Unknown words land in the reserved bucket at column 0.
	if vec[0] == 0 {
		t.Error("OOV tokens did not count into the unknown bucket")
	}
}

func TestExtractCountCap(t *testing.T) {
	cfg := testConfig()
	v := buildVocab(t, cfg, "sad day")

	once := Extract("sad", v)
	many := Extract("sad sad sad sad sad sad sad sad", v)

	col := v.Words["sad"]
	if once[col] == 0 || many[col] == 0 {
		t.Fatal("expected nonzero counts for in-vocabulary token")
	}
	// The dense token-count column is never clipped, so the ratio of the
	// word column to it cancels the final normalization. Without clipping
	// both inputs would give the same ratio; with the cap at 3, eight
	// repetitions must give a strictly smaller one.
	denseCol := v.Dim() - denseDim
	ratioOnce := once[col] / once[denseCol]
	ratioMany := many[col] / many[denseCol]
	if ratioMany >= ratioOnce-1e-9 {
		t.Errorf("count cap not applied: ratio once %v, ratio many %v", ratioOnce, ratioMany)
	}
}

func TestExtractPatternColumns(t *testing.T) {
	v := buildVocab(t, testConfig(), "am i depressed?")
	patBase := v.wordDim() + v.charDim()

	withQ := Extract("am i depressed?", v)
	withoutQ := Extract("am i depressed", v)
	if withQ[patBase] == 0 {
		t.Error("question pattern column zero for text containing '?'")
	}
	if withoutQ[patBase] != 0 {
		t.Error("question pattern column nonzero for text without '?'")
	}

	withNum := Extract("married 12 years", v)
	if withNum[patBase+1] == 0 {
		t.Error("number pattern column zero for text containing digits")
	}
}

func TestExtractEmptyInput(t *testing.T) {
	v := buildVocab(t, testConfig(), "hello there")
	vec := Extract("", v)
	for i, x := range vec {
		if x != 0 {
			t.Errorf("empty input produced nonzero column %d = %v", i, x)
		}
	}
}

func TestExtractCharGramsStayInWords(t *testing.T) {
	cfg := Config{MinTokenFreq: 1, CountCap: 3, CharNgramMin: 4, CharNgramMax: 4}
	v := buildVocab(t, cfg, "ab cd")

	// No 4-gram fits inside "ab" or "cd", and grams never span the space,
	// so the char section must contain only the unknown bucket.
	if len(v.Chars) != 0 {
		t.Errorf("char vocabulary = %v, want empty (grams must not span word boundaries)", v.Chars)
	}
}

func TestVocabularyRoundTrip(t *testing.T) {
	v := buildVocab(t, testConfig(), "why does my partner ignore me?", "i feel sad at night")

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Vocabulary
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := back.Compile(); err != nil {
		t.Fatalf("compile after load: %v", err)
	}
	if back.Dim() != v.Dim() {
		t.Fatalf("Dim after round trip = %d, want %d", back.Dim(), v.Dim())
	}

	in := "why do i feel sad?"
	a := Extract(in, v)
	b := Extract(in, &back)
	for i := range a {
		if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
			t.Fatalf("vectors differ at column %d after vocabulary round trip", i)
		}
	}
}
