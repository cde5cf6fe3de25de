package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadPath(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Server.MCPPort != 4101 {
		t.Errorf("Server.MCPPort = %d, want 4101", cfg.Server.MCPPort)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Pipeline.Featurizer.CharNgramMin != 1 || cfg.Pipeline.Featurizer.CharNgramMax != 4 {
		t.Errorf("featurizer n-gram bounds = [%d, %d], want [1, 4]",
			cfg.Pipeline.Featurizer.CharNgramMin, cfg.Pipeline.Featurizer.CharNgramMax)
	}
	if len(cfg.Pipeline.Featurizer.Patterns) != 2 {
		t.Errorf("default patterns = %d, want 2", len(cfg.Pipeline.Featurizer.Patterns))
	}
	if cfg.Pipeline.Policy.IntentThreshold != 0 || cfg.Pipeline.Policy.SelectionThreshold != 0 {
		t.Error("default thresholds should be zero (always answer)")
	}
	if !strings.HasSuffix(cfg.ModelPath(), filepath.Join("confide", "model.db")) {
		t.Errorf("ModelPath = %q", cfg.ModelPath())
	}
	if cfg.CorpusPath() != filepath.Join(cfg.Storage.DataDir, "corpus.yml") {
		t.Errorf("CorpusPath = %q", cfg.CorpusPath())
	}
}

func TestFileOverridesMergeWithDefaults(t *testing.T) {
	path := writeTempConfig(t, `version: 1
server:
  port: 5000
log:
  level: debug
pipeline:
  - normalizer
  - featurizer:
      min_token_freq: 2
      char_ngram_max: 5
  - classifier:
      epochs: 10
      seed: 99
  - selector:
      embed_dim: 8
  - policy:
      intent_threshold: 0.4
      selection_threshold: 0.3
      fallback: "Let me find someone who can help."
`)
	cfg, err := LoadPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Server.MCPPort != 4101 {
		t.Errorf("Server.MCPPort = %d, want the default 4101", cfg.Server.MCPPort)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}

	f := cfg.Pipeline.Featurizer
	if f.MinTokenFreq != 2 || f.CharNgramMax != 5 {
		t.Errorf("featurizer overrides not applied: %+v", f)
	}
	if f.CountCap != 3 || f.CharNgramMin != 1 {
		t.Errorf("featurizer defaults lost: %+v", f)
	}
	if cfg.Pipeline.Classifier.Epochs != 10 || cfg.Pipeline.Classifier.Seed != 99 {
		t.Errorf("classifier overrides not applied: %+v", cfg.Pipeline.Classifier)
	}
	if cfg.Pipeline.Classifier.LearningRate != 0.3 {
		t.Errorf("classifier defaults lost: %+v", cfg.Pipeline.Classifier)
	}
	if cfg.Pipeline.Selector.EmbedDim != 8 || cfg.Pipeline.Selector.Epochs != 80 {
		t.Errorf("selector merge wrong: %+v", cfg.Pipeline.Selector)
	}
	if cfg.Pipeline.Policy.Fallback == "" {
		t.Error("policy fallback not applied")
	}

	s := cfg.Settings()
	if s.Intent.Epochs != 10 || s.Selector.EmbedDim != 8 || s.Thresholds.Intent != 0.4 {
		t.Errorf("Settings conversion wrong: %+v", s)
	}
	if len(s.Feature.Patterns) != 2 {
		t.Errorf("Settings dropped patterns: %+v", s.Feature.Patterns)
	}
}

func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `version: 1
server:
  port: 5000
`)
	t.Setenv("CONFIDE_SERVER_PORT", "6000")
	t.Setenv("CONFIDE_LOG_LEVEL", "warn")
	t.Setenv("CONFIDE_API_TOKEN", "sekrit")

	cfg, err := LoadPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want env override 6000", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
	if cfg.Server.APIToken != "sekrit" {
		t.Errorf("APIToken not taken from env")
	}
}

func TestEnvOverrideBadIntKeepsValue(t *testing.T) {
	path := writeTempConfig(t, `version: 1
server:
  port: 5000
`)
	t.Setenv("CONFIDE_SERVER_PORT", "not-a-number")

	cfg, err := LoadPath(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want the file value 5000", cfg.Server.Port)
	}
}

func TestPipelineValidation(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name: "wrong order",
			yaml: `version: 1
pipeline: [normalizer, classifier, featurizer, selector, policy]
`,
			field: "pipeline",
		},
		{
			name: "duplicate stage",
			yaml: `version: 1
pipeline: [normalizer, featurizer, featurizer, selector, policy]
`,
			field: "pipeline",
		},
		{
			name: "unknown stage",
			yaml: `version: 1
pipeline: [normalizer, featurizer, classifier, reranker, policy]
`,
			field: "pipeline",
		},
		{
			name: "missing stage",
			yaml: `version: 1
pipeline: [normalizer, featurizer, classifier, selector]
`,
			field: "pipeline",
		},
		{
			name: "normalizer with options",
			yaml: `version: 1
pipeline:
  - normalizer:
      lowercase: true
  - featurizer
  - classifier
  - selector
  - policy
`,
			field: "pipeline.normalizer",
		},
		{
			name: "unknown stage option",
			yaml: `version: 1
pipeline:
  - normalizer
  - featurizer:
      stemming: true
  - classifier
  - selector
  - policy
`,
			field: "pipeline.featurizer",
		},
		{
			name: "bad pattern regex",
			yaml: `version: 1
pipeline:
  - normalizer
  - featurizer:
      patterns:
        - name: broken
          expr: "("
  - classifier
  - selector
  - policy
`,
			field: "pipeline.featurizer.patterns",
		},
		{
			name: "ngram bounds inverted",
			yaml: `version: 1
pipeline:
  - normalizer
  - featurizer:
      char_ngram_min: 5
      char_ngram_max: 2
  - classifier
  - selector
  - policy
`,
			field: "pipeline.featurizer.char_ngram_min",
		},
		{
			name: "thresholds without fallback",
			yaml: `version: 1
pipeline:
  - normalizer
  - featurizer
  - classifier
  - selector
  - policy:
      intent_threshold: 0.5
`,
			field: "pipeline.policy.fallback",
		},
		{
			name: "bad log level",
			yaml: `version: 1
log:
  level: loud
`,
			field: "log.level",
		},
		{
			name: "port collision",
			yaml: `version: 1
server:
  port: 4100
  mcp_port: 4100
`,
			field: "server.mcp_port",
		},
		{
			name:  "unsupported version",
			yaml:  "version: 2\n",
			field: "version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempConfig(t, tt.yaml)
			_, err := LoadPath(path)
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("LoadPath = %v, want a config error", err)
			}
			if cerr.Field != tt.field {
				t.Errorf("error field = %q, want %q (%v)", cerr.Field, tt.field, cerr)
			}
		})
	}
}

func TestUnknownTopLevelKeyRejected(t *testing.T) {
	path := writeTempConfig(t, "version: 1\nretrieval:\n  top_k: 5\n")
	if _, err := LoadPath(path); err == nil {
		t.Fatal("unknown top-level key accepted")
	}
}

func TestSetKeyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")

	if err := SetKey(path, "server.port", "7777"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if err := SetKey(path, "log.level", "debug"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	cfg, err := LoadPath(path)
	if err != nil {
		t.Fatalf("LoadPath after SetKey: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}

	if err := SetKey(path, "server.port", "eight"); err == nil {
		t.Error("SetKey accepted a non-integer port")
	}
	if err := SetKey(path, "server.api_token", "x"); err == nil {
		t.Error("SetKey accepted a secret key")
	}
	if err := SetKey(path, "no.such.key", "x"); err == nil {
		t.Error("SetKey accepted an unknown key")
	}
}

func TestShowAllOmitsSecrets(t *testing.T) {
	cfg, err := LoadPath(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatal(err)
	}
	for _, info := range ShowAll(cfg) {
		if info.Key == "server.api_token" {
			t.Fatal("ShowAll leaked the API token key")
		}
		if info.EnvVar == "" {
			t.Errorf("key %s has no env var", info.Key)
		}
	}
	if got := len(ShowAll(cfg)); got != 5 {
		t.Errorf("ShowAll returned %d keys, want 5", got)
	}
}
