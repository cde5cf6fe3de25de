package config

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arnberg/confide/internal/feature"
	"github.com/arnberg/confide/internal/intent"
	"github.com/arnberg/confide/internal/pipeline"
	"github.com/arnberg/confide/internal/policy"
	"github.com/arnberg/confide/internal/selector"
)

// stageOrder is the only composition the engine runs. The pipeline section
// exists so the chain and its hyperparameters are reviewable data; a file
// that declares a different chain is rejected, not reinterpreted.
var stageOrder = []string{"normalizer", "featurizer", "classifier", "selector", "policy"}

// PipelineConfig holds the per-stage options after parsing. The normalizer
// takes none.
type PipelineConfig struct {
	Featurizer FeaturizerConfig
	Classifier ClassifierConfig
	Selector   SelectorConfig
	Policy     PolicyConfig
}

type FeaturizerConfig struct {
	MinTokenFreq int             `yaml:"min_token_freq"`
	CountCap     float64         `yaml:"count_cap"`
	CharNgramMin int             `yaml:"char_ngram_min"`
	CharNgramMax int             `yaml:"char_ngram_max"`
	Patterns     []PatternConfig `yaml:"patterns"`
}

type PatternConfig struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

type ClassifierConfig struct {
	Epochs          int     `yaml:"epochs"`
	LearningRate    float64 `yaml:"learning_rate"`
	L2              float64 `yaml:"l2"`
	AmbiguityMargin float64 `yaml:"ambiguity_margin"`
	Seed            int64   `yaml:"seed"`
}

type SelectorConfig struct {
	EmbedDim     int     `yaml:"embed_dim"`
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
	Seed         int64   `yaml:"seed"`
}

type PolicyConfig struct {
	IntentThreshold    float64 `yaml:"intent_threshold"`
	SelectionThreshold float64 `yaml:"selection_threshold"`
	Fallback           string  `yaml:"fallback"`
}

func defaultPipeline() PipelineConfig {
	return PipelineConfig{
		Featurizer: FeaturizerConfig{
			MinTokenFreq: 1,
			CountCap:     3,
			CharNgramMin: 1,
			CharNgramMax: 4,
			Patterns: []PatternConfig{
				{Name: "question", Expr: `\?`},
				{Name: "negation", Expr: `\b(no|not|never|cant|cannot|dont|wont)\b`},
			},
		},
		Classifier: ClassifierConfig{Epochs: 40, LearningRate: 0.3, L2: 1e-4, AmbiguityMargin: 0.05, Seed: 1},
		Selector:   SelectorConfig{EmbedDim: 24, Epochs: 80, LearningRate: 0.15, Seed: 1},
	}
}

// parsePipeline decodes the ordered stage list over the defaults in pc. An
// absent section keeps the default chain; a present one must declare every
// stage exactly once, in order.
func parsePipeline(nodes []yaml.Node, pc *PipelineConfig) error {
	if len(nodes) == 0 {
		return nil
	}
	if len(nodes) != len(stageOrder) {
		return &Error{
			Field:  "pipeline",
			Reason: fmt.Sprintf("%d stages declared, want %s", len(nodes), strings.Join(stageOrder, ", ")),
		}
	}

	for i := range nodes {
		name, opts, err := stageEntry(&nodes[i])
		if err != nil {
			return err
		}
		if !knownStage(name) {
			return &Error{Field: "pipeline", Reason: fmt.Sprintf("unknown stage %q", name)}
		}
		if name != stageOrder[i] {
			return &Error{
				Field:  "pipeline",
				Reason: fmt.Sprintf("stage %d is %q, want %q", i+1, name, stageOrder[i]),
			}
		}

		field := "pipeline." + name
		switch name {
		case "normalizer":
			if opts != nil && len(opts.Content) > 0 {
				return &Error{Field: field, Reason: "stage takes no options"}
			}
		case "featurizer":
			err = decodeStage(field, opts, &pc.Featurizer)
		case "classifier":
			err = decodeStage(field, opts, &pc.Classifier)
		case "selector":
			err = decodeStage(field, opts, &pc.Selector)
		case "policy":
			err = decodeStage(field, opts, &pc.Policy)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// stageEntry accepts either a bare stage name or a single-key mapping from
// the name to its options.
func stageEntry(n *yaml.Node) (string, *yaml.Node, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return n.Value, nil, nil
	case yaml.MappingNode:
		if len(n.Content) != 2 {
			return "", nil, &Error{Field: "pipeline", Reason: "each entry declares exactly one stage"}
		}
		return n.Content[0].Value, n.Content[1], nil
	default:
		return "", nil, &Error{Field: "pipeline", Reason: "each entry is a stage name or a single-key mapping"}
	}
}

func knownStage(name string) bool {
	for _, s := range stageOrder {
		if s == name {
			return true
		}
	}
	return false
}

// decodeStage strictly decodes a stage's options over its defaults, so
// unknown option keys are rejected and omitted ones keep their default.
func decodeStage(field string, opts *yaml.Node, out any) error {
	if opts == nil || len(opts.Content) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(opts)
	if err != nil {
		return &Error{Field: field, Reason: err.Error()}
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return &Error{Field: field, Reason: err.Error()}
	}
	return nil
}

func (pc PipelineConfig) validate() error {
	f := pc.Featurizer
	if f.MinTokenFreq < 1 {
		return &Error{Field: "pipeline.featurizer.min_token_freq", Reason: "must be at least 1"}
	}
	if f.CountCap <= 0 {
		return &Error{Field: "pipeline.featurizer.count_cap", Reason: "must be positive"}
	}
	if f.CharNgramMin < 1 || f.CharNgramMax < f.CharNgramMin {
		return &Error{Field: "pipeline.featurizer.char_ngram_min", Reason: "need 1 <= min <= max"}
	}
	names := make(map[string]bool, len(f.Patterns))
	for _, p := range f.Patterns {
		if p.Name == "" {
			return &Error{Field: "pipeline.featurizer.patterns", Reason: "pattern without a name"}
		}
		if names[p.Name] {
			return &Error{Field: "pipeline.featurizer.patterns", Reason: fmt.Sprintf("duplicate pattern %q", p.Name)}
		}
		names[p.Name] = true
		if _, err := regexp.Compile(p.Expr); err != nil {
			return &Error{Field: "pipeline.featurizer.patterns", Reason: fmt.Sprintf("pattern %q: %v", p.Name, err)}
		}
	}

	c := pc.Classifier
	if c.Epochs < 1 {
		return &Error{Field: "pipeline.classifier.epochs", Reason: "must be at least 1"}
	}
	if c.LearningRate <= 0 {
		return &Error{Field: "pipeline.classifier.learning_rate", Reason: "must be positive"}
	}
	if c.L2 < 0 {
		return &Error{Field: "pipeline.classifier.l2", Reason: "must not be negative"}
	}
	if c.AmbiguityMargin < 0 || c.AmbiguityMargin >= 1 {
		return &Error{Field: "pipeline.classifier.ambiguity_margin", Reason: "must be in [0, 1)"}
	}

	s := pc.Selector
	if s.EmbedDim < 1 {
		return &Error{Field: "pipeline.selector.embed_dim", Reason: "must be at least 1"}
	}
	if s.Epochs < 1 {
		return &Error{Field: "pipeline.selector.epochs", Reason: "must be at least 1"}
	}
	if s.LearningRate <= 0 {
		return &Error{Field: "pipeline.selector.learning_rate", Reason: "must be positive"}
	}

	p := pc.Policy
	if p.IntentThreshold < 0 || p.IntentThreshold > 1 {
		return &Error{Field: "pipeline.policy.intent_threshold", Reason: "must be in [0, 1]"}
	}
	if p.SelectionThreshold < 0 || p.SelectionThreshold > 1 {
		return &Error{Field: "pipeline.policy.selection_threshold", Reason: "must be in [0, 1]"}
	}
	if (p.IntentThreshold > 0 || p.SelectionThreshold > 0) && p.Fallback == "" {
		return &Error{Field: "pipeline.policy.fallback", Reason: "thresholds set but no fallback text"}
	}
	return nil
}

func (pc PipelineConfig) settings() pipeline.Settings {
	patterns := make([]feature.PatternSpec, len(pc.Featurizer.Patterns))
	for i, p := range pc.Featurizer.Patterns {
		patterns[i] = feature.PatternSpec{Name: p.Name, Expr: p.Expr}
	}
	return pipeline.Settings{
		Feature: feature.Config{
			MinTokenFreq: pc.Featurizer.MinTokenFreq,
			CountCap:     pc.Featurizer.CountCap,
			CharNgramMin: pc.Featurizer.CharNgramMin,
			CharNgramMax: pc.Featurizer.CharNgramMax,
			Patterns:     patterns,
		},
		Intent: intent.Config{
			Epochs:          pc.Classifier.Epochs,
			LearningRate:    pc.Classifier.LearningRate,
			L2:              pc.Classifier.L2,
			AmbiguityMargin: pc.Classifier.AmbiguityMargin,
			Seed:            pc.Classifier.Seed,
		},
		Selector: selector.Config{
			EmbedDim:     pc.Selector.EmbedDim,
			Epochs:       pc.Selector.Epochs,
			LearningRate: pc.Selector.LearningRate,
			Seed:         pc.Selector.Seed,
		},
		Thresholds: policy.Thresholds{
			Intent:       pc.Policy.IntentThreshold,
			Selection:    pc.Policy.SelectionThreshold,
			FallbackText: pc.Policy.Fallback,
		},
	}
}
