// Package pipeline wires the inference stages into one deterministic pass
// and fits complete model artifacts from a corpus. A Pipeline is a frozen
// view over one artifact; Handle never mutates shared state, so any number
// of goroutines may call it on the same Pipeline concurrently.
package pipeline

import (
	"fmt"

	"github.com/arnberg/confide/internal/feature"
	"github.com/arnberg/confide/internal/intent"
	"github.com/arnberg/confide/internal/model"
	"github.com/arnberg/confide/internal/policy"
	"github.com/arnberg/confide/internal/text"
)

// Pipeline runs inference against one frozen model artifact.
type Pipeline struct {
	art *model.Artifact
}

// New wraps a validated artifact. It refuses artifacts whose components
// disagree, so a Pipeline never serves from a broken model.
func New(a *model.Artifact) (*Pipeline, error) {
	if a == nil {
		return nil, fmt.Errorf("pipeline: nil artifact")
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return &Pipeline{art: a}, nil
}

// Artifact returns the frozen model behind this pipeline.
func (p *Pipeline) Artifact() *model.Artifact { return p.art }

// Result is the complete outcome of one inference pass.
type Result struct {
	Normalized          string          `json:"normalized"`
	Intent              string          `json:"intent"`
	IntentConfidence    float64         `json:"intent_confidence"`
	Ranking             []intent.Score  `json:"ranking"`
	Entities            []intent.Entity `json:"entities,omitempty"`
	VariantID           string          `json:"variant_id"`
	SelectionConfidence float64         `json:"selection_confidence"`
	Action              policy.Action   `json:"action"`
	Response            string          `json:"response"`
}

// Handle runs the full pass over one raw utterance: normalize, featurize,
// classify, extract and resolve entities, select a response variant for the
// winning intent, and decide between emitting it and falling back. It is
// total: any input, including empty or garbage text, produces a Result.
// Identical inputs produce identical Results on the same Pipeline.
func (p *Pipeline) Handle(raw string) Result {
	a := p.art

	norm := text.Normalize(raw)
	vec := feature.Extract(norm, a.Vocab)

	ranking := a.Classifier.Predict(vec)
	best := a.Classifier.Best(ranking)

	entities := a.Gazetteer.Find(norm)
	for i := range entities {
		entities[i].Resolved = a.Synonyms.Resolve(entities[i].Value)
	}

	res := Result{
		Normalized:       norm,
		Intent:           best.Intent,
		IntentConfidence: best.Prob,
		Ranking:          ranking,
		Entities:         entities,
	}

	var ids []string
	for _, g := range a.Groups {
		if g.Intent == best.Intent {
			ids = g.VariantIDs
			break
		}
	}
	res.VariantID, res.SelectionConfidence = a.Selector.Select(vec, ids)
	res.Action = policy.Decide(res.IntentConfidence, res.SelectionConfidence, a.Thresholds)
	if res.Action == policy.Emit {
		res.Response = a.Variants[res.VariantID].Text
	} else {
		res.Response = a.Thresholds.FallbackText
	}
	return res
}
