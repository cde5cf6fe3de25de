// Package model defines the trained artifact bundle and its on-disk store.
// An Artifact is the complete frozen state inference needs: vocabulary,
// classifier and selector weights, cached variant embeddings, gazetteer,
// synonym table, response bank and decision thresholds. Artifacts are
// immutable values: a retrain produces a new one and the service swaps the
// pointer, never mutating in place.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/arnberg/confide/internal/corpus"
	"github.com/arnberg/confide/internal/feature"
	"github.com/arnberg/confide/internal/intent"
	"github.com/arnberg/confide/internal/policy"
	"github.com/arnberg/confide/internal/selector"
	"github.com/arnberg/confide/internal/synonym"
)

// ErrMismatch reports an artifact whose components disagree in dimension or
// whose format is not loadable. Inference must refuse to start on it.
var ErrMismatch = errors.New("artifact mismatch")

// Meta describes an artifact without its weights.
type Meta struct {
	ID            string    `json:"id"`
	FormatVersion int       `json:"format_version"`
	CreatedAt     time.Time `json:"created_at"`
	FeatureDim    int       `json:"feature_dim"`
	EmbedDim      int       `json:"embed_dim"`
	Intents       int       `json:"intents"`
	Variants      int       `json:"variants"`
	Examples      int       `json:"examples"`
}

// Artifact is one trained model. Read-only after construction; safe to share
// across concurrent inference calls.
type Artifact struct {
	Meta       Meta
	Vocab      *feature.Vocabulary
	Classifier *intent.Weights
	Selector   *selector.Weights
	Gazetteer  *intent.Gazetteer
	Synonyms   synonym.Table
	Groups     []corpus.Group
	Variants   map[string]corpus.Variant
	Thresholds policy.Thresholds
}

// Validate cross-checks every dimension and reference in the artifact.
// Any disagreement wraps ErrMismatch; Save refuses to persist an invalid
// artifact and Load refuses to return one.
func (a *Artifact) Validate() error {
	if a.Vocab == nil || a.Classifier == nil || a.Selector == nil {
		return fmt.Errorf("missing component: %w", ErrMismatch)
	}
	dim := a.Vocab.Dim()
	if a.Classifier.Dim != dim {
		return fmt.Errorf("classifier dimension %d, vocabulary %d: %w", a.Classifier.Dim, dim, ErrMismatch)
	}
	if a.Selector.Dim != dim {
		return fmt.Errorf("selector dimension %d, vocabulary %d: %w", a.Selector.Dim, dim, ErrMismatch)
	}
	if a.Meta.FeatureDim != dim {
		return fmt.Errorf("meta feature dimension %d, vocabulary %d: %w", a.Meta.FeatureDim, dim, ErrMismatch)
	}
	if a.Meta.EmbedDim != a.Selector.EmbedDim {
		return fmt.Errorf("meta embed dimension %d, selector %d: %w", a.Meta.EmbedDim, a.Selector.EmbedDim, ErrMismatch)
	}

	nc := len(a.Classifier.Classes)
	if len(a.Groups) != nc {
		return fmt.Errorf("%d classifier classes, %d groups: %w", nc, len(a.Groups), ErrMismatch)
	}
	if len(a.Classifier.W) != nc || len(a.Classifier.B) != nc || len(a.Classifier.Counts) != nc {
		return fmt.Errorf("classifier weight shapes disagree with class count %d: %w", nc, ErrMismatch)
	}
	for k, row := range a.Classifier.W {
		if len(row) != dim {
			return fmt.Errorf("classifier row %d has dimension %d, want %d: %w", k, len(row), dim, ErrMismatch)
		}
	}
	for i, g := range a.Groups {
		if a.Classifier.Classes[i] != g.Intent {
			return fmt.Errorf("class %d is %q but group %d is %q: %w", i, a.Classifier.Classes[i], i, g.Intent, ErrMismatch)
		}
	}

	if len(a.Selector.In) != a.Selector.EmbedDim || len(a.Selector.Out) != a.Selector.EmbedDim {
		return fmt.Errorf("selector projections disagree with embed dimension %d: %w", a.Selector.EmbedDim, ErrMismatch)
	}
	for r := 0; r < a.Selector.EmbedDim; r++ {
		if len(a.Selector.In[r]) != dim || len(a.Selector.Out[r]) != dim {
			return fmt.Errorf("selector projection row %d has wrong dimension: %w", r, ErrMismatch)
		}
	}

	for _, g := range a.Groups {
		for _, id := range g.VariantIDs {
			if _, ok := a.Variants[id]; !ok {
				return fmt.Errorf("group %q lists unknown variant %q: %w", g.Intent, id, ErrMismatch)
			}
			e, ok := a.Selector.Cands[id]
			if !ok {
				return fmt.Errorf("variant %q has no cached embedding: %w", id, ErrMismatch)
			}
			if len(e) != a.Selector.EmbedDim {
				return fmt.Errorf("embedding for %q has dimension %d, want %d: %w", id, len(e), a.Selector.EmbedDim, ErrMismatch)
			}
		}
	}

	return nil
}
