package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/arnberg/confide/internal/corpus"
	"github.com/arnberg/confide/internal/feature"
	"github.com/arnberg/confide/internal/intent"
	"github.com/arnberg/confide/internal/model"
	"github.com/arnberg/confide/internal/policy"
	"github.com/arnberg/confide/internal/selector"
	"github.com/arnberg/confide/internal/synonym"
	"github.com/arnberg/confide/internal/text"
)

// Settings aggregates the per-stage hyperparameters for one training run.
// internal/config produces a validated Settings from the YAML file.
type Settings struct {
	Feature    feature.Config
	Intent     intent.Config
	Selector   selector.Config
	Thresholds policy.Thresholds
}

// Train fits a complete artifact from a corpus: it validates the corpus,
// builds the vocabulary over example and answer texts, featurizes both
// sides, then fits the classifier and the selector concurrently. Weights
// are bit-for-bit reproducible for identical corpus and settings; only the
// artifact id and timestamp differ between runs.
func Train(ctx context.Context, c *corpus.Corpus, s Settings) (*model.Artifact, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	// Normalize once up front so the vocabulary and every feature vector
	// see exactly the text inference will see.
	exTexts := make([]string, len(c.Examples))
	for i, ex := range c.Examples {
		exTexts[i] = text.Normalize(ex.Text)
	}

	classes := make([]string, len(c.Groups))
	classIndex := make(map[string]int, len(c.Groups))
	for i, g := range c.Groups {
		classes[i] = g.Intent
		classIndex[g.Intent] = i
	}

	var variantIDs []string
	for _, g := range c.Groups {
		variantIDs = append(variantIDs, g.VariantIDs...)
	}
	varTexts := make([]string, len(variantIDs))
	for i, id := range variantIDs {
		varTexts[i] = text.Normalize(c.Variants[id].Text)
	}

	b := feature.NewBuilder(s.Feature)
	for _, t := range exTexts {
		b.Add(t)
	}
	for _, t := range varTexts {
		b.Add(t)
	}
	vocab, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("building vocabulary: %w", err)
	}

	exVecs, err := featurize(ctx, exTexts, vocab)
	if err != nil {
		return nil, err
	}
	varVecs, err := featurize(ctx, varTexts, vocab)
	if err != nil {
		return nil, err
	}

	labels := make([]int, len(c.Examples))
	for i, ex := range c.Examples {
		labels[i] = classIndex[ex.Intent]
	}

	cands := make([]selector.Candidate, len(variantIDs))
	candIndex := make(map[string]int, len(variantIDs))
	for i, id := range variantIDs {
		cands[i] = selector.Candidate{ID: id, Group: c.Variants[id].Intent, Vec: varVecs[i]}
		candIndex[id] = i
	}

	// Every example trains toward each answer of its own intent, and every
	// answer also retrieves itself. The self pairs anchor the output side:
	// feeding an answer's own text back in must find that answer.
	var pairs []selector.Pair
	for i, ex := range c.Examples {
		g, _ := c.GroupFor(ex.Intent)
		for _, id := range g.VariantIDs {
			pairs = append(pairs, selector.Pair{Vec: exVecs[i], Variant: candIndex[id]})
		}
	}
	for i := range cands {
		pairs = append(pairs, selector.Pair{Vec: cands[i].Vec, Variant: i})
	}

	var (
		cw *intent.Weights
		sw *selector.Weights
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w, err := intent.Train(exVecs, labels, classes, s.Intent)
		if err != nil {
			return fmt.Errorf("training classifier: %w", err)
		}
		cw = w
		return nil
	})
	g.Go(func() error {
		w, err := selector.Train(pairs, cands, s.Selector)
		if err != nil {
			return fmt.Errorf("training selector: %w", err)
		}
		sw = w
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := gCtx.Err(); err != nil {
		return nil, err
	}

	a := &model.Artifact{
		Meta: model.Meta{
			ID:         uuid.NewString(),
			CreatedAt:  time.Now().UTC(),
			FeatureDim: vocab.Dim(),
			EmbedDim:   sw.EmbedDim,
			Intents:    len(classes),
			Variants:   len(variantIDs),
			Examples:   len(c.Examples),
		},
		Vocab:      vocab,
		Classifier: cw,
		Selector:   sw,
		Gazetteer:  intent.NewGazetteer(annotatedSurfaces(c)),
		Synonyms:   synonym.New(c.Synonyms),
		Groups:     c.Groups,
		Variants:   c.Variants,
		Thresholds: s.Thresholds,
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// featurize extracts vectors for a batch of normalized texts. Extraction
// against a frozen vocabulary is independent per text, so the work fans out
// across cores; results land by index and the output order never depends on
// scheduling.
func featurize(ctx context.Context, texts []string, v *feature.Vocabulary) ([][]float64, error) {
	vecs := make([][]float64, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, t := range texts {
		i, t := i, t
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			vecs[i] = feature.Extract(t, v)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("featurizing: %w", err)
	}
	return vecs, nil
}

// annotatedSurfaces collects every annotated entity surface form, normalized
// the way inference text is. When one surface is annotated with two entity
// names the lexicographically-first name wins, matching the gazetteer's own
// conflict rule.
func annotatedSurfaces(c *corpus.Corpus) map[string]string {
	surfaces := make(map[string]string)
	for _, ex := range c.Examples {
		for _, sp := range ex.Entities {
			surface := sp.Value
			if surface == "" && sp.Start >= 0 && sp.End <= len(ex.Text) && sp.Start < sp.End {
				surface = ex.Text[sp.Start:sp.End]
			}
			key := text.Normalize(surface)
			if key == "" {
				continue
			}
			if prev, ok := surfaces[key]; ok && prev <= sp.Entity {
				continue
			}
			surfaces[key] = sp.Entity
		}
	}
	return surfaces
}
