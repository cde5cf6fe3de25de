// Package selector ranks the curated answer variants of one intent against
// an input utterance. It is a dual-embedding retrieval model: one linear map
// embeds the input's feature vector, another embeds each variant's canonical
// answer text, and cosine similarity between the two sides scores a
// candidate. Variant embeddings are computed once at training time and
// cached in the model artifact, so inference does one projection and a
// handful of dot products.
package selector

import (
	"fmt"
	"math"
	"math/rand"
)

// negSamples bounds how many other-group variants each training pair is
// contrasted against per step.
const negSamples = 10

// initScale bounds the random weight initialization. Zero init would leave
// both projections at a saddle point where every gradient vanishes.
const initScale = 0.1

// Config holds the selector training hyperparameters.
type Config struct {
	EmbedDim     int
	Epochs       int
	LearningRate float64
	Seed         int64
}

// Pair is one training example: an input feature vector and the index of
// the variant it should retrieve.
type Pair struct {
	Vec     []float64
	Variant int
}

// Candidate is one response variant presented to training: its id, the
// intent that owns it, and the feature vector of its canonical answer text.
type Candidate struct {
	ID    string
	Group string
	Vec   []float64
}

// Weights is the trained selector. Immutable after Train or deserialization
// and safe for concurrent Select calls.
type Weights struct {
	Dim      int
	EmbedDim int
	// In projects input feature vectors, Out projects variant vectors;
	// both are [EmbedDim][Dim].
	In  [][]float64
	Out [][]float64
	// Cands caches the Out-side embedding of every variant by id.
	Cands map[string][]float64
}

// Train fits the two projections with seeded SGD on a sampled-negative
// softmax: each pair's target variant competes against variants drawn from
// other intents, pulling inputs toward their own group's answers and away
// from the rest. Reproducible bit-for-bit for identical inputs and config.
func Train(pairs []Pair, cands []Candidate, cfg Config) (*Weights, error) {
	if cfg.EmbedDim <= 0 {
		return nil, fmt.Errorf("selector: embed dimension %d, want > 0", cfg.EmbedDim)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("selector: no training pairs")
	}
	if len(cands) == 0 {
		return nil, fmt.Errorf("selector: no candidate variants")
	}
	dim := len(cands[0].Vec)
	for _, c := range cands {
		if len(c.Vec) != dim {
			return nil, fmt.Errorf("selector: candidate %s has dimension %d, want %d", c.ID, len(c.Vec), dim)
		}
	}
	for i, p := range pairs {
		if len(p.Vec) != dim {
			return nil, fmt.Errorf("selector: pair %d has dimension %d, want %d", i, len(p.Vec), dim)
		}
		if p.Variant < 0 || p.Variant >= len(cands) {
			return nil, fmt.Errorf("selector: pair %d targets variant %d, out of range", i, p.Variant)
		}
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	w := &Weights{
		Dim:      dim,
		EmbedDim: cfg.EmbedDim,
		In:       randomMatrix(rng, cfg.EmbedDim, dim),
		Out:      randomMatrix(rng, cfg.EmbedDim, dim),
	}

	// Other-group candidate indices per group, for negative sampling.
	others := make(map[string][]int)
	groups := make(map[string]bool)
	for _, c := range cands {
		groups[c.Group] = true
	}
	for g := range groups {
		for i, c := range cands {
			if c.Group != g {
				others[g] = append(others[g], i)
			}
		}
	}

	u := make([]float64, cfg.EmbedDim)
	gradU := make([]float64, cfg.EmbedDim)
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		for _, pi := range rng.Perm(len(pairs)) {
			p := pairs[pi]
			target := cands[p.Variant]

			pool := others[target.Group]
			if len(pool) == 0 {
				// Single-intent corpus: nothing to contrast against.
				continue
			}
			batch := sampleNegatives(rng, pool, negSamples)
			batch = append([]int{p.Variant}, batch...)

			project(w.In, p.Vec, u)

			// Softmax over the candidate batch by dot product.
			scores := make([]float64, len(batch))
			embeds := make([][]float64, len(batch))
			maxScore := math.Inf(-1)
			for bi, ci := range batch {
				e := make([]float64, cfg.EmbedDim)
				project(w.Out, cands[ci].Vec, e)
				embeds[bi] = e
				scores[bi] = dot(u, e)
				if scores[bi] > maxScore {
					maxScore = scores[bi]
				}
			}
			var sum float64
			for bi := range scores {
				scores[bi] = math.Exp(scores[bi] - maxScore)
				sum += scores[bi]
			}

			for r := range gradU {
				gradU[r] = 0
			}
			for bi, ci := range batch {
				coef := scores[bi] / sum
				if bi == 0 {
					coef--
				}
				for r := 0; r < cfg.EmbedDim; r++ {
					gradU[r] += coef * embeds[bi][r]
				}
				// Out update against the candidate's sparse vector.
				cv := cands[ci].Vec
				for r := 0; r < cfg.EmbedDim; r++ {
					step := cfg.LearningRate * coef * u[r]
					if step == 0 {
						continue
					}
					row := w.Out[r]
					for j, vj := range cv {
						if vj != 0 {
							row[j] -= step * vj
						}
					}
				}
			}
			for r := 0; r < cfg.EmbedDim; r++ {
				step := cfg.LearningRate * gradU[r]
				if step == 0 {
					continue
				}
				row := w.In[r]
				for j, xj := range p.Vec {
					if xj != 0 {
						row[j] -= step * xj
					}
				}
			}
		}
	}

	w.Cands = make(map[string][]float64, len(cands))
	for _, c := range cands {
		e := make([]float64, cfg.EmbedDim)
		project(w.Out, c.Vec, e)
		w.Cands[c.ID] = e
	}
	return w, nil
}

// Select scores the given variant ids against the input feature vector and
// returns the winner with its confidence in [0, 1]. Exact score ties go to
// the lowest variant id. A single-variant group still gets its confidence
// computed; ids without a cached embedding are skipped.
func (w *Weights) Select(vec []float64, variantIDs []string) (string, float64) {
	u := make([]float64, w.EmbedDim)
	project(w.In, vec, u)

	bestID := ""
	bestCos := math.Inf(-1)
	for _, id := range variantIDs {
		e, ok := w.Cands[id]
		if !ok {
			continue
		}
		c := cosine(u, e)
		if c > bestCos || (c == bestCos && id < bestID) {
			bestID, bestCos = id, c
		}
	}
	if bestID == "" {
		return "", 0
	}
	return bestID, clamp01((bestCos + 1) / 2)
}

// project computes m · v into out.
func project(m [][]float64, v []float64, out []float64) {
	for r, row := range m {
		var s float64
		n := len(v)
		if len(row) < n {
			n = len(row)
		}
		for j := 0; j < n; j++ {
			if v[j] != 0 {
				s += row[j] * v[j]
			}
		}
		out[r] = s
	}
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func cosine(a, b []float64) float64 {
	var dotAB, na, nb float64
	for i := range a {
		dotAB += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dotAB / (math.Sqrt(na) * math.Sqrt(nb))
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}

func randomMatrix(rng *rand.Rand, rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for r := range m {
		m[r] = make([]float64, cols)
		for j := range m[r] {
			m[r][j] = (rng.Float64()*2 - 1) * initScale
		}
	}
	return m
}

// sampleNegatives draws up to k distinct indices from pool.
func sampleNegatives(rng *rand.Rand, pool []int, k int) []int {
	if len(pool) <= k {
		out := make([]int, len(pool))
		copy(out, pool)
		return out
	}
	perm := rng.Perm(len(pool))
	out := make([]int, k)
	for i := 0; i < k; i++ {
		out[i] = pool[perm[i]]
	}
	return out
}
