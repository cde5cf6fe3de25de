// Package intent implements the trainable multi-class intent classifier and
// the entity gazetteer. The classifier is a multinomial logistic regression
// over feature vectors: small enough to train in-process in well under a
// second on a curated FAQ corpus, and fully deterministic given a seed.
package intent

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Config holds the classifier training hyperparameters.
type Config struct {
	Epochs       int
	LearningRate float64
	// L2 is the weight decay applied to touched coordinates during the
	// sparse SGD updates.
	L2 float64
	// AmbiguityMargin widens argmax: when the runner-up probability is
	// within this margin of the top one, the tie-break prefers the intent
	// with more training examples.
	AmbiguityMargin float64
	Seed            int64
}

// Score is one intent's probability under the model.
type Score struct {
	Intent string  `json:"intent"`
	Prob   float64 `json:"prob"`
}

// Weights is the trained classifier. Immutable after Train (or after
// deserialization) and safe for concurrent Predict calls.
type Weights struct {
	// Classes lists intent ids in corpus declaration order; W and B are
	// indexed accordingly.
	Classes []string
	// Counts holds training examples per class, used by the ambiguity
	// tie-break.
	Counts []int
	Dim    int
	Margin float64
	W      [][]float64
	B      []float64
}

// Train fits the classifier with seeded stochastic gradient descent over a
// fixed number of epochs. Given the same vectors, labels, classes and
// config, the returned weights are bit-for-bit identical: initialization is
// zero, example order comes from a seeded shuffle, and floating point
// operations run in a fixed order.
func Train(vectors [][]float64, labels []int, classes []string, cfg Config) (*Weights, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("classifier: no training vectors")
	}
	if len(vectors) != len(labels) {
		return nil, fmt.Errorf("classifier: %d vectors but %d labels", len(vectors), len(labels))
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("classifier: no classes")
	}
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("classifier: vector %d has dimension %d, want %d", i, len(v), dim)
		}
	}

	w := &Weights{
		Classes: classes,
		Counts:  make([]int, len(classes)),
		Dim:     dim,
		Margin:  cfg.AmbiguityMargin,
		W:       make([][]float64, len(classes)),
		B:       make([]float64, len(classes)),
	}
	for k := range w.W {
		w.W[k] = make([]float64, dim)
	}
	for i, y := range labels {
		if y < 0 || y >= len(classes) {
			return nil, fmt.Errorf("classifier: label %d out of range for example %d", y, i)
		}
		w.Counts[y]++
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	probs := make([]float64, len(classes))
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		for _, i := range rng.Perm(len(vectors)) {
			x, y := vectors[i], labels[i]
			w.softmax(x, probs)
			for k := range w.W {
				g := probs[k]
				if k == y {
					g--
				}
				row := w.W[k]
				for j, xj := range x {
					if xj == 0 {
						continue
					}
					row[j] -= cfg.LearningRate * (g*xj + cfg.L2*row[j])
				}
				w.B[k] -= cfg.LearningRate * g
			}
		}
	}
	return w, nil
}

// Predict returns the full probability distribution over intents, sorted by
// probability descending with declaration order breaking exact ties. The
// scores are non-negative and sum to 1.
func (w *Weights) Predict(vec []float64) []Score {
	probs := make([]float64, len(w.Classes))
	w.softmax(vec, probs)

	scores := make([]Score, len(w.Classes))
	for k, p := range probs {
		scores[k] = Score{Intent: w.Classes[k], Prob: p}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Prob > scores[j].Prob })
	return scores
}

// Best picks the winning intent from a Predict result. Candidates within the
// ambiguity margin of the top score compete on training example count;
// remaining ties fall back to declaration order. Deterministic for any
// input.
func (w *Weights) Best(scores []Score) Score {
	if len(scores) == 0 {
		return Score{}
	}
	top := scores[0].Prob
	best := scores[0]
	bestIdx := w.classIndex(best.Intent)
	bestCount := w.countAt(bestIdx)
	for _, s := range scores[1:] {
		if top-s.Prob > w.Margin {
			break
		}
		idx := w.classIndex(s.Intent)
		count := w.countAt(idx)
		if count > bestCount || (count == bestCount && idx < bestIdx) {
			best, bestIdx, bestCount = s, idx, count
		}
	}
	return best
}

// softmax fills out with the class probabilities for vec. Logits are shifted
// by their maximum before exponentiation to stay finite.
func (w *Weights) softmax(vec []float64, out []float64) {
	n := w.Dim
	if len(vec) < n {
		n = len(vec)
	}
	maxLogit := math.Inf(-1)
	for k, row := range w.W {
		z := w.B[k]
		for j := 0; j < n; j++ {
			if vec[j] != 0 {
				z += row[j] * vec[j]
			}
		}
		out[k] = z
		if z > maxLogit {
			maxLogit = z
		}
	}
	var sum float64
	for k := range out {
		out[k] = math.Exp(out[k] - maxLogit)
		sum += out[k]
	}
	for k := range out {
		out[k] /= sum
	}
}

func (w *Weights) classIndex(intent string) int {
	for i, c := range w.Classes {
		if c == intent {
			return i
		}
	}
	return -1
}

func (w *Weights) countAt(idx int) int {
	if idx < 0 || idx >= len(w.Counts) {
		return 0
	}
	return w.Counts[idx]
}
