// Package policy turns the pipeline's confidence scores into the final
// action: emit the selected answer or fall back. It is a deterministic rule
// set over configured thresholds; low confidence is an expected outcome
// here, never an error.
package policy

// Action is the decision for one inference.
type Action int

const (
	// Emit serves the selected response variant.
	Emit Action = iota
	// Fallback serves the configured fallback text instead.
	Fallback
)

func (a Action) String() string {
	if a == Fallback {
		return "fallback"
	}
	return "emit"
}

// MarshalJSON renders the action as its string form.
func (a Action) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// Thresholds is the decision configuration frozen into a model artifact.
// Zero values disable fallback entirely: every query receives the
// best-effort answer.
type Thresholds struct {
	// Intent is the minimum intent confidence; below it the decision is
	// Fallback.
	Intent float64 `json:"intent"`
	// Selection is the minimum response selection confidence, checked only
	// after the intent threshold passes.
	Selection float64 `json:"selection"`
	// FallbackText is the answer served on Fallback decisions.
	FallbackText string `json:"fallback_text"`
}

// Decide applies the threshold rules in order: intent confidence first, then
// selection confidence. With zero-valued thresholds it always returns Emit,
// since confidences are never negative.
func Decide(intentConf, selectionConf float64, t Thresholds) Action {
	if intentConf < t.Intent {
		return Fallback
	}
	if selectionConf < t.Selection {
		return Fallback
	}
	return Emit
}
