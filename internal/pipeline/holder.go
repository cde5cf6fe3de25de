package pipeline

import "sync/atomic"

// Holder publishes the live pipeline to concurrent readers. Swapping in a
// retrained model is one atomic pointer store; requests already running keep
// the pipeline they loaded and finish against it.
type Holder struct {
	cur atomic.Pointer[Pipeline]
}

// Swap makes p the live pipeline.
func (h *Holder) Swap(p *Pipeline) {
	h.cur.Store(p)
}

// Current returns the live pipeline, or nil when no model is loaded yet.
func (h *Holder) Current() *Pipeline {
	return h.cur.Load()
}
