package cost

import (
	"sync/atomic"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/compresr/ai-bridge/internal/task"
)

const encodingName = "cl100k_base"

// LoadFunc loads the BPE encoding used for token counts.
type LoadFunc func() (*tiktoken.Tiktoken, error)

// Estimator counts prompt tokens for admission estimates.
//
// The BPE encoding loads in the background when the estimator is created
// (tiktoken fetches it over HTTP unless TIKTOKEN_CACHE_DIR holds a copy).
// Requests never wait for it: until it is ready, or if it fails to load, a
// 4-bytes-per-token heuristic is used.
type Estimator struct {
	enc   atomic.Pointer[tiktoken.Tiktoken]
	ready chan struct{}
}

// NewEstimator creates an estimator. useBPE=false forces the heuristic.
func NewEstimator(useBPE bool) *Estimator {
	if !useBPE {
		return NewEstimatorWith(nil)
	}
	return NewEstimatorWith(func() (*tiktoken.Tiktoken, error) {
		return tiktoken.GetEncoding(encodingName)
	})
}

// NewEstimatorWith creates an estimator that loads its encoding with load.
// A nil load means heuristic only.
func NewEstimatorWith(load LoadFunc) *Estimator {
	e := &Estimator{ready: make(chan struct{})}
	if load == nil {
		close(e.ready)
		return e
	}
	go func() {
		defer close(e.ready)
		enc, err := load()
		if err != nil || enc == nil {
			log.Warn().Err(err).Msg("token encoding unavailable, using length heuristic")
			return
		}
		e.enc.Store(enc)
	}()
	return e
}

// Ready is closed once the encoding has loaded or failed to.
func (e *Estimator) Ready() <-chan struct{} { return e.ready }

// CountTokens returns the token count of text.
func (e *Estimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.enc.Load(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// Estimate returns the worst-case usage of a prompt answered with up to
// maxTokens, and its cost at price.
func (e *Estimator) Estimate(prompt string, maxTokens int, price Price) (task.Usage, task.Cost) {
	u := task.Usage{PromptTokens: e.CountTokens(prompt), CompletionTokens: maxTokens}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u, price.Compute(u)
}
