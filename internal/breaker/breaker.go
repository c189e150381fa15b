// Package breaker implements the per-target circuit breaker.
//
// DESIGN: One Breaker per downstream target, created lazily by Set.
//
//	CLOSED    --error rate >= threshold with >= min samples-->  OPEN
//	OPEN      --reset timeout elapsed, next Allow-->            HALF_OPEN (one probe)
//	HALF_OPEN --probe succeeds-->                               CLOSED
//	HALF_OPEN --probe fails-->                                  OPEN (timer restarts)
//
// Transitions are driven only by Record outcomes from the dispatch path.
// Each breaker has its own mutex; the Set's map lock is held only for lookup.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/config"
)

// State is a circuit state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is the result of one dispatched call.
type Outcome int

const (
	Success Outcome = iota
	Failure
	// Ignored releases a probe slot without counting (e.g. caller cancelled).
	Ignored
)

// ChangeFunc observes state transitions.
type ChangeFunc func(target string, from, to State)

type sample struct {
	at     time.Time
	failed bool
}

// Breaker guards one target.
type Breaker struct {
	target   string
	cfg      config.BreakerConfig
	now      func() time.Time
	onChange ChangeFunc

	mu       sync.Mutex
	state    State
	samples  []sample
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker.
func New(target string, cfg config.BreakerConfig, now func() time.Time, onChange ChangeFunc) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{target: target, cfg: cfg, now: now, onChange: onChange}
}

// Allow admits a call or fails fast with SERVICE_UNAVAILABLE.
// In HALF_OPEN exactly one probe is admitted until its outcome is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cfg.ResetTimeout {
			return b.unavailable(b.cfg.ResetTimeout - elapsed)
		}
		b.transition(HalfOpen)
		b.probing = true
		return nil
	default: // HalfOpen
		if b.probing {
			return b.unavailable(time.Second)
		}
		b.probing = true
		return nil
	}
}

// Attempt is one admitted call. Its outcome is recorded at most once.
type Attempt struct {
	b    *Breaker
	done bool
}

// Begin admits a call like Allow and returns its Attempt.
func (b *Breaker) Begin() (*Attempt, error) {
	if err := b.Allow(); err != nil {
		return nil, err
	}
	return &Attempt{b: b}, nil
}

// Done records the attempt's outcome. Later calls are no-ops.
func (a *Attempt) Done(o Outcome) {
	if a.done {
		return
	}
	a.done = true
	a.b.Record(o)
}

// Release records Ignored unless Done already ran. Deferred right after
// Begin, it frees a HALF_OPEN probe slot even if the call panics.
func (a *Attempt) Release() { a.Done(Ignored) }

func (b *Breaker) unavailable(retryAfter time.Duration) error {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return apierr.New(apierr.CodeServiceUnavailable,
		"circuit for %q is %s", b.target, b.state).WithRetryAfter(retryAfter)
}

// Record feeds one outcome into the breaker.
func (b *Breaker) Record(o Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case HalfOpen:
		if !b.probing {
			return
		}
		b.probing = false
		switch o {
		case Success:
			b.samples = b.samples[:0]
			b.transition(Closed)
		case Failure:
			b.openedAt = now
			b.transition(Open)
		}
	case Closed:
		if o == Ignored {
			return
		}
		b.prune(now)
		b.samples = append(b.samples, sample{at: now, failed: o == Failure})
		if len(b.samples) > b.cfg.MaxSamples {
			b.samples = b.samples[len(b.samples)-b.cfg.MaxSamples:]
		}
		total, failed := b.counts()
		if total >= b.cfg.MinSamples && float64(failed)/float64(total) >= b.cfg.ErrorThreshold {
			b.openedAt = now
			b.transition(Open)
		}
	case Open:
		// late outcomes from calls admitted before opening
	}
}

// prune drops samples outside the trailing window. Samples are time-ordered.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
}

func (b *Breaker) counts() (total, failed int) {
	for _, s := range b.samples {
		if s.failed {
			failed++
		}
	}
	return len(b.samples), failed
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if from != to && b.onChange != nil {
		b.onChange(b.target, from, to)
	}
}

// State returns the current state. An OPEN breaker past its reset timeout
// still reports OPEN until the next Allow admits the probe.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status is a point-in-time view of one breaker.
type Status struct {
	Target    string  `json:"target"`
	State     string  `json:"state"`
	Samples   int     `json:"samples"`
	ErrorRate float64 `json:"errorRate"`
}

func (b *Breaker) status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	total, failed := b.counts()
	rate := 0.0
	if total > 0 {
		rate = float64(failed) / float64(total)
	}
	return Status{Target: b.target, State: b.state.String(), Samples: total, ErrorRate: rate}
}
