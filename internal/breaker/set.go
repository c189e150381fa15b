package breaker

import (
	"sort"
	"sync"
	"time"

	"github.com/compresr/ai-bridge/internal/config"
)

// Set holds one breaker per target, created on first use.
type Set struct {
	cfg      config.BreakerConfig
	now      func() time.Time
	onChange ChangeFunc

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewSet creates an empty breaker set. now may be nil.
func NewSet(cfg config.BreakerConfig, now func() time.Time, onChange ChangeFunc) *Set {
	return &Set{cfg: cfg, now: now, onChange: onChange, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for target, creating it if needed.
func (s *Set) Get(target string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[target]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[target]; ok {
		return b
	}
	b = New(target, s.cfg, s.now, s.onChange)
	s.breakers[target] = b
	return b
}

// Snapshot returns the status of every known breaker, sorted by target.
func (s *Set) Snapshot() []Status {
	s.mu.RLock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.RUnlock()

	out := make([]Status, 0, len(list))
	for _, b := range list {
		out = append(out, b.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}
