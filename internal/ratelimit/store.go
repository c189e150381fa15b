// Package ratelimit implements admission control: a sliding-window request
// limiter plus a cost ceiling per window.
//
// DESIGN: Each admitted request is one window entry {at, cost}. Entries older
// than the window are pruned lazily on the next access; no background timer
// runs. Admission reserves the estimated cost; Settle later rewrites that
// entry with the actual cost so the window tracks real spend.
//
// FILES:
//   - store.go:  Store interface + in-memory store (per-key locks, bounded keys)
//   - redis.go:  Redis ZSET store for windows shared across replicas
//   - guard.go:  Guard.Admit / Guard.Settle, bounded wait queue
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/compresr/ai-bridge/internal/apierr"
)

// Limits are the per-window ceilings. Zero disables a ceiling.
type Limits struct {
	Window      time.Duration
	MaxRequests int
	MaxCost     float64
}

// Verdict is the outcome of one reservation attempt.
type Verdict struct {
	Allowed    bool
	Reason     apierr.Code // RATE_LIMITED or COST_CEILING_EXCEEDED when rejected
	RetryAfter time.Duration
}

// Store keeps sliding windows keyed by caller (or "global").
type Store interface {
	// Reserve prunes the window and, if both ceilings hold, records entry id.
	Reserve(ctx context.Context, key, id string, now time.Time, cost float64, lim Limits) (Verdict, error)
	// Settle replaces the cost of entry id. A missing (expired) entry is a no-op.
	Settle(ctx context.Context, key, id string, at time.Time, reserved, actual float64) error
}

// =============================================================================
// MEMORY STORE
// =============================================================================

type entry struct {
	id   string
	at   time.Time
	cost float64
}

type window struct {
	mu       sync.Mutex
	entries  []entry
	lastSeen time.Time
}

// MemoryStore is a process-local Store. The map lock covers lookup only;
// each window has its own lock.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	maxKeys int
}

// NewMemoryStore creates a store tracking at most maxKeys windows.
func NewMemoryStore(maxKeys int) *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window), maxKeys: maxKeys}
}

// window returns the window for key, creating it when there is room. A full
// store evicts its least recently seen idle window; if every window still
// holds live entries, nil is returned with the time until one goes idle.
// Lock order is store then window.
func (s *MemoryStore) window(key string, now time.Time, span time.Duration) (*window, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		if s.maxKeys > 0 && len(s.windows) >= s.maxKeys {
			if retry := s.evictIdle(now, span); retry > 0 {
				return nil, retry
			}
		}
		w = &window{}
		s.windows[key] = w
	}
	w.lastSeen = now
	return w, 0
}

// evictIdle removes the least recently seen window whose entries have all
// expired. It returns 0 on eviction, otherwise how long until the first
// window becomes idle. Called with the store lock held.
func (s *MemoryStore) evictIdle(now time.Time, span time.Duration) time.Duration {
	cutoff := now.Add(-span)
	var idleKey string
	var idleSeen time.Time
	retry := span
	for k, w := range s.windows {
		w.mu.Lock()
		var newest time.Time
		if n := len(w.entries); n > 0 {
			newest = w.entries[n-1].at
		}
		seen := w.lastSeen
		w.mu.Unlock()

		if newest.After(cutoff) {
			if d := newest.Add(span).Sub(now); d < retry {
				retry = d
			}
			continue
		}
		if idleKey == "" || seen.Before(idleSeen) {
			idleKey, idleSeen = k, seen
		}
	}
	if idleKey == "" {
		if retry <= 0 {
			retry = time.Millisecond
		}
		return retry
	}
	delete(s.windows, idleKey)
	return 0
}

// Reserve implements Store. When the store is full of active callers, a new
// caller is rate limited until a window goes idle.
func (s *MemoryStore) Reserve(_ context.Context, key, id string, now time.Time, cost float64, lim Limits) (Verdict, error) {
	w, retry := s.window(key, now, lim.Window)
	if w == nil {
		return Verdict{Reason: apierr.CodeRateLimited, RetryAfter: retry}, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now.Add(-lim.Window))
	v := evaluate(w.entries, now, cost, lim)
	if v.Allowed {
		w.insert(entry{id: id, at: now, cost: cost})
	}
	return v, nil
}

// Settle implements Store.
func (s *MemoryStore) Settle(_ context.Context, key, id string, _ time.Time, _, actual float64) error {
	s.mu.Lock()
	w, ok := s.windows[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.entries {
		if w.entries[i].id == id {
			w.entries[i].cost = actual
			return nil
		}
	}
	return nil
}

// Len returns the number of tracked windows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// insert adds e keeping entries time-ordered. Reservations taken
// concurrently may arrive slightly out of order.
func (w *window) insert(e entry) {
	i := len(w.entries)
	for i > 0 && w.entries[i-1].at.After(e.at) {
		i--
	}
	w.entries = append(w.entries, entry{})
	copy(w.entries[i+1:], w.entries[i:])
	w.entries[i] = e
}

// prune drops entries at or before cutoff. Entries are time-ordered.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// evaluate checks both ceilings against a pruned, time-ordered window and
// computes when enough entries expire for the request to fit.
func evaluate(entries []entry, now time.Time, cost float64, lim Limits) Verdict {
	count := len(entries)
	if lim.MaxRequests > 0 && count >= lim.MaxRequests {
		expires := entries[count-lim.MaxRequests].at.Add(lim.Window)
		return Verdict{Reason: apierr.CodeRateLimited, RetryAfter: expires.Sub(now)}
	}

	if lim.MaxCost > 0 {
		total := 0.0
		for _, e := range entries {
			total += e.cost
		}
		if total+cost > lim.MaxCost {
			retry := lim.Window
			if cost <= lim.MaxCost {
				freed := 0.0
				for _, e := range entries {
					freed += e.cost
					if total-freed+cost <= lim.MaxCost {
						retry = e.at.Add(lim.Window).Sub(now)
						break
					}
				}
			}
			return Verdict{Reason: apierr.CodeCostCeilingExceeded, RetryAfter: retry}
		}
	}
	return Verdict{Allowed: true}
}
