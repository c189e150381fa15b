// Package store provides the idempotency store for request accounting.
//
// DESIGN: A requestId is recorded once per TTL. The metrics ledger and audit
// sink consult MarkOnce so a request that reaches accounting twice (a retried
// settle path, a duplicated finish) is counted exactly once. Request ids are
// assigned by the bridge, never taken from the client. Each finished request
// holds two keys (ledger, audit) for the TTL, so the TTL is kept short.
//
// Currently only MemoryStore is implemented. For multi-instance deployments,
// implement Store with Redis or similar.
package store

import (
	"sync"
	"time"
)

// DefaultTTL is how long a key is remembered when none is configured.
const DefaultTTL = 5 * time.Minute

// Store records keys with a TTL.
type Store interface {
	// MarkOnce records key and reports true only the first time within the TTL.
	MarkOnce(key string) bool

	// Seen reports whether key is recorded and not expired.
	Seen(key string) bool

	// Close stops background cleanup.
	Close() error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	data     map[string]time.Time // key -> expiresAt
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	stopChan chan struct{}
	stopped  bool
}

// NewMemoryStore creates a store and starts its cleanup goroutine.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return newMemoryStore(ttl, time.Now, true)
}

// NewMemoryStoreWithClock creates a store without background cleanup; expired
// keys are dropped when touched.
func NewMemoryStoreWithClock(ttl time.Duration, now func() time.Time) *MemoryStore {
	return newMemoryStore(ttl, now, false)
}

func newMemoryStore(ttl time.Duration, now func() time.Time, sweep bool) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		data:     make(map[string]time.Time),
		ttl:      ttl,
		now:      now,
		stopChan: make(chan struct{}),
	}
	if sweep {
		go s.cleanup()
	}
	return s
}

// MarkOnce implements Store.
func (s *MemoryStore) MarkOnce(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return true
	}
	now := s.now()
	if exp, ok := s.data[key]; ok && now.Before(exp) {
		return false
	}
	s.data[key] = now.Add(s.ttl)
	return true
}

// Seen implements Store.
func (s *MemoryStore) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.data[key]
	if !ok {
		return false
	}
	if !s.now().Before(exp) {
		delete(s.data, key)
		return false
	}
	return true
}

// Len returns the number of stored keys, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.stopChan)
	}
	return nil
}

// cleanup periodically removes expired entries.
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopChan:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.data {
		if !now.Before(exp) {
			delete(s.data, k)
		}
	}
}
