package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/config"
	"github.com/compresr/ai-bridge/internal/ratelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func limitsConfig(maxRequests int, maxCost float64) config.LimitsConfig {
	return config.LimitsConfig{
		Scope:       config.LimitsScopeCaller,
		Window:      time.Minute,
		MaxRequests: maxRequests,
		MaxCost:     maxCost,
	}
}

// stores runs a test against both window stores.
func stores(t *testing.T, fn func(t *testing.T, store ratelimit.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, ratelimit.NewMemoryStore(100))
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, err := ratelimit.NewRedisStore(context.Background(), "redis://"+mr.Addr(), "test:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		fn(t, store)
	})
}

// =============================================================================
// REQUEST CEILING
// =============================================================================

func TestGuard_RequestCeiling(t *testing.T) {
	stores(t, func(t *testing.T, store ratelimit.Store) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		g := ratelimit.NewGuard(store, limitsConfig(3, 0), clock.Now)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_, err := g.Admit(ctx, "alice", 0)
			require.NoError(t, err)
			clock.Advance(10 * time.Second)
		}

		_, err := g.Admit(ctx, "alice", 0)
		require.Error(t, err)
		assert.True(t, apierr.Is(err, apierr.CodeRateLimited))
		assert.Equal(t, 30*time.Second, apierr.From(err).RetryAfter, "oldest entry expires 60s after it was admitted")

		_, err = g.Admit(ctx, "bob", 0)
		assert.NoError(t, err, "windows are per caller")

		clock.Advance(31 * time.Second)
		_, err = g.Admit(ctx, "alice", 0)
		assert.NoError(t, err, "window slid past the oldest entry")
	})
}

// =============================================================================
// COST CEILING
// =============================================================================

func TestGuard_CostCeilingAndSettle(t *testing.T) {
	stores(t, func(t *testing.T, store ratelimit.Store) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		g := ratelimit.NewGuard(store, limitsConfig(0, 1.0), clock.Now)
		ctx := context.Background()

		first, err := g.Admit(ctx, "alice", 0.6)
		require.NoError(t, err)

		_, err = g.Admit(ctx, "alice", 0.6)
		require.Error(t, err)
		assert.True(t, apierr.Is(err, apierr.CodeCostCeilingExceeded))

		g.Settle(ctx, first, 0.1)
		_, err = g.Admit(ctx, "alice", 0.6)
		assert.NoError(t, err, "settled actual cost frees budget")
	})
}

func TestGuard_CostLargerThanCeiling(t *testing.T) {
	g := ratelimit.NewGuard(ratelimit.NewMemoryStore(10), limitsConfig(0, 1.0), nil)

	_, err := g.Admit(context.Background(), "alice", 5)
	require.Error(t, err)
	assert.Equal(t, time.Minute, apierr.From(err).RetryAfter)
}

// =============================================================================
// SCOPE, QUEUE, BOUNDS
// =============================================================================

func TestGuard_GlobalScope(t *testing.T) {
	cfg := limitsConfig(1, 0)
	cfg.Scope = config.LimitsScopeGlobal
	g := ratelimit.NewGuard(ratelimit.NewMemoryStore(10), cfg, nil)

	_, err := g.Admit(context.Background(), "alice", 0)
	require.NoError(t, err)
	_, err = g.Admit(context.Background(), "bob", 0)
	assert.True(t, apierr.Is(err, apierr.CodeRateLimited))
}

func TestGuard_DisabledAdmitsEverything(t *testing.T) {
	g := ratelimit.NewGuard(ratelimit.NewMemoryStore(10), limitsConfig(0, 0), nil)
	for i := 0; i < 100; i++ {
		ticket, err := g.Admit(context.Background(), "alice", 1)
		require.NoError(t, err)
		require.NotNil(t, ticket)
	}
}

func TestGuard_BoundedQueue(t *testing.T) {
	cfg := limitsConfig(1, 0)
	cfg.Window = 50 * time.Millisecond
	cfg.MaxQueueDepth = 1
	cfg.MaxQueueWait = time.Second
	g := ratelimit.NewGuard(ratelimit.NewMemoryStore(10), cfg, nil)
	ctx := context.Background()

	_, err := g.Admit(ctx, "alice", 0)
	require.NoError(t, err)

	start := time.Now()
	_, err = g.Admit(ctx, "alice", 0)
	require.NoError(t, err, "queued until the window slid")
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestGuard_QueueHonoursCancellation(t *testing.T) {
	cfg := limitsConfig(1, 0)
	cfg.MaxQueueDepth = 1
	cfg.MaxQueueWait = 2 * time.Minute
	g := ratelimit.NewGuard(ratelimit.NewMemoryStore(10), cfg, nil)

	_, err := g.Admit(context.Background(), "alice", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Admit(ctx, "alice", 0)
	assert.True(t, apierr.Is(err, apierr.CodeRateLimited))
}

func TestMemoryStore_EvictsOnlyIdleWindows(t *testing.T) {
	store := ratelimit.NewMemoryStore(2)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	g := ratelimit.NewGuard(store, limitsConfig(10, 0), clock.Now)

	for _, caller := range []string{"a", "b"} {
		_, err := g.Admit(context.Background(), caller, 0)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	// Both windows are live: a new caller waits rather than resetting one.
	_, err := g.Admit(context.Background(), "c", 0)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.CodeRateLimited))
	assert.Equal(t, 2, store.Len())

	clock.Advance(time.Minute)
	_, err = g.Admit(context.Background(), "c", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())
}

func TestMemoryStore_OutOfOrderReservationsPruneCorrectly(t *testing.T) {
	store := ratelimit.NewMemoryStore(10)
	lim := ratelimit.Limits{Window: time.Minute, MaxRequests: 2}
	base := time.Unix(1_700_000_000, 0)
	ctx := context.Background()

	v, err := store.Reserve(ctx, "k", "late", base.Add(2*time.Second), 0, lim)
	require.NoError(t, err)
	require.True(t, v.Allowed)
	v, err = store.Reserve(ctx, "k", "early", base.Add(time.Second), 0, lim)
	require.NoError(t, err)
	require.True(t, v.Allowed)

	// "early" has expired, "late" has not: one slot is free.
	v, err = store.Reserve(ctx, "k", "next", base.Add(61500*time.Millisecond), 0, lim)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}
