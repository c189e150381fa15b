package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/config"
)

const globalKey = "global"

// Ticket identifies one admitted request so its cost can be settled.
type Ticket struct {
	Key       string
	ID        string
	At        time.Time
	Estimated float64
}

// Guard is the admission controller in front of dispatch.
type Guard struct {
	store  Store
	limits Limits
	scope  string
	now    func() time.Time

	maxQueueDepth int32
	maxQueueWait  time.Duration
	queued        atomic.Int32
}

// NewGuard creates a guard over store. now may be nil.
func NewGuard(store Store, cfg config.LimitsConfig, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{
		store:         store,
		limits:        Limits{Window: cfg.Window, MaxRequests: cfg.MaxRequests, MaxCost: cfg.MaxCost},
		scope:         cfg.Scope,
		now:           now,
		maxQueueDepth: int32(cfg.MaxQueueDepth),
		maxQueueWait:  cfg.MaxQueueWait,
	}
}

// Enabled reports whether any ceiling is configured.
func (g *Guard) Enabled() bool {
	return g.limits.MaxRequests > 0 || g.limits.MaxCost > 0
}

// Admit checks both ceilings for callerID. A rejection that would clear
// within the configured wait may queue, bounded by the queue depth; the
// request is then re-checked exactly once.
func (g *Guard) Admit(ctx context.Context, callerID string, estimatedCost float64) (*Ticket, error) {
	key := callerID
	if g.scope == config.LimitsScopeGlobal || key == "" {
		key = globalKey
	}
	t := &Ticket{Key: key, ID: uuid.NewString(), Estimated: estimatedCost}
	if !g.Enabled() {
		return t, nil
	}

	v, err := g.reserve(ctx, t)
	if err != nil || v.Allowed {
		return t, err
	}

	if v.RetryAfter <= g.maxQueueWait && g.enqueue() {
		defer g.queued.Add(-1)
		timer := time.NewTimer(v.RetryAfter)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, apierr.Wrap(apierr.CodeRateLimited, ctx.Err(), "cancelled while waiting for admission")
		case <-timer.C:
		}
		if v, err = g.reserve(ctx, t); err != nil || v.Allowed {
			return t, err
		}
	}

	return nil, reject(v, callerID)
}

func (g *Guard) enqueue() bool {
	for {
		n := g.queued.Load()
		if n >= g.maxQueueDepth {
			return false
		}
		if g.queued.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (g *Guard) reserve(ctx context.Context, t *Ticket) (Verdict, error) {
	t.At = g.now()
	v, err := g.store.Reserve(ctx, t.Key, t.ID, t.At, t.Estimated, g.limits)
	if err != nil {
		// Shared store unavailable: fail open, as admission is best effort across replicas.
		log.Warn().Err(err).Str("key", t.Key).Msg("admission store unavailable, failing open")
		return Verdict{Allowed: true}, nil
	}
	return v, nil
}

func reject(v Verdict, callerID string) error {
	retry := v.RetryAfter
	if retry < time.Second {
		retry = time.Second
	}
	if v.Reason == apierr.CodeCostCeilingExceeded {
		return apierr.New(apierr.CodeCostCeilingExceeded,
			"cost ceiling for %q reached in the current window", callerID).WithRetryAfter(retry)
	}
	return apierr.New(apierr.CodeRateLimited,
		"request rate for %q exceeds the limit", callerID).WithRetryAfter(retry)
}

// Settle corrects the window with the actual cost of an admitted request.
func (g *Guard) Settle(ctx context.Context, t *Ticket, actualCost float64) {
	if t == nil || !g.Enabled() || actualCost == t.Estimated {
		return
	}
	if err := g.store.Settle(ctx, t.Key, t.ID, t.At, t.Estimated, actualCost); err != nil {
		log.Warn().Err(err).Str("key", t.Key).Msg("failed to settle admission cost")
	}
}
