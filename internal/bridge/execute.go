package bridge

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/compresr/ai-bridge/internal/adapters"
	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/breaker"
	"github.com/compresr/ai-bridge/internal/monitoring"
	"github.com/compresr/ai-bridge/internal/pipeline"
	"github.com/compresr/ai-bridge/internal/pool"
	"github.com/compresr/ai-bridge/internal/registry"
	"github.com/compresr/ai-bridge/internal/task"
)

// execute dispatches the plan: the primary first, then each fallback. Each
// target gets up to 1+max_retries attempts on retryable provider errors, and
// every attempt is recorded in that target's breaker. An open breaker skips
// the target without a network call.
func (b *Bridge) execute(ctx context.Context, c *pipeline.Call) error {
	targets := append([]task.Target{c.Plan.Primary}, c.Plan.Fallbacks...)

	var lastErr error
	for i, t := range targets {
		comp, err := b.tryTarget(ctx, c, t)
		if err == nil {
			c.Response = b.respond(c, t, i > 0, comp)
			return nil
		}
		lastErr = err
		if !fallbackWorthy(ctx, err) {
			return err
		}
		if i+1 < len(targets) {
			b.logger.Warn().
				Str("request_id", c.RequestID).
				Str("from", t.Endpoint).
				Str("to", targets[i+1].Endpoint).
				Str("code", string(apierr.CodeOf(err))).
				Msg("falling back to next target")
		}
	}
	return lastErr
}

// fallbackWorthy reports whether a failure on one target should move on to
// the next rather than surface.
func fallbackWorthy(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	switch apierr.CodeOf(err) {
	case apierr.CodeServiceUnavailable:
		return true
	case apierr.CodeProviderError:
		return countsAsFailure(err)
	}
	return false
}

func (b *Bridge) tryTarget(ctx context.Context, c *pipeline.Call, t task.Target) (*task.Completion, error) {
	ep, adapter, err := b.resolveTarget(t)
	if err != nil {
		return nil, err
	}
	contract := c.Plan.Contract
	contract.Config.Model = t.Model
	call, err := adapter.BuildCall(ep, &contract)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, err, "build request for %q", t.Endpoint)
	}

	return b.withRetries(ctx, b.breakers.Get(t.Endpoint), func() bool { return true },
		func(n int, att *breaker.Attempt) (*task.Completion, error) {
			return b.invokeAttempt(ctx, c, t, call, adapter, att, n)
		})
}

func (b *Bridge) invokeAttempt(ctx context.Context, c *pipeline.Call, t task.Target, call *pool.Call,
	adapter adapters.Adapter, att *breaker.Attempt, n int) (*task.Completion, error) {
	defer att.Release()

	c.Attempts++
	b.reqLog.LogOutgoing(&monitoring.OutgoingRequestInfo{
		RequestID: c.RequestID,
		Target:    t.Endpoint,
		Kind:      t.Kind,
		Model:     t.Model,
		Attempt:   n,
	})
	timeout := b.cfg.Dispatch.InvokeTimeout
	resp, err := b.pool.Request(ctx, call, timeout)
	var comp *task.Completion
	if err == nil {
		comp, err = adapter.ParseResponse(resp.Body)
		if err == nil {
			comp.Latency = resp.Latency
		}
	}
	att.Done(b.outcome(ctx, c.RequestID, t.Endpoint, timeout, err))
	if err != nil {
		return nil, err
	}
	return comp, nil
}

// withRetries runs attempt up to 1+max_retries times on one target, backing
// off exponentially between attempts. It retries only retryable provider
// errors, and only while again reports true. Every attempt passes through
// the target's breaker; once it opens, the last provider error surfaces.
func (b *Bridge) withRetries(ctx context.Context, br *breaker.Breaker, again func() bool,
	attempt func(n int, att *breaker.Attempt) (*task.Completion, error)) (*task.Completion, error) {
	backoff := b.cfg.Dispatch.InitialBackoff
	var lastErr error
	for n := 1; n <= b.cfg.Dispatch.MaxRetries+1; n++ {
		if n > 1 {
			if err := sleep(ctx, backoff); err != nil {
				return nil, lastErr
			}
			backoff = time.Duration(math.Round(float64(backoff) * b.cfg.Dispatch.BackoffFactor))
		}
		att, err := br.Begin()
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		comp, err := attempt(n, att)
		if err == nil {
			return comp, nil
		}
		lastErr = err
		if !retryable(ctx, err) || !again() {
			return nil, err
		}
	}
	return nil, lastErr
}

// retryable reports whether a failed attempt may be repeated on the same target.
func retryable(ctx context.Context, err error) bool {
	return ctx.Err() == nil && apierr.CodeOf(err) == apierr.CodeProviderError && countsAsFailure(err)
}

func (b *Bridge) resolveTarget(t task.Target) (*registry.Endpoint, adapters.Adapter, error) {
	ep, ok := b.registry.Get(t.Endpoint)
	if !ok {
		return nil, nil, apierr.New(apierr.CodeAgentNotFound, "endpoint %q is not registered", t.Endpoint)
	}
	adapter, err := b.adapters.For(ep.Kind)
	if err != nil {
		return nil, nil, err
	}
	return ep, adapter, nil
}

// outcome classifies one attempt for the breaker and raises alerts.
// timeout is the bound the attempt ran under.
func (b *Bridge) outcome(ctx context.Context, requestID, target string, timeout time.Duration, err error) breaker.Outcome {
	if err == nil {
		return breaker.Success
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return breaker.Ignored
	}

	var perr *pool.ProviderError
	switch {
	case errors.As(err, &perr):
		b.alerts.FlagProviderError(requestID, target, perr.StatusCode, err)
		if !perr.CountsAsFailure() {
			return breaker.Ignored
		}
	case errors.Is(err, context.DeadlineExceeded):
		b.alerts.FlagUpstreamTimeout(requestID, target, timeout)
	default:
		b.alerts.FlagProviderError(requestID, target, 0, err)
	}
	return breaker.Failure
}

// countsAsFailure is false only for provider client errors that are the
// caller's fault.
func countsAsFailure(err error) bool {
	var perr *pool.ProviderError
	if errors.As(err, &perr) {
		return perr.CountsAsFailure()
	}
	return true
}

func (b *Bridge) respond(c *pipeline.Call, t task.Target, fallback bool, comp *task.Completion) *task.Response {
	ep, _ := b.registry.Get(t.Endpoint)
	model := comp.Model
	if model == "" {
		model = t.Model
	}

	if comp.Usage.TotalTokens == 0 && comp.Content != "" {
		comp.Usage.PromptTokens = b.estimator.CountTokens(c.Plan.Contract.Input)
		comp.Usage.CompletionTokens = b.estimator.CountTokens(comp.Content)
		comp.Usage.TotalTokens = comp.Usage.PromptTokens + comp.Usage.CompletionTokens
	}

	var cst task.Cost
	if comp.Cost != nil {
		cst = *comp.Cost
	} else {
		cst = b.prices.Lookup(ep.Kind, ep.Locality, model).Compute(comp.Usage)
	}

	method := string(t.Strategy)
	if fallback {
		method = task.RoutingFallback
	}
	return &task.Response{
		Content:      comp.Content,
		Usage:        comp.Usage,
		Cost:         cst,
		Model:        model,
		Tier:         c.Plan.ResolvedTier,
		FinishReason: comp.FinishReason,
		Metadata: task.ResponseMetadata{
			RequestID:         c.RequestID,
			CorrelationID:     c.CorrelationID,
			RoutingMethod:     method,
			BridgeVersion:     Version,
			Target:            t.Endpoint,
			InferenceLocality: c.Plan.InferenceLocality,
			RequestedTier:     c.Plan.RequestedTier,
			TierDowngraded:    c.Plan.TierDowngraded,
			TierUpgraded:      c.Plan.TierUpgraded,
			TierReason:        c.Plan.TierReason,
			Attempts:          c.Attempts,
		},
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
