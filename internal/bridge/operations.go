package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/compresr/ai-bridge/internal/adapters"
	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/breaker"
	"github.com/compresr/ai-bridge/internal/monitoring"
	"github.com/compresr/ai-bridge/internal/pipeline"
	"github.com/compresr/ai-bridge/internal/pool"
	"github.com/compresr/ai-bridge/internal/stream"
	"github.com/compresr/ai-bridge/internal/task"
)

// Invoke runs one request through the full pipeline. correlationID is the
// caller's own id and may be empty or repeat; the bridge always assigns a
// fresh request id.
func (b *Bridge) Invoke(ctx context.Context, caller task.Identity, req *task.Request, correlationID string) (*task.Response, error) {
	c := b.newCall(caller, req, correlationID, false)
	ctx = monitoring.WithRequestIDContext(ctx, c.RequestID)

	err := b.invokePipeline.Run(ctx, c)
	b.finish(ctx, c, err)
	if err != nil {
		return nil, err
	}
	return c.Response, nil
}

// Batch validates the whole batch, then runs each item through Invoke. Item
// i carries correlation id "<batchID>-<i>". Item failures are reported per
// item; only a batch validation failure is returned as an error.
func (b *Bridge) Batch(ctx context.Context, caller task.Identity, req *task.BatchRequest, correlationID string) (*task.BatchResponse, error) {
	requestID := uuid.NewString()
	if req == nil {
		return nil, apierr.BatchValidation("request body is required")
	}
	if err := b.optimizer.Validate(req, b.cfg.Dispatch.MaxTokensLimit); err != nil {
		b.alerts.FlagInvalidRequest(requestID, err.Error())
		return nil, err
	}

	groups := b.optimizer.Plan(req)
	resp := b.optimizer.Execute(ctx, req, groups, func(ctx context.Context, i int, item task.Request) (*task.Response, error) {
		return b.Invoke(ctx, caller, &item, fmt.Sprintf("%s-%d", requestID, i))
	})
	resp.Metadata = task.ResponseMetadata{
		RequestID:     requestID,
		CorrelationID: correlationID,
		RoutingMethod: task.RoutingBatch,
		BridgeVersion: Version,
	}

	b.logger.Info().
		Str("request_id", requestID).
		Str("correlation_id", correlationID).
		Int("items", len(req.Prompts)).
		Int("groups", len(groups)).
		Int("succeeded", resp.SuccessCount).
		Int("failed", resp.ErrorCount).
		Float64("cost_usd", resp.TotalCost).
		Msg("batch completed")
	return resp, nil
}

// StreamStatus is the payload of the first stream event.
type StreamStatus struct {
	RequestID         string        `json:"requestId"`
	CorrelationID     string        `json:"correlationId,omitempty"`
	Target            string        `json:"target"`
	Model             string        `json:"model"`
	Tier              task.Tier     `json:"tier"`
	RequestedTier     task.Tier     `json:"requestedTier"`
	InferenceLocality task.Locality `json:"inferenceLocality"`
	TierDowngraded    bool          `json:"tierDowngraded"`
	TierUpgraded      bool          `json:"tierUpgraded,omitempty"`
	TierReason        string        `json:"tierReason,omitempty"`
	BridgeVersion     string        `json:"bridgeVersion"`
}

// Stream validates, admits, routes and plans the request, then relays the
// provider's stream to sink. An error from any of those steps is returned
// before sink is touched, so the caller can still answer with a plain error.
// Once the relay starts, provider failures become the terminal error event
// and the only error returned wraps stream.ErrSinkClosed.
func (b *Bridge) Stream(ctx context.Context, caller task.Identity, req *task.Request, correlationID string, sink stream.Sink) error {
	c := b.newCall(caller, req, correlationID, true)
	ctx = monitoring.WithRequestIDContext(ctx, c.RequestID)

	if err := b.streamPipeline.Run(ctx, c); err != nil {
		b.finish(ctx, c, err)
		return err
	}

	status := StreamStatus{
		RequestID:         c.RequestID,
		CorrelationID:     c.CorrelationID,
		Target:            c.Plan.Primary.Endpoint,
		Model:             c.Plan.Primary.Model,
		Tier:              c.Plan.ResolvedTier,
		RequestedTier:     c.Plan.RequestedTier,
		InferenceLocality: c.Plan.InferenceLocality,
		TierDowngraded:    c.Plan.TierDowngraded,
		TierUpgraded:      c.Plan.TierUpgraded,
		TierReason:        c.Plan.TierReason,
		BridgeVersion:     Version,
	}

	var produceErr error
	err := b.relay.Run(ctx, sink, status, func(ctx context.Context, emit func(string) error) (any, error) {
		resp, err := b.streamTargets(ctx, c, emit)
		if err != nil {
			produceErr = err
			return nil, err
		}
		c.Response = resp
		return resp, nil
	})

	switch {
	case c.Response != nil:
		b.finish(ctx, c, nil)
	case err != nil:
		// The client left first; whatever the producer saw was our cancel.
		b.finish(ctx, c, errors.Join(context.Canceled, err))
	default:
		if produceErr == nil {
			produceErr = apierr.New(apierr.CodeInternal, "stream producer failed")
		}
		b.finish(ctx, c, produceErr)
	}
	if err != nil {
		b.logger.Info().Err(err).Str("request_id", c.RequestID).Msg("stream client went away")
	}
	return err
}

// streamTargets tries the plan's targets in order. A target may be
// abandoned for the next one only before it has emitted any content.
func (b *Bridge) streamTargets(ctx context.Context, c *pipeline.Call, emit func(string) error) (*task.Response, error) {
	targets := append([]task.Target{c.Plan.Primary}, c.Plan.Fallbacks...)

	var lastErr error
	for i, t := range targets {
		started := false
		comp, err := b.streamTarget(ctx, c, t, func(delta string) error {
			started = true
			return emit(delta)
		})
		if err == nil {
			return b.respond(c, t, i > 0, comp), nil
		}
		lastErr = err
		if started || !fallbackWorthy(ctx, err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// streamTarget streams from one target, retrying transient failures that
// happen before any content was relayed.
func (b *Bridge) streamTarget(ctx context.Context, c *pipeline.Call, t task.Target, emit adapters.EmitFunc) (*task.Completion, error) {
	ep, adapter, err := b.resolveTarget(t)
	if err != nil {
		return nil, err
	}
	contract := c.Plan.Contract
	contract.Config.Model = t.Model
	contract.Config.Stream = true
	call, err := adapter.BuildCall(ep, &contract)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, err, "build stream request for %q", t.Endpoint)
	}

	// Retrying is safe only until the first delta reaches the client.
	started := false
	emitTracked := func(delta string) error {
		started = true
		return emit(delta)
	}
	return b.withRetries(ctx, b.breakers.Get(t.Endpoint), func() bool { return !started },
		func(n int, att *breaker.Attempt) (*task.Completion, error) {
			return b.streamAttempt(ctx, c, t, call, adapter, att, n, emitTracked)
		})
}

// streamAttempt opens one upstream stream. The pooled connection is closed
// on every exit path, which also cancels the upstream request.
func (b *Bridge) streamAttempt(ctx context.Context, c *pipeline.Call, t task.Target, call *pool.Call,
	adapter adapters.Adapter, att *breaker.Attempt, n int, emit adapters.EmitFunc) (*task.Completion, error) {
	defer att.Release()

	c.Attempts++
	b.reqLog.LogOutgoing(&monitoring.OutgoingRequestInfo{
		RequestID: c.RequestID,
		Target:    t.Endpoint,
		Kind:      t.Kind,
		Model:     t.Model,
		Attempt:   n,
		Stream:    true,
	})

	timeout := b.cfg.Dispatch.StreamTimeout
	start := b.now()
	conn, err := b.pool.Stream(ctx, call, timeout)
	if err != nil {
		att.Done(b.outcome(ctx, c.RequestID, t.Endpoint, timeout, err))
		return nil, err
	}
	defer conn.Close()

	comp, err := adapter.DecodeStream(conn.Body, emit)
	att.Done(b.outcome(ctx, c.RequestID, t.Endpoint, timeout, err))
	if err != nil {
		return nil, err
	}
	comp.Latency = b.now().Sub(start)
	return comp, nil
}
