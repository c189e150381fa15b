package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/monitoring"
	"github.com/compresr/ai-bridge/internal/pipeline"
	"github.com/compresr/ai-bridge/internal/policy"
	"github.com/compresr/ai-bridge/internal/registry"
	"github.com/compresr/ai-bridge/internal/task"
)

// =============================================================================
// STAGES
// =============================================================================

// newCall admits a request under a fresh request id. The caller's
// correlation id is carried for logs and audit only.
func (b *Bridge) newCall(caller task.Identity, req *task.Request, correlationID string, streaming bool) *pipeline.Call {
	return &pipeline.Call{
		RequestID:     uuid.NewString(),
		CorrelationID: correlationID,
		Caller:        caller,
		Request:       req,
		Stream:        streaming,
		Start:         b.now(),
	}
}

func (b *Bridge) validate(_ context.Context, c *pipeline.Call) error {
	if c.Request == nil {
		return apierr.Validation("request body is required")
	}
	if details := c.Request.Validate(b.cfg.Dispatch.MaxTokensLimit); len(details) > 0 {
		b.alerts.FlagInvalidRequest(c.RequestID, details[0])
		return apierr.Validation(details...)
	}
	return nil
}

// admit reserves the worst-case cost of the request before any routing.
// The serving endpoint is unknown here, so the estimate prices the requested
// tier at its most expensive model.
func (b *Bridge) admit(ctx context.Context, c *pipeline.Call) error {
	_, est := b.estimate(c.Request)
	c.EstimatedCost = est.Total

	ticket, err := b.guard.Admit(ctx, c.Caller.CallerID, est.Total)
	if err != nil {
		e := apierr.From(err)
		b.ledger.RecordRejection(string(e.Code))
		b.alerts.FlagAdmissionRejected(c.RequestID, c.Caller.CallerID, string(e.Code), e.RetryAfter)
		return err
	}
	c.Ticket = ticket
	return nil
}

func (b *Bridge) route(_ context.Context, c *pipeline.Call) error {
	o := c.Request.Options
	d, err := b.router.Resolve(policy.Input{
		RequestID:            c.RequestID,
		CorrelationID:        c.CorrelationID,
		TaskType:             o.TaskType,
		GovernanceMode:       o.GovernanceMode,
		RequirePhiCompliance: o.RequirePhiCompliance,
		RequestedTier:        o.RequestedTier,
		RequestedLocality:    o.RequestedLocality,
	})
	if err != nil {
		if apierr.Is(err, apierr.CodePolicyViolation) {
			b.alerts.FlagPolicyViolation(c.RequestID, o.TaskType, apierr.From(err).Message)
		}
		return err
	}
	c.Decision = d
	return nil
}

func (b *Bridge) plan(_ context.Context, c *pipeline.Call) error {
	p, err := b.dispatcher.Plan(registry.PlanInput{
		RequestID: c.RequestID,
		Caller:    c.Caller,
		Request:   c.Request,
		Decision:  c.Decision,
		Stream:    c.Stream,
	})
	if err != nil {
		if apierr.Is(err, apierr.CodePolicyViolation) {
			b.alerts.FlagPolicyViolation(c.RequestID, c.Request.Options.TaskType, apierr.From(err).Message)
		}
		return err
	}
	c.Plan = p
	return nil
}

// =============================================================================
// ACCOUNTING
// =============================================================================

// estimate prices a request at the ceiling of its requested tier.
func (b *Bridge) estimate(req *task.Request) (task.Usage, task.Cost) {
	tier := req.Options.RequestedTier
	if tier == "" {
		tier = task.Tier(b.cfg.Policy.DefaultTier)
	}
	models := b.cfg.Policy.Tiers[string(tier)]
	all := append(append([]string(nil), models.Local...), models.External...)

	maxTokens := req.Options.MaxTokens
	if maxTokens == 0 {
		maxTokens = b.cfg.Dispatch.DefaultMaxTokens
	}
	return b.estimator.Estimate(req.Prompt, maxTokens, b.prices.Ceiling(all))
}

// finish settles admission, records the ledger entry and emits the dispatch
// outcome. It runs once per request whatever the outcome.
func (b *Bridge) finish(ctx context.Context, c *pipeline.Call, err error) {
	elapsed := b.now().Sub(c.Start)
	outcome := "success"
	switch {
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	case err != nil:
		outcome = string(apierr.CodeOf(err))
	}

	var actual float64
	entry := monitoring.LedgerEntry{
		RequestID: c.RequestID,
		TaskType:  c.Request.Options.TaskType,
		Outcome:   outcome,
		Duration:  elapsed,
	}
	if c.Response != nil {
		actual = c.Response.Cost.Total
		entry.Tier = string(c.Response.Tier)
		entry.CostUSD = actual
		entry.PromptTokens = c.Response.Usage.PromptTokens
		entry.CompletionTokens = c.Response.Usage.CompletionTokens
	} else if c.Decision != nil {
		entry.Tier = string(c.Decision.Tier)
	}
	if c.Ticket != nil {
		// Settle outlives a cancelled caller so the window stays accurate.
		settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		b.guard.Settle(settleCtx, c.Ticket, actual)
		cancel()
	}
	b.ledger.RecordRequest(entry)

	if c.Plan == nil {
		return
	}
	ev := &monitoring.AuditEvent{
		Kind:          monitoring.AuditDispatchOutcome,
		Timestamp:     b.now(),
		RequestID:     c.RequestID,
		CorrelationID: c.CorrelationID,
		CallerID:      c.Caller.CallerID,
		TaskType:      c.Request.Options.TaskType,
		Tier:          string(c.Plan.ResolvedTier),
		RequestedTier: string(c.Plan.RequestedTier),
		Locality:      string(c.Plan.InferenceLocality),
		Downgraded:    c.Plan.TierDowngraded,
		Target:        c.Plan.Primary.Endpoint,
		Model:         c.Plan.Primary.Model,
		Outcome:       outcome,
		Attempts:      c.Attempts,
		LatencyMs:     elapsed.Milliseconds(),
		CostUSD:       actual,
	}
	if c.Response != nil {
		ev.Target = c.Response.Metadata.Target
		ev.Model = c.Response.Model
		ev.RoutingMethod = c.Response.Metadata.RoutingMethod
	}
	if err != nil {
		ev.Reason = apierr.From(err).Message
	}
	b.auditor.Emit(ev)
	b.alerts.FlagHighLatency(c.RequestID, elapsed, ev.Target, ev.TaskType)
}

// auditDecision is the policy router's audit hook.
func (b *Bridge) auditDecision(in policy.Input, d *policy.Decision, err error) {
	ev := &monitoring.AuditEvent{
		Kind:          monitoring.AuditPolicyDecision,
		Timestamp:     b.now(),
		RequestID:     in.RequestID,
		CorrelationID: in.CorrelationID,
		TaskType:      in.TaskType,
		Mode:          string(in.GovernanceMode),
		Phi:           in.RequirePhiCompliance,
		RequestedTier: string(in.RequestedTier),
		Outcome:       "success",
	}
	if d != nil {
		ev.Mode = string(d.Mode)
		ev.RequestedTier = string(d.RequestedTier)
		ev.Tier = string(d.Tier)
		ev.Locality = string(d.Locality)
		ev.Downgraded = d.Downgraded
		ev.Reason = d.Reason
		if d.TierReason != "" {
			ev.Reason = d.TierReason
		}
	}
	if err != nil {
		e := apierr.From(err)
		ev.Outcome = string(e.Code)
		ev.Reason = e.Message
	}
	b.auditor.Emit(ev)
}
