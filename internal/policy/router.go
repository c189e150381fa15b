// Package policy resolves tier and inference locality for a task.
//
// DESIGN: Precedence, highest wins:
//  1. requirePhiCompliance         -> LOCAL_ONLY
//  2. governanceMode LIVE          -> LOCAL_ONLY (unless operator override)
//  3. otherwise (DEMO, STANDBY)    -> PREFER_LOCAL, external fallback permitted
//
// An explicit EXTERNAL_ONLY request that rule 1 or 2 forbids is a
// POLICY_VIOLATION, never a silent reroute. A requested tier that cannot be
// served under the resolved locality is downgraded (or, when nothing lower
// exists, upgraded to the nearest higher tier) and flagged either way.
package policy

import (
	"fmt"

	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/config"
	"github.com/compresr/ai-bridge/internal/task"
)

// Input is what the router needs to decide.
type Input struct {
	RequestID            string // logging only; not used to decide
	CorrelationID        string
	TaskType             string
	GovernanceMode       task.GovernanceMode
	RequirePhiCompliance bool
	RequestedTier        task.Tier
	RequestedLocality    task.Locality
}

// Decision is the resolved routing constraint.
type Decision struct {
	Tier            task.Tier
	RequestedTier   task.Tier
	Locality        task.Locality
	Mode            task.GovernanceMode
	Downgraded      bool
	Upgraded        bool
	TierReason      string
	Reason          string
	// Models lists candidate models for Tier, local first when allowed.
	LocalModels    []string
	ExternalModels []string
}

// AllowsExternal reports whether external targets may serve the request.
func (d *Decision) AllowsExternal() bool {
	return d.Locality != task.LocalityLocalOnly
}

// AuditFunc receives every decision (or violation) for the audit sink.
type AuditFunc func(in Input, d *Decision, err error)

// Router applies the governance policy and the tier table. Read-only after New.
type Router struct {
	liveAllowExternal bool
	defaultMode       task.GovernanceMode
	defaultTier       task.Tier
	tiers             map[task.Tier]config.TierModels
	audit             AuditFunc
}

// New creates a router from policy configuration.
func New(cfg config.PolicyConfig, audit AuditFunc) *Router {
	tiers := make(map[task.Tier]config.TierModels, len(cfg.Tiers))
	for name, models := range cfg.Tiers {
		tiers[task.Tier(name)] = models
	}
	if audit == nil {
		audit = func(Input, *Decision, error) {}
	}
	return &Router{
		liveAllowExternal: cfg.LiveAllowExternal,
		defaultMode:       task.GovernanceMode(cfg.DefaultMode),
		defaultTier:       task.Tier(cfg.DefaultTier),
		tiers:             tiers,
		audit:             audit,
	}
}

// Resolve decides tier and locality. Missing fields default; they never error.
func (r *Router) Resolve(in Input) (*Decision, error) {
	d, err := r.resolve(in)
	r.audit(in, d, err)
	return d, err
}

func (r *Router) resolve(in Input) (*Decision, error) {
	mode := in.GovernanceMode
	if mode == "" {
		mode = r.defaultMode
	}
	requested := in.RequestedTier
	if requested == "" {
		requested = r.defaultTier
	}
	if !mode.Valid() {
		return nil, apierr.Validation(fmt.Sprintf("options.governanceMode %q is not one of DEMO, LIVE, STANDBY", mode))
	}
	if requested.Rank() < 0 {
		return nil, apierr.Validation(fmt.Sprintf("options.requestedTier %q is not one of ECONOMY, STANDARD, PREMIUM", requested))
	}

	d := &Decision{Mode: mode, RequestedTier: requested}

	switch {
	case in.RequirePhiCompliance:
		d.Locality = task.LocalityLocalOnly
		d.Reason = "phi compliance requires local inference"
	case mode == task.GovernanceLive && !r.liveAllowExternal:
		d.Locality = task.LocalityLocalOnly
		d.Reason = "live governance restricts inference to local models"
	default:
		d.Locality = task.LocalityPreferLocal
		d.Reason = fmt.Sprintf("%s governance prefers local inference with external fallback", mode)
	}

	switch in.RequestedLocality {
	case task.LocalityExternalOnly:
		if d.Locality == task.LocalityLocalOnly {
			return nil, apierr.New(apierr.CodePolicyViolation,
				"external-only inference requested but %s", d.Reason)
		}
		d.Locality = task.LocalityExternalOnly
		d.Reason = "caller requested external-only inference"
	case task.LocalityLocalOnly:
		if d.Locality != task.LocalityLocalOnly {
			d.Locality = task.LocalityLocalOnly
			d.Reason = "caller requested local-only inference"
		}
	}

	tier, ok := r.servable(requested, d.Locality)
	if !ok {
		return nil, apierr.New(apierr.CodePolicyViolation,
			"no tier can be served under %s", d.Locality)
	}
	switch {
	case tier.Rank() < requested.Rank():
		d.Downgraded = true
		d.TierReason = fmt.Sprintf("%s is not available under %s; downgraded to %s", requested, d.Locality, tier)
	case tier.Rank() > requested.Rank():
		d.Upgraded = true
		d.TierReason = fmt.Sprintf("no tier at or below %s is available under %s; upgraded to %s", requested, d.Locality, tier)
	}
	d.Tier = tier

	models := r.tiers[tier]
	if d.Locality != task.LocalityExternalOnly {
		d.LocalModels = models.Local
	}
	if d.AllowsExternal() {
		d.ExternalModels = models.External
	}
	return d, nil
}

// servable returns the requested tier when it has models under locality,
// else the highest lower tier that does, else the nearest higher one.
func (r *Router) servable(requested task.Tier, locality task.Locality) (task.Tier, bool) {
	if r.hasModels(requested, locality) {
		return requested, true
	}
	rank := requested.Rank()
	for i := rank - 1; i >= 0; i-- {
		if r.hasModels(task.Tiers[i], locality) {
			return task.Tiers[i], true
		}
	}
	for i := rank + 1; i < len(task.Tiers); i++ {
		if r.hasModels(task.Tiers[i], locality) {
			return task.Tiers[i], true
		}
	}
	return "", false
}

func (r *Router) hasModels(tier task.Tier, locality task.Locality) bool {
	models := r.tiers[tier]
	switch locality {
	case task.LocalityLocalOnly:
		return len(models.Local) > 0
	case task.LocalityExternalOnly:
		return len(models.External) > 0
	default:
		return len(models.Local)+len(models.External) > 0
	}
}
