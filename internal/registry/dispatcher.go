package registry

import (
	"sort"

	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/config"
	"github.com/compresr/ai-bridge/internal/policy"
	"github.com/compresr/ai-bridge/internal/task"
)

// Dispatcher turns a policy decision into a Dispatch Plan.
type Dispatcher struct {
	registry         *Registry
	defaultMaxTokens int
}

// NewDispatcher creates a dispatcher over a loaded registry.
func NewDispatcher(r *Registry, defaultMaxTokens int) *Dispatcher {
	return &Dispatcher{registry: r, defaultMaxTokens: defaultMaxTokens}
}


// PlanInput is everything needed to build one plan.
type PlanInput struct {
	RequestID string
	Caller    task.Identity
	Request   *task.Request
	Decision  *policy.Decision
	Stream    bool
}

// Plan picks the primary target and ordered fallbacks, and builds the
// Task Contract. Streaming against a primary without the stream capability
// fails here, before any network call.
func (d *Dispatcher) Plan(in PlanInput) (*task.Plan, error) {
	taskType := in.Request.Options.TaskType
	eps, err := d.registry.Candidates(taskType)
	if err != nil {
		return nil, err
	}

	var targets []task.Target
	for _, ep := range eps {
		if !allowed(ep, in.Decision) {
			continue
		}
		if !in.Stream && !ep.Supports(config.CapabilityInvoke) {
			continue
		}
		model, ok := pickModel(ep, in.Decision)
		if !ok {
			continue
		}
		targets = append(targets, task.Target{
			Endpoint: ep.Name,
			URL:      ep.URL,
			Kind:     ep.Kind,
			Locality: ep.Locality,
			Model:    model,
			Strategy: strategyOf(ep),
		})
	}

	if len(targets) == 0 {
		return nil, apierr.New(apierr.CodePolicyViolation,
			"no endpoint for task type %q can serve tier %s under %s", taskType, in.Decision.Tier, in.Decision.Locality)
	}

	if in.Decision.Locality == task.LocalityPreferLocal {
		sort.SliceStable(targets, func(i, j int) bool {
			return targets[i].Locality == config.LocalityLocal && targets[j].Locality != config.LocalityLocal
		})
	}

	if in.Stream {
		primary, _ := d.registry.Get(targets[0].Endpoint)
		if !primary.Supports(config.CapabilityStream) {
			return nil, apierr.New(apierr.CodeUnsupportedCapability,
				"endpoint %q does not support streaming", primary.Name)
		}
		streamable := targets[:1]
		for _, t := range targets[1:] {
			if ep, _ := d.registry.Get(t.Endpoint); ep.Supports(config.CapabilityStream) {
				streamable = append(streamable, t)
			}
		}
		targets = streamable
	}

	maxTokens := in.Request.Options.MaxTokens
	if maxTokens == 0 {
		maxTokens = d.defaultMaxTokens
	}

	primary := targets[0]
	return &task.Plan{
		Strategy:          primary.Strategy,
		Primary:           primary,
		Fallbacks:         targets[1:],
		ResolvedTier:      in.Decision.Tier,
		RequestedTier:     in.Decision.RequestedTier,
		InferenceLocality: in.Decision.Locality,
		TierDowngraded:    in.Decision.Downgraded,
		TierUpgraded:      in.Decision.Upgraded,
		TierReason:        in.Decision.TierReason,
		Contract: task.Contract{
			TaskID:   in.RequestID,
			TaskType: taskType,
			Input:    in.Request.Prompt,
			Config: task.ContractConfig{
				Model:       primary.Model,
				Temperature: in.Request.Options.Temperature,
				MaxTokens:   maxTokens,
				Stream:      in.Stream,
			},
			RequestMetadata: task.ContractMetadata{
				Metadata:  in.Request.Metadata,
				RequestID: in.RequestID,
				StageID:   in.Request.Options.StageID,
				CallerID:  in.Caller.CallerID,
				Tier:      in.Decision.Tier,
			},
		},
	}, nil
}

func allowed(ep *Endpoint, d *policy.Decision) bool {
	switch d.Locality {
	case task.LocalityLocalOnly:
		return ep.IsLocal()
	case task.LocalityExternalOnly:
		return !ep.IsLocal()
	default:
		return true
	}
}

// pickModel returns the first tier model the endpoint serves. Agent
// endpoints choose their own model and fall back to their first declared one.
func pickModel(ep *Endpoint, d *policy.Decision) (string, bool) {
	tierModels := d.ExternalModels
	if ep.IsLocal() {
		tierModels = d.LocalModels
	}
	for _, m := range tierModels {
		if ep.ServesModel(m) {
			return m, true
		}
	}
	if ep.Kind == config.KindAgent {
		return ep.Models[0], true
	}
	return "", false
}

func strategyOf(ep *Endpoint) task.Strategy {
	if ep.Kind == config.KindAgent {
		return task.StrategyAgent
	}
	return task.StrategyDirect
}
