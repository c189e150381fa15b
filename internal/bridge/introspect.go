package bridge

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/compresr/ai-bridge/internal/breaker"
	"github.com/compresr/ai-bridge/internal/config"
)

// Health statuses.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Dependency is the health of one downstream target.
type Dependency struct {
	Status   string `json:"status"`
	Circuit  string `json:"circuit"`
	Locality string `json:"locality"`
	InFlight int    `json:"inFlight"`
	Error    string `json:"error,omitempty"`
}

// Health is the result of a health probe. It carries no timestamps so
// repeated healthy probes are identical.
type Health struct {
	Status       string                `json:"status"`
	Version      string                `json:"version"`
	Dependencies map[string]Dependency `json:"dependencies"`
}

// Healthy reports whether every dependency is healthy.
func (h *Health) Healthy() bool { return h.Status == StatusHealthy }

// Health reads every breaker and pings every distinct target once, in
// parallel. An open circuit or a failed ping marks that dependency, and the
// whole report, degraded.
func (b *Bridge) Health(ctx context.Context) *Health {
	h := &Health{Status: StatusHealthy, Version: Version, Dependencies: map[string]Dependency{}}

	circuits := map[string]string{}
	for _, s := range b.breakers.Snapshot() {
		circuits[s.Target] = s.State
	}
	inFlight := b.pool.Stats()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range b.registry.Endpoints() {
		g.Go(func() error {
			dep := Dependency{
				Status:   StatusHealthy,
				Circuit:  breaker.Closed.String(),
				Locality: ep.Locality,
				InFlight: inFlight[ep.Name],
			}
			if state, ok := circuits[ep.Name]; ok {
				dep.Circuit = state
			}

			url := ep.HealthURL
			if url == "" {
				url = ep.URL
			}
			if err := b.pool.Ping(gctx, url, b.cfg.Dispatch.PingTimeout); err != nil {
				dep.Status = StatusDegraded
				dep.Error = err.Error()
			}
			if dep.Circuit == breaker.Open.String() {
				dep.Status = StatusDegraded
			}

			mu.Lock()
			h.Dependencies[ep.Name] = dep
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, dep := range h.Dependencies {
		if dep.Status != StatusHealthy {
			h.Status = StatusDegraded
			break
		}
	}
	return h
}

// EndpointInfo describes one registered endpoint.
type EndpointInfo struct {
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	Locality     string   `json:"locality"`
	Capabilities []string `json:"capabilities"`
	Models       []string `json:"models"`
}

// Limits are the operator-configured ceilings.
type Limits struct {
	MaxBatchSize      int     `json:"maxBatchSize"`
	MaxTokens         int     `json:"maxTokens"`
	DefaultMaxTokens  int     `json:"defaultMaxTokens"`
	RequestsPerWindow int     `json:"requestsPerWindow"`
	CostPerWindow     float64 `json:"costPerWindow"`
	Window            string  `json:"window"`
}

// Capabilities is the static service descriptor.
type Capabilities struct {
	Version         string         `json:"version"`
	Endpoints       []EndpointInfo `json:"endpoints"`
	TaskTypes       []string       `json:"taskTypes"`
	Features        []string       `json:"features"`
	Tiers           []string       `json:"tiers"`
	GovernanceModes []string       `json:"governanceModes"`
	Limits          Limits         `json:"limits"`
}

// Capabilities describes the service. It reads only immutable state.
func (b *Bridge) Capabilities() *Capabilities {
	out := &Capabilities{
		Version:         Version,
		TaskTypes:       b.registry.TaskTypes(),
		Features:        b.features(),
		GovernanceModes: []string{"DEMO", "LIVE", "STANDBY"},
		Limits: Limits{
			MaxBatchSize:      b.optimizer.MaxSize(),
			MaxTokens:         b.cfg.Dispatch.MaxTokensLimit,
			DefaultMaxTokens:  b.cfg.Dispatch.DefaultMaxTokens,
			RequestsPerWindow: b.cfg.Limits.MaxRequests,
			CostPerWindow:     b.cfg.Limits.MaxCost,
			Window:            b.cfg.Limits.Window.String(),
		},
	}
	for _, tier := range []string{"ECONOMY", "STANDARD", "PREMIUM"} {
		if m := b.cfg.Policy.Tiers[tier]; len(m.Local)+len(m.External) > 0 {
			out.Tiers = append(out.Tiers, tier)
		}
	}
	for _, ep := range b.registry.Endpoints() {
		out.Endpoints = append(out.Endpoints, EndpointInfo{
			Name:         ep.Name,
			Kind:         ep.Kind,
			Locality:     ep.Locality,
			Capabilities: ep.Capabilities,
			Models:       ep.Models,
		})
	}
	return out
}

func (b *Bridge) features() []string {
	set := map[string]bool{"invoke": true, "batch": true, "health": true, "metrics": true, "capabilities": true}
	for _, ep := range b.registry.Endpoints() {
		if ep.Supports(config.CapabilityStream) {
			set["stream"] = true
			set["stream_ws"] = true
		}
		if ep.Kind == config.KindBedrock {
			set["sigv4"] = true
		}
	}
	if b.guard.Enabled() {
		set["admission_control"] = true
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Metrics renders the ledger in Prometheus text format.
func (b *Bridge) Metrics() (string, error) {
	return b.ledger.Render()
}
