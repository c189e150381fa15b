// Policy configuration - governance behaviour and the tier table.
//
// DESIGN: The tier table lists, per tier, which models may serve it locally
// and which externally. A tier with no local models (PREMIUM by default) is
// external-only and cannot be honored under LOCAL_ONLY.
package config

import "fmt"

// Known tier names, cheapest first.
var tierNames = []string{"ECONOMY", "STANDARD", "PREMIUM"}

// TierModels lists models per locality for one tier.
type TierModels struct {
	Local    []string `yaml:"local"`
	External []string `yaml:"external"`
}

// PolicyConfig controls the policy router.
type PolicyConfig struct {
	// LiveAllowExternal is the operator override permitting external inference in LIVE mode.
	LiveAllowExternal bool                  `yaml:"live_allow_external"`
	DefaultMode       string                `yaml:"default_mode"` // DEMO when empty
	DefaultTier       string                `yaml:"default_tier"` // STANDARD when empty
	Tiers             map[string]TierModels `yaml:"tiers"`
}

func (p *PolicyConfig) applyDefaults() {
	if p.DefaultMode == "" {
		p.DefaultMode = "DEMO"
	}
	if p.DefaultTier == "" {
		p.DefaultTier = "STANDARD"
	}
	if len(p.Tiers) == 0 {
		p.Tiers = map[string]TierModels{
			"ECONOMY":  {Local: []string{"llama3.2:3b"}, External: []string{"gpt-4o-mini"}},
			"STANDARD": {Local: []string{"llama3.1:8b"}, External: []string{"claude-3-5-haiku-20241022"}},
			"PREMIUM":  {External: []string{"claude-sonnet-4-20250514", "gpt-4o"}},
		}
	}
}

// Validate checks tier names and that at least one tier is servable.
func (p *PolicyConfig) Validate() error {
	switch p.DefaultMode {
	case "DEMO", "LIVE", "STANDBY":
	default:
		return fmt.Errorf("invalid policy.default_mode: %q", p.DefaultMode)
	}
	if !knownTier(p.DefaultTier) {
		return fmt.Errorf("invalid policy.default_tier: %q", p.DefaultTier)
	}
	servable := false
	for name, models := range p.Tiers {
		if !knownTier(name) {
			return fmt.Errorf("invalid tier %q in policy.tiers (must be one of %v)", name, tierNames)
		}
		if len(models.Local)+len(models.External) > 0 {
			servable = true
		}
	}
	if !servable {
		return fmt.Errorf("policy.tiers must list at least one model")
	}
	return nil
}

func knownTier(name string) bool {
	for _, t := range tierNames {
		if t == name {
			return true
		}
	}
	return false
}
