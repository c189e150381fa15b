package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/config"
	"github.com/compresr/ai-bridge/internal/policy"
	"github.com/compresr/ai-bridge/internal/task"
)

func testPolicy() config.PolicyConfig {
	return config.PolicyConfig{
		DefaultMode: "DEMO",
		DefaultTier: "STANDARD",
		Tiers: map[string]config.TierModels{
			"ECONOMY":  {Local: []string{"llama3.2:3b"}, External: []string{"gpt-4o-mini"}},
			"STANDARD": {Local: []string{"llama3.1:8b"}, External: []string{"claude-3-5-haiku-20241022"}},
			"PREMIUM":  {External: []string{"claude-sonnet-4-20250514"}},
		},
	}
}

// =============================================================================
// PRECEDENCE
// =============================================================================

func TestResolve_PhiAlwaysLocalOnly(t *testing.T) {
	r := policy.New(testPolicy(), nil)

	modes := []task.GovernanceMode{"", task.GovernanceDemo, task.GovernanceLive, task.GovernanceStandby}
	tiers := []task.Tier{"", task.TierEconomy, task.TierStandard, task.TierPremium}
	localities := []task.Locality{"", task.LocalityLocalOnly, task.LocalityPreferLocal}

	for _, mode := range modes {
		for _, tier := range tiers {
			for _, loc := range localities {
				d, err := r.Resolve(policy.Input{
					GovernanceMode:       mode,
					RequestedTier:        tier,
					RequestedLocality:    loc,
					RequirePhiCompliance: true,
				})
				require.NoError(t, err)
				assert.Equal(t, task.LocalityLocalOnly, d.Locality, "mode=%s tier=%s loc=%s", mode, tier, loc)
				assert.Empty(t, d.ExternalModels)
			}
		}
	}
}

func TestResolve_LiveIsLocalOnlyUnlessOverridden(t *testing.T) {
	d, err := policy.New(testPolicy(), nil).Resolve(policy.Input{GovernanceMode: task.GovernanceLive})
	require.NoError(t, err)
	assert.Equal(t, task.LocalityLocalOnly, d.Locality)

	cfg := testPolicy()
	cfg.LiveAllowExternal = true
	d, err = policy.New(cfg, nil).Resolve(policy.Input{GovernanceMode: task.GovernanceLive})
	require.NoError(t, err)
	assert.Equal(t, task.LocalityPreferLocal, d.Locality)
}

func TestResolve_Defaults(t *testing.T) {
	d, err := policy.New(testPolicy(), nil).Resolve(policy.Input{})
	require.NoError(t, err)
	assert.Equal(t, task.GovernanceDemo, d.Mode)
	assert.Equal(t, task.TierStandard, d.Tier)
	assert.Equal(t, task.LocalityPreferLocal, d.Locality)
	assert.False(t, d.Downgraded)
	assert.Equal(t, []string{"llama3.1:8b"}, d.LocalModels)
	assert.Equal(t, []string{"claude-3-5-haiku-20241022"}, d.ExternalModels)
}

func TestResolve_StandbyBehavesLikeDemo(t *testing.T) {
	d, err := policy.New(testPolicy(), nil).Resolve(policy.Input{GovernanceMode: task.GovernanceStandby, RequestedTier: task.TierPremium})
	require.NoError(t, err)
	assert.Equal(t, task.LocalityPreferLocal, d.Locality)
	assert.Equal(t, task.TierPremium, d.Tier)
}

// =============================================================================
// TIER DOWNGRADE
// =============================================================================

func TestResolve_PremiumDowngradedUnderPhiAndLive(t *testing.T) {
	d, err := policy.New(testPolicy(), nil).Resolve(policy.Input{
		GovernanceMode:       task.GovernanceLive,
		RequirePhiCompliance: true,
		RequestedTier:        task.TierPremium,
	})
	require.NoError(t, err)

	assert.Equal(t, task.TierStandard, d.Tier)
	assert.Equal(t, task.TierPremium, d.RequestedTier)
	assert.True(t, d.Downgraded)
	assert.False(t, d.Upgraded)
	assert.Contains(t, d.TierReason, "PREMIUM")
	assert.Contains(t, d.TierReason, "downgraded to STANDARD")
	assert.Equal(t, []string{"llama3.1:8b"}, d.LocalModels)
}

func TestResolve_UpgradesWhenNothingLower(t *testing.T) {
	cfg := testPolicy()
	cfg.Tiers["ECONOMY"] = config.TierModels{External: []string{"gpt-4o-mini"}}

	d, err := policy.New(cfg, nil).Resolve(policy.Input{RequirePhiCompliance: true, RequestedTier: task.TierEconomy})
	require.NoError(t, err)
	assert.Equal(t, task.TierStandard, d.Tier)
	assert.True(t, d.Upgraded)
	assert.False(t, d.Downgraded)
	assert.Contains(t, d.TierReason, "upgraded to STANDARD")
}

func TestResolve_NoLocalModelsAnywhere(t *testing.T) {
	cfg := testPolicy()
	cfg.Tiers = map[string]config.TierModels{"PREMIUM": {External: []string{"gpt-4o"}}}

	_, err := policy.New(cfg, nil).Resolve(policy.Input{RequirePhiCompliance: true})
	assert.True(t, apierr.Is(err, apierr.CodePolicyViolation))
}

// =============================================================================
// VIOLATIONS AND AUDIT
// =============================================================================

func TestResolve_ExternalOnlyViolations(t *testing.T) {
	r := policy.New(testPolicy(), nil)

	_, err := r.Resolve(policy.Input{RequirePhiCompliance: true, RequestedLocality: task.LocalityExternalOnly})
	assert.True(t, apierr.Is(err, apierr.CodePolicyViolation))

	_, err = r.Resolve(policy.Input{GovernanceMode: task.GovernanceLive, RequestedLocality: task.LocalityExternalOnly})
	assert.True(t, apierr.Is(err, apierr.CodePolicyViolation))

	d, err := r.Resolve(policy.Input{RequestedLocality: task.LocalityExternalOnly})
	require.NoError(t, err)
	assert.Equal(t, task.LocalityExternalOnly, d.Locality)
	assert.Empty(t, d.LocalModels)
}

func TestResolve_InvalidEnums(t *testing.T) {
	r := policy.New(testPolicy(), nil)

	_, err := r.Resolve(policy.Input{GovernanceMode: "PROD"})
	assert.True(t, apierr.Is(err, apierr.CodeValidation))

	_, err = r.Resolve(policy.Input{RequestedTier: "GOLD"})
	assert.True(t, apierr.Is(err, apierr.CodeValidation))
}

func TestResolve_AuditsEveryDecision(t *testing.T) {
	var calls, failures int
	r := policy.New(testPolicy(), func(_ policy.Input, d *policy.Decision, err error) {
		calls++
		if err != nil {
			failures++
			assert.Nil(t, d)
		}
	})

	_, _ = r.Resolve(policy.Input{})
	_, _ = r.Resolve(policy.Input{RequirePhiCompliance: true, RequestedLocality: task.LocalityExternalOnly})

	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, failures)
}
