package task

import (
	"fmt"
	"strings"
)

// MaxPromptBytes bounds a single prompt.
const MaxPromptBytes = 1 << 20

// Validate checks a single request and returns human-readable details.
// Missing optional fields are never errors; unknown enum values are.
func (r *Request) Validate(maxTokensLimit int) []string {
	var details []string
	if strings.TrimSpace(r.Prompt) == "" {
		details = append(details, "prompt is required")
	} else if len(r.Prompt) > MaxPromptBytes {
		details = append(details, fmt.Sprintf("prompt exceeds %d bytes", MaxPromptBytes))
	}
	return append(details, r.Options.validate(maxTokensLimit)...)
}

func (o *Options) validate(maxTokensLimit int) []string {
	var details []string
	if !o.GovernanceMode.Valid() {
		details = append(details, fmt.Sprintf("options.governanceMode %q is not one of DEMO, LIVE, STANDBY", o.GovernanceMode))
	}
	if !o.RequestedTier.Valid() {
		details = append(details, fmt.Sprintf("options.requestedTier %q is not one of ECONOMY, STANDARD, PREMIUM", o.RequestedTier))
	}
	if !o.RequestedLocality.Valid() {
		details = append(details, fmt.Sprintf("options.requestedLocality %q is not one of LOCAL_ONLY, PREFER_LOCAL, EXTERNAL_ONLY", o.RequestedLocality))
	}
	if o.MaxTokens < 0 {
		details = append(details, "options.maxTokens must not be negative")
	}
	if maxTokensLimit > 0 && o.MaxTokens > maxTokensLimit {
		details = append(details, fmt.Sprintf("options.maxTokens exceeds limit %d", maxTokensLimit))
	}
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 2) {
		details = append(details, "options.temperature must be between 0 and 2")
	}
	return details
}

// Validate checks a batch request. maxBatchSize is the hard maximum.
func (b *BatchRequest) Validate(maxBatchSize, maxTokensLimit int) []string {
	var reasons []string
	switch {
	case len(b.Prompts) == 0:
		reasons = append(reasons, "prompts must contain at least one entry")
	case maxBatchSize > 0 && len(b.Prompts) > maxBatchSize:
		reasons = append(reasons, fmt.Sprintf("batch size %d exceeds maximum %d", len(b.Prompts), maxBatchSize))
	}
	for i, p := range b.Prompts {
		if strings.TrimSpace(p) == "" {
			reasons = append(reasons, fmt.Sprintf("prompts[%d] is empty", i))
		} else if len(p) > MaxPromptBytes {
			reasons = append(reasons, fmt.Sprintf("prompts[%d] exceeds %d bytes", i, MaxPromptBytes))
		}
	}
	return append(reasons, b.Options.validate(maxTokensLimit)...)
}
