// Package cost prices model usage and estimates prompt tokens.
//
// DESIGN: Prices are USD per one million tokens, keyed by endpoint kind and
// model, with a "*" default per kind. Local inference is free. Operators
// override or extend the built-in table through pricing.models in config.
package cost

import (
	"github.com/compresr/ai-bridge/internal/config"
	"github.com/compresr/ai-bridge/internal/task"
)

// Price is USD per one million tokens.
type Price struct {
	Input  float64
	Output float64
}

// defaultPrices is the built-in table (USD per 1M tokens).
var defaultPrices = map[string]map[string]Price{
	config.KindAnthropic: {
		"claude-opus-4-20250514":     {Input: 15, Output: 75},
		"claude-sonnet-4-20250514":   {Input: 3, Output: 15},
		"claude-3-5-sonnet-20241022": {Input: 3, Output: 15},
		"claude-3-5-haiku-20241022":  {Input: 0.8, Output: 4},
		"claude-3-haiku-20240307":    {Input: 0.25, Output: 1.25},
		"*":                          {Input: 3, Output: 15},
	},
	config.KindOpenAI: {
		"gpt-4o":        {Input: 2.5, Output: 10},
		"gpt-4o-mini":   {Input: 0.15, Output: 0.6},
		"gpt-4-turbo":   {Input: 10, Output: 30},
		"gpt-3.5-turbo": {Input: 0.5, Output: 1.5},
		"o1-mini":       {Input: 3, Output: 12},
		"*":             {Input: 10, Output: 30},
	},
	config.KindGemini: {
		"gemini-2.0-flash": {Input: 0.1, Output: 0.4},
		"gemini-1.5-pro":   {Input: 1.25, Output: 5},
		"gemini-1.5-flash": {Input: 0.075, Output: 0.3},
		"*":                {Input: 1.25, Output: 5},
	},
	config.KindBedrock: {
		"anthropic.claude-3-5-sonnet-20241022-v2:0": {Input: 3, Output: 15},
		"anthropic.claude-3-haiku-20240307-v1:0":    {Input: 0.25, Output: 1.25},
		"*":                                         {Input: 3, Output: 15},
	},
	config.KindAgent: {
		"*": {Input: 3, Output: 15},
	},
}

// Table resolves prices. Read-only after NewTable.
type Table struct {
	overrides map[string]Price
}

// NewTable creates a price table with operator overrides keyed by model.
func NewTable(cfg config.PricingConfig) *Table {
	overrides := make(map[string]Price, len(cfg.Models))
	for model, p := range cfg.Models {
		overrides[model] = Price{Input: p.Input, Output: p.Output}
	}
	return &Table{overrides: overrides}
}

// Lookup returns the price for a model served by an endpoint of kind and locality.
func (t *Table) Lookup(kind, locality, model string) Price {
	if p, ok := t.overrides[model]; ok {
		return p
	}
	if locality == config.LocalityLocal || kind == config.KindOllama {
		return Price{}
	}
	byModel, ok := defaultPrices[kind]
	if !ok {
		return Price{}
	}
	if p, ok := byModel[model]; ok {
		return p
	}
	return byModel["*"]
}

// Ceiling returns the highest price any kind charges for the given models.
// Admission uses it before the serving endpoint is known.
func (t *Table) Ceiling(models []string) Price {
	var out Price
	for _, m := range models {
		p, ok := t.overrides[m]
		if !ok {
			for _, byModel := range defaultPrices {
				if q, found := byModel[m]; found && q.total() > p.total() {
					p = q
				}
			}
		}
		if p.total() > out.total() {
			out = p
		}
	}
	return out
}

func (p Price) total() float64 { return p.Input + p.Output }

// Compute prices token usage.
func (p Price) Compute(u task.Usage) task.Cost {
	in := float64(u.PromptTokens) * p.Input / 1e6
	out := float64(u.CompletionTokens) * p.Output / 1e6
	return task.Cost{Input: in, Output: out, Total: in + out}
}
