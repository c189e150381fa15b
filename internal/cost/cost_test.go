package cost_test

import (
	"errors"
	"testing"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/stretchr/testify/assert"

	"github.com/compresr/ai-bridge/internal/config"
	"github.com/compresr/ai-bridge/internal/cost"
	"github.com/compresr/ai-bridge/internal/task"
)

func TestTable_Lookup(t *testing.T) {
	table := cost.NewTable(config.PricingConfig{Models: map[string]config.ModelPrice{
		"my-finetune": {Input: 1, Output: 2},
	}})

	tests := []struct {
		name                  string
		kind, locality, model string
		want                  cost.Price
	}{
		{"known openai", config.KindOpenAI, config.LocalityExternal, "gpt-4o-mini", cost.Price{Input: 0.15, Output: 0.6}},
		{"unknown anthropic uses default", config.KindAnthropic, config.LocalityExternal, "claude-next", cost.Price{Input: 3, Output: 15}},
		{"local is free", config.KindAgent, config.LocalityLocal, "review-v2", cost.Price{}},
		{"ollama is free", config.KindOllama, config.LocalityExternal, "llama3.1:8b", cost.Price{}},
		{"override wins", config.KindOllama, config.LocalityLocal, "my-finetune", cost.Price{Input: 1, Output: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, table.Lookup(tt.kind, tt.locality, tt.model))
		})
	}
}

func TestPrice_Compute(t *testing.T) {
	c := cost.Price{Input: 3, Output: 15}.Compute(task.Usage{PromptTokens: 1000, CompletionTokens: 2000})
	assert.InDelta(t, 0.003, c.Input, 1e-12)
	assert.InDelta(t, 0.03, c.Output, 1e-12)
	assert.InDelta(t, 0.033, c.Total, 1e-12)
}

func TestEstimator_Heuristic(t *testing.T) {
	e := cost.NewEstimator(false)

	assert.Equal(t, 0, e.CountTokens(""))
	assert.Equal(t, 1, e.CountTokens("hi"))
	assert.Equal(t, 25, e.CountTokens(string(make([]byte, 100))))

	u, c := e.Estimate(string(make([]byte, 400)), 100, cost.Price{Input: 1e6, Output: 1e6})
	assert.Equal(t, task.Usage{PromptTokens: 100, CompletionTokens: 100, TotalTokens: 200}, u)
	assert.InDelta(t, 200.0, c.Total, 1e-9)
}

func TestEstimator_BPELoadNeverBlocksCounting(t *testing.T) {
	release := make(chan struct{})
	e := cost.NewEstimatorWith(func() (*tiktoken.Tiktoken, error) {
		<-release
		return nil, errors.New("offline")
	})

	start := time.Now()
	assert.Equal(t, 25, e.CountTokens(string(make([]byte, 100))), "heuristic while loading")
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	select {
	case <-e.Ready():
		t.Fatal("ready before the load finished")
	default:
	}

	close(release)
	select {
	case <-e.Ready():
	case <-time.After(time.Second):
		t.Fatal("load did not finish")
	}
	assert.Equal(t, 25, e.CountTokens(string(make([]byte, 100))), "heuristic after a failed load")
}

func TestTable_Ceiling(t *testing.T) {
	table := cost.NewTable(config.PricingConfig{Models: map[string]config.ModelPrice{
		"llama3.1:8b": {Input: 0.01, Output: 0.01},
	}})

	assert.Equal(t, cost.Price{Input: 2.5, Output: 10}, table.Ceiling([]string{"gpt-4o-mini", "gpt-4o", "llama3.2:3b"}))
	assert.Equal(t, cost.Price{Input: 0.01, Output: 0.01}, table.Ceiling([]string{"llama3.1:8b"}))
	assert.Equal(t, cost.Price{}, table.Ceiling([]string{"unknown-local-model"}))
	assert.Equal(t, cost.Price{}, table.Ceiling(nil))
}
