// Package adapters translates Task Contracts to provider wire formats.
//
// DESIGN: Every endpoint declares a kind. The adapter for that kind turns the
// downstream-agnostic Task Contract into a pool.Call, and turns the provider's
// response (or incremental stream) back into a normalized task.Completion:
//
//   - BuildCall:     Contract -> URL, headers, body
//   - ParseResponse: provider JSON -> content, usage, finish reason
//   - DecodeStream:  provider SSE/NDJSON -> text deltas + final completion
//
// Request bodies are built with sjson and responses read with gjson, so no
// adapter needs a full struct model of its provider's schema.
//
// To add a new provider: implement Adapter and register it in NewRegistry.
package adapters

import (
	"io"

	"github.com/compresr/ai-bridge/internal/pool"
	"github.com/compresr/ai-bridge/internal/registry"
	"github.com/compresr/ai-bridge/internal/task"
)

// EmitFunc receives one text delta. A non-nil error stops decoding.
type EmitFunc func(delta string) error

// Adapter is stateless and safe for concurrent use.
type Adapter interface {
	// Kind returns the endpoint kind served (e.g. "openai", "ollama").
	Kind() string

	// BuildCall builds the outbound request for contract against ep.
	BuildCall(ep *registry.Endpoint, c *task.Contract) (*pool.Call, error)

	// ParseResponse normalizes a buffered response body.
	ParseResponse(body []byte) (*task.Completion, error)

	// DecodeStream reads an incremental response, calling emit per text delta,
	// and returns the accumulated completion.
	DecodeStream(r io.Reader, emit EmitFunc) (*task.Completion, error)
}

// finish fills the derived fields of a completion.
func finish(c *task.Completion) *task.Completion {
	if c.Usage.TotalTokens == 0 {
		c.Usage.TotalTokens = c.Usage.PromptTokens + c.Usage.CompletionTokens
	}
	if c.FinishReason == "" {
		c.FinishReason = "stop"
	}
	return c
}
