// Registry manages adapter registration and lookup.
//
// DESIGN: Thread-safe map of endpoint kind -> Adapter.
// Built-in adapters are registered at startup.
package adapters

import (
	"sync"

	"github.com/compresr/ai-bridge/internal/apierr"
)

// Registry manages adapter registration.
type Registry struct {
	adapters map[string]Adapter
	mu       sync.RWMutex
}

// NewRegistry creates a new adapter registry with all built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter),
	}

	r.Register(NewAgentAdapter())
	r.Register(NewOpenAIAdapter())
	r.Register(NewAnthropicAdapter())
	r.Register(NewGeminiAdapter())
	r.Register(NewOllamaAdapter())
	r.Register(NewBedrockAdapter())

	return r
}

// Register adds an adapter to the registry, replacing any adapter of the same kind.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Kind()] = adapter
}

// Get returns the adapter for kind, or nil.
func (r *Registry) Get(kind string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[kind]
}

// For returns the adapter for kind or an UNSUPPORTED_CAPABILITY error.
func (r *Registry) For(kind string) (Adapter, error) {
	if a := r.Get(kind); a != nil {
		return a, nil
	}
	return nil, apierr.New(apierr.CodeUnsupportedCapability, "no adapter for endpoint kind %q", kind)
}
