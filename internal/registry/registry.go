// Package registry holds the endpoint registry and the dispatcher.
//
// DESIGN: The registry is parsed and validated once at startup and is
// read-only afterwards, so lookups take no locks. Task types map to an ordered
// list of endpoints; unknown task types use the configured default list, and
// with no default they fail with AGENT_NOT_FOUND.
//
// FILES:
//   - registry.go:   Endpoint, Registry, New(), Resolve(), Candidates()
//   - dispatcher.go: Dispatcher.Plan() - policy decision + registry -> Dispatch Plan
package registry

import (
	"fmt"
	"os"
	"sort"

	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/config"
)

// Endpoint is an immutable, validated endpoint descriptor.
type Endpoint struct {
	Name         string
	URL          string
	Kind         string
	Locality     string
	Capabilities []string
	Models       []string
	HealthURL    string
	Region       string
	MaxConns     int

	apiKey string
}

// APIKey returns the provider key resolved from the environment at load time.
func (e *Endpoint) APIKey() string { return e.apiKey }

// IsLocal reports whether the endpoint runs on-premises.
func (e *Endpoint) IsLocal() bool { return e.Locality == config.LocalityLocal }

// Supports reports whether the endpoint declares capability c.
func (e *Endpoint) Supports(c string) bool {
	for _, have := range e.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ServesModel reports whether model is in the endpoint's model list.
func (e *Endpoint) ServesModel(model string) bool {
	for _, m := range e.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Registry maps task types to endpoints.
type Registry struct {
	endpoints map[string]*Endpoint
	routes    map[string][]*Endpoint
	fallback  []*Endpoint
	sorted    []*Endpoint
}

// New validates the registry configuration and builds the lookup tables.
func New(cfg config.RegistryConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry: %w", err)
	}

	r := &Registry{
		endpoints: make(map[string]*Endpoint, len(cfg.Endpoints)),
		routes:    make(map[string][]*Endpoint, len(cfg.Routes)),
	}
	for _, ec := range cfg.Endpoints {
		ep := &Endpoint{
			Name:         ec.Name,
			URL:          ec.URL,
			Kind:         ec.Kind,
			Locality:     ec.Locality,
			Capabilities: append([]string(nil), ec.Capabilities...),
			Models:       append([]string(nil), ec.Models...),
			HealthURL:    ec.HealthURL,
			Region:       ec.Region,
			MaxConns:     ec.MaxConns,
		}
		if ec.APIKeyEnv != "" {
			ep.apiKey = os.Getenv(ec.APIKeyEnv)
		}
		r.endpoints[ep.Name] = ep
		r.sorted = append(r.sorted, ep)
	}
	sort.Slice(r.sorted, func(i, j int) bool { return r.sorted[i].Name < r.sorted[j].Name })

	for taskType, names := range cfg.Routes {
		r.routes[taskType] = r.lookup(names)
	}
	r.fallback = r.lookup(cfg.Default)
	return r, nil
}

func (r *Registry) lookup(names []string) []*Endpoint {
	out := make([]*Endpoint, 0, len(names))
	for _, n := range names {
		out = append(out, r.endpoints[n])
	}
	return out
}

// Candidates returns the ordered endpoints for taskType, using the default
// list for unknown task types.
func (r *Registry) Candidates(taskType string) ([]*Endpoint, error) {
	if eps, ok := r.routes[taskType]; ok {
		return eps, nil
	}
	if len(r.fallback) > 0 {
		return r.fallback, nil
	}
	if taskType == "" {
		return nil, apierr.New(apierr.CodeAgentNotFound, "no taskType given and no default endpoint is configured")
	}
	return nil, apierr.New(apierr.CodeAgentNotFound, "no endpoint registered for task type %q", taskType)
}

// Resolve returns the primary endpoint for taskType.
func (r *Registry) Resolve(taskType string) (*Endpoint, error) {
	eps, err := r.Candidates(taskType)
	if err != nil {
		return nil, err
	}
	return eps[0], nil
}

// Get returns an endpoint by name.
func (r *Registry) Get(name string) (*Endpoint, bool) {
	ep, ok := r.endpoints[name]
	return ep, ok
}

// Endpoints returns all endpoints sorted by name.
func (r *Registry) Endpoints() []*Endpoint { return r.sorted }

// TaskTypes returns the routed task types, sorted.
func (r *Registry) TaskTypes() []string {
	out := make([]string, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
