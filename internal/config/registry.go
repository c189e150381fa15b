// Registry configuration - specialist endpoints and model providers.
//
// DESIGN: Entries are validated once at startup. A malformed entry fails
// Load rather than surfacing later as AGENT_NOT_FOUND. Entries may be inline
// or in an external file (.yaml, .yml or .toml).
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Endpoint kinds. "agent" receives the Task Contract verbatim.
const (
	KindAgent     = "agent"
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindGemini    = "gemini"
	KindOllama    = "ollama"
	KindBedrock   = "bedrock"
)

// Endpoint localities.
const (
	LocalityLocal    = "local"
	LocalityExternal = "external"
)

// Capabilities.
const (
	CapabilityInvoke = "invoke"
	CapabilityStream = "stream"
	CapabilityBatch  = "batch"
)

// EndpointConfig describes one downstream target.
type EndpointConfig struct {
	Name         string   `yaml:"name" toml:"name"`
	URL          string   `yaml:"url" toml:"url"`
	Kind         string   `yaml:"kind" toml:"kind"`
	Locality     string   `yaml:"locality" toml:"locality"`
	Capabilities []string `yaml:"capabilities" toml:"capabilities"`
	Models       []string `yaml:"models" toml:"models"`
	HealthURL    string   `yaml:"health_url" toml:"health_url"`
	APIKeyEnv    string   `yaml:"api_key_env" toml:"api_key_env"` // env var holding the provider key
	Region       string   `yaml:"region" toml:"region"`           // bedrock only
	MaxConns     int      `yaml:"max_conns" toml:"max_conns"`     // per-target concurrency (0 = dispatch default)
}

// HasCapability reports whether the endpoint declares capability c.
func (e *EndpointConfig) HasCapability(c string) bool {
	for _, have := range e.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// RegistryConfig maps task types to endpoints.
type RegistryConfig struct {
	File      string              `yaml:"file"`      // optional external registry file
	Default   []string            `yaml:"default"`   // endpoints for unknown task types (may be empty)
	Endpoints []EndpointConfig    `yaml:"endpoints"` // endpoint descriptors
	Routes    map[string][]string `yaml:"routes"`    // taskType -> ordered endpoint names
}

// registryFile is the shape of an external registry file.
type registryFile struct {
	Default   []string            `yaml:"default" toml:"default"`
	Endpoints []EndpointConfig    `yaml:"endpoints" toml:"endpoints"`
	Routes    map[string][]string `yaml:"routes" toml:"routes"`
}

// loadFile replaces inline entries with the external file, if configured.
func (r *RegistryConfig) loadFile() error {
	if r.File == "" {
		return nil
	}
	data, err := os.ReadFile(r.File)
	if err != nil {
		return fmt.Errorf("failed to read registry file '%s': %w", r.File, err)
	}
	parsed, err := ParseRegistry(filepath.Ext(r.File), []byte(expandEnvWithDefaults(string(data))))
	if err != nil {
		return fmt.Errorf("failed to parse registry file '%s': %w", r.File, err)
	}
	r.Default, r.Endpoints, r.Routes = parsed.Default, parsed.Endpoints, parsed.Routes
	return nil
}

// ParseRegistry decodes registry entries from YAML or TOML by file extension.
func ParseRegistry(ext string, data []byte) (*RegistryConfig, error) {
	var f registryFile
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(string(data), &f); err != nil {
			return nil, err
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported registry format %q", ext)
	}
	return &RegistryConfig{Default: f.Default, Endpoints: f.Endpoints, Routes: f.Routes}, nil
}

// Validate checks every entry and every route reference.
func (r *RegistryConfig) Validate() error {
	if len(r.Endpoints) == 0 {
		return fmt.Errorf("registry.endpoints must list at least one endpoint")
	}
	names := make(map[string]bool, len(r.Endpoints))
	for i := range r.Endpoints {
		ep := &r.Endpoints[i]
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("registry.endpoints[%d]: %w", i, err)
		}
		if names[ep.Name] {
			return fmt.Errorf("registry.endpoints[%d]: duplicate name %q", i, ep.Name)
		}
		names[ep.Name] = true
	}
	for _, name := range r.Default {
		if !names[name] {
			return fmt.Errorf("registry.default references unknown endpoint %q", name)
		}
	}
	for taskType, targets := range r.Routes {
		if len(targets) == 0 {
			return fmt.Errorf("registry.routes[%s] is empty", taskType)
		}
		for _, name := range targets {
			if !names[name] {
				return fmt.Errorf("registry.routes[%s] references unknown endpoint %q", taskType, name)
			}
		}
	}
	return nil
}

// Validate checks a single endpoint descriptor.
func (e *EndpointConfig) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("name is required")
	}
	u, err := url.Parse(e.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("endpoint %q: url %q must be an absolute http(s) URL", e.Name, e.URL)
	}
	switch e.Kind {
	case KindAgent, KindOpenAI, KindAnthropic, KindGemini, KindOllama, KindBedrock:
	default:
		return fmt.Errorf("endpoint %q: unknown kind %q", e.Name, e.Kind)
	}
	switch e.Locality {
	case LocalityLocal, LocalityExternal:
	default:
		return fmt.Errorf("endpoint %q: locality must be local or external, got %q", e.Name, e.Locality)
	}
	if len(e.Capabilities) == 0 {
		return fmt.Errorf("endpoint %q: at least one capability is required", e.Name)
	}
	for _, c := range e.Capabilities {
		switch c {
		case CapabilityInvoke, CapabilityStream, CapabilityBatch:
		default:
			return fmt.Errorf("endpoint %q: unknown capability %q", e.Name, c)
		}
	}
	if e.Kind == KindBedrock && e.HasCapability(CapabilityStream) {
		return fmt.Errorf("endpoint %q: bedrock endpoints do not support stream", e.Name)
	}
	if len(e.Models) == 0 {
		return fmt.Errorf("endpoint %q: models must not be empty", e.Name)
	}
	if e.HealthURL != "" {
		if hu, err := url.Parse(e.HealthURL); err != nil || hu.Host == "" {
			return fmt.Errorf("endpoint %q: invalid health_url %q", e.Name, e.HealthURL)
		}
	}
	if e.MaxConns < 0 {
		return fmt.Errorf("endpoint %q: max_conns must not be negative", e.Name)
	}
	return nil
}
