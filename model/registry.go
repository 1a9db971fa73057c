package model

import (
	"sort"
	"sync"
)

// Registry maps capabilities to preferred endpoints with fallback chains.
// Endpoint health is not tracked here; callers consult their circuit breakers.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[Capability]*CapabilityConfig
	endpoints    map[string]*EndpointConfig
	defaultModel string
}

// CapabilityConfig defines model preferences for a capability.
type CapabilityConfig struct {
	Description string `yaml:"description" json:"description"`

	// Preferred lists endpoints in order of preference.
	Preferred []string `yaml:"preferred" json:"preferred"`

	// Fallback lists backup endpoints tried after every preferred one.
	Fallback []string `yaml:"fallback" json:"fallback"`
}

// EndpointConfig defines an available model endpoint.
type EndpointConfig struct {
	// Provider is the wire format: anthropic, openai, or ollama.
	Provider string `yaml:"provider" json:"provider"`

	// URL is the API base URL. Empty uses the provider default.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Model is the identifier sent to the provider.
	Model string `yaml:"model" json:"model"`

	// APIKeyEnv names the environment variable holding the key. Empty uses
	// the provider's conventional variable.
	APIKeyEnv string `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// NewRegistry creates a registry from explicit capabilities and endpoints.
func NewRegistry(caps map[Capability]*CapabilityConfig, endpoints map[string]*EndpointConfig) *Registry {
	if caps == nil {
		caps = make(map[Capability]*CapabilityConfig)
	}
	if endpoints == nil {
		endpoints = make(map[string]*EndpointConfig)
	}
	return &Registry{
		capabilities: caps,
		endpoints:    endpoints,
	}
}

// NewDefaultRegistry creates a registry with hosted models first and a
// local Ollama model as the last resort.
func NewDefaultRegistry() *Registry {
	r := NewRegistry(
		map[Capability]*CapabilityConfig{
			CapabilityPlanning: {
				Description: "Plan generation and revision",
				Preferred:   []string{"claude-sonnet"},
				Fallback:    []string{"gpt-mini", "qwen"},
			},
			CapabilityRemedy: {
				Description: "Short recovery hints",
				Preferred:   []string{"claude-haiku"},
				Fallback:    []string{"qwen"},
			},
		},
		map[string]*EndpointConfig{
			"claude-sonnet": {Provider: "anthropic", Model: "claude-sonnet-4-20250514", MaxTokens: 2048},
			"claude-haiku":  {Provider: "anthropic", Model: "claude-3-5-haiku-20241022", MaxTokens: 512},
			"gpt-mini":      {Provider: "openai", Model: "gpt-4o-mini", MaxTokens: 2048},
			"qwen":          {Provider: "ollama", URL: "http://localhost:11434/v1", Model: "qwen2.5:7b"},
		},
	)
	r.defaultModel = "qwen"
	return r
}

// FallbackChain returns every endpoint for a capability, preferred first.
// Unknown capabilities resolve to the default model when one is set.
func (r *Registry) FallbackChain(c Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[c]; ok {
		chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
		chain = append(chain, cfg.Preferred...)
		chain = append(chain, cfg.Fallback...)
		return chain
	}
	if r.defaultModel != "" {
		return []string{r.defaultModel}
	}
	return nil
}

// Endpoint returns the endpoint configuration for a model name, or nil.
func (r *Registry) Endpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[name]
}

// SetCapability updates or adds a capability configuration.
func (r *Registry) SetCapability(c Capability, cfg *CapabilityConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[c] = cfg
}

// SetEndpoint updates or adds an endpoint configuration.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[name] = cfg
}

// SetDefault sets the model used for unconfigured capabilities.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultModel = name
}

// Endpoints returns all configured endpoint names, sorted.
func (r *Registry) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
