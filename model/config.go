package model

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// RegistryConfig is the serialized form of a Registry, as found under
// planner.models in the service configuration.
type RegistryConfig struct {
	Capabilities map[string]*CapabilityConfig `yaml:"capabilities" json:"capabilities"`
	Endpoints    map[string]*EndpointConfig   `yaml:"endpoints" json:"endpoints"`
	Default      string                       `yaml:"default,omitempty" json:"default,omitempty"`
}

// Validate checks that every capability is known and every chain entry
// names a configured endpoint.
func (c *RegistryConfig) Validate() error {
	var errs []error

	caps := make([]string, 0, len(c.Capabilities))
	for name := range c.Capabilities {
		caps = append(caps, name)
	}
	sort.Strings(caps)

	for _, name := range caps {
		if ParseCapability(name) == "" {
			errs = append(errs, fmt.Errorf("unknown capability %q", name))
			continue
		}
		cfg := c.Capabilities[name]
		if cfg == nil {
			continue
		}
		for _, ep := range append(append([]string(nil), cfg.Preferred...), cfg.Fallback...) {
			if _, ok := c.Endpoints[ep]; !ok {
				errs = append(errs, fmt.Errorf("capability %s: endpoint %q is not configured", name, ep))
			}
		}
	}
	for name, ep := range c.Endpoints {
		if ep == nil || ep.Provider == "" || ep.Model == "" {
			errs = append(errs, fmt.Errorf("endpoint %q: provider and model are required", name))
		}
	}
	if c.Default != "" {
		if _, ok := c.Endpoints[c.Default]; !ok {
			errs = append(errs, fmt.Errorf("default endpoint %q is not configured", c.Default))
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds a Registry from a validated configuration.
func FromConfig(cfg *RegistryConfig) (*Registry, error) {
	if cfg == nil {
		return NewDefaultRegistry(), nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model registry: %w", err)
	}

	caps := make(map[Capability]*CapabilityConfig, len(cfg.Capabilities))
	for name, c := range cfg.Capabilities {
		caps[Capability(name)] = c
	}
	endpoints := make(map[string]*EndpointConfig, len(cfg.Endpoints))
	for name, ep := range cfg.Endpoints {
		endpoints[name] = ep
	}
	r := NewRegistry(caps, endpoints)
	r.defaultModel = cfg.Default
	return r, nil
}

// LoadFromFile reads a YAML registry configuration.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model registry: %w", err)
	}
	var cfg RegistryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse model registry: %w", err)
	}
	return FromConfig(&cfg)
}
