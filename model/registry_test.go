package model

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry()

	for _, c := range []Capability{CapabilityPlanning, CapabilityRemedy} {
		chain := r.FallbackChain(c)
		if len(chain) < 2 {
			t.Fatalf("%s: expected a fallback chain, got %v", c, chain)
		}
		for _, name := range chain {
			if r.Endpoint(name) == nil {
				t.Errorf("%s: chain entry %q has no endpoint", c, name)
			}
		}
	}
}

func TestFallbackChain_Order(t *testing.T) {
	r := NewRegistry(
		map[Capability]*CapabilityConfig{
			CapabilityPlanning: {Preferred: []string{"a", "b"}, Fallback: []string{"c"}},
		},
		nil,
	)

	got := strings.Join(r.FallbackChain(CapabilityPlanning), ",")
	if got != "a,b,c" {
		t.Errorf("FallbackChain = %s, want a,b,c", got)
	}
	if chain := r.FallbackChain(CapabilityRemedy); chain != nil {
		t.Errorf("expected no chain without a default, got %v", chain)
	}

	r.SetDefault("c")
	if got := r.FallbackChain(CapabilityRemedy); len(got) != 1 || got[0] != "c" {
		t.Errorf("expected default model, got %v", got)
	}
}

func TestParseCapability(t *testing.T) {
	tests := []struct {
		in   string
		want Capability
	}{
		{"planning", CapabilityPlanning},
		{"remedy", CapabilityRemedy},
		{"writing", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseCapability(tt.in); got != tt.want {
				t.Errorf("ParseCapability(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRegistryConfig_Validate(t *testing.T) {
	cfg := &RegistryConfig{
		Capabilities: map[string]*CapabilityConfig{
			"planning": {Preferred: []string{"local"}, Fallback: []string{"missing"}},
			"coding":   {Preferred: []string{"local"}},
		},
		Endpoints: map[string]*EndpointConfig{
			"local":  {Provider: "ollama", Model: "qwen2.5:7b"},
			"broken": {Provider: "openai"},
		},
		Default: "nowhere",
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{`unknown capability "coding"`, `endpoint "missing"`, `endpoint "broken"`, `default endpoint "nowhere"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	data := `
capabilities:
  planning:
    preferred: [local]
endpoints:
  local:
    provider: ollama
    url: http://127.0.0.1:11434/v1
    model: llama3.2
default: local
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	ep := r.Endpoint("local")
	if ep == nil || ep.Model != "llama3.2" {
		t.Fatalf("unexpected endpoint %+v", ep)
	}
	if got := r.FallbackChain(CapabilityRemedy); len(got) != 1 || got[0] != "local" {
		t.Errorf("remedy should fall back to default, got %v", got)
	}
	if names := r.Endpoints(); len(names) != 1 {
		t.Errorf("Endpoints = %v", names)
	}
}

func TestFromConfig_NilUsesDefaults(t *testing.T) {
	r, err := FromConfig(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Endpoints()) == 0 {
		t.Error("expected default endpoints")
	}
}
