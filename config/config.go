// Package config provides configuration loading and management for semintent.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/semintent/model"
	"github.com/c360studio/semintent/reliability"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageNATS   = "nats"
)

// Planner modes.
const (
	PlannerKeyword   = "keyword"
	PlannerLLM       = "llm"
	PlannerLangChain = "langchain"
)

// Config represents the complete semintent configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Tools       ToolsConfig       `yaml:"tools"`
	Replan      ReplanConfig      `yaml:"replan"`
	Validation  ValidationConfig  `yaml:"validation"`
	Storage     StorageConfig     `yaml:"storage"`
	NATS        NATSConfig        `yaml:"nats"`
	Planner     PlannerConfig     `yaml:"planner"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	// Addr is the listen address (default: :8080)
	Addr string `yaml:"addr"`
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RoutePolicy protects every API route
	RoutePolicy reliability.Policy `yaml:"route_policy"`
}

// ReliabilityConfig configures breakers and tool call policies
type ReliabilityConfig struct {
	// FailureThreshold is the number of consecutive failures that opens a circuit
	FailureThreshold int `yaml:"failure_threshold"`
	// Cooldown is how long an open circuit rejects calls
	Cooldown time.Duration `yaml:"cooldown"`
	// ToolPolicy is the default policy for tool invocations
	ToolPolicy reliability.Policy `yaml:"tool_policy"`
	// ToolOverrides replaces ToolPolicy for individual tools
	ToolOverrides map[string]reliability.Policy `yaml:"tool_overrides,omitempty"`
	// SweepInterval is how often idle rate limit entries are dropped
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ToolsConfig configures the tool registry
type ToolsConfig struct {
	// Allowlist is the list of tools to register (empty = all)
	Allowlist []string `yaml:"allowlist"`
	// Catalog is a YAML file toggling tools at runtime (empty = none)
	Catalog string `yaml:"catalog"`
	// HealthWindow is the number of calls kept per tool for health stats
	HealthWindow int `yaml:"health_window"`
}

// ReplanConfig configures failure-driven re-planning
type ReplanConfig struct {
	// MaxReplans is the per-log ceiling (default: 2)
	MaxReplans int `yaml:"max_replans"`
	// SessionBudget is the re-plan budget per caller and window (default: 5)
	SessionBudget int `yaml:"session_budget"`
	// SessionWindow is the budget window (default: 1h)
	SessionWindow time.Duration `yaml:"session_window"`
	// MaxRemedyChars bounds remedy hints
	MaxRemedyChars int `yaml:"max_remedy_chars"`
}

// ValidationConfig configures the plan validator
type ValidationConfig struct {
	// MaxAge is how old created_at may be (default: 5m)
	MaxAge time.Duration `yaml:"max_age"`
	// MaxSkew is how far created_at may lie in the future (default: 5s)
	MaxSkew time.Duration `yaml:"max_skew"`
	// MinStructuralRatio is the prose contamination threshold (0 disables)
	MinStructuralRatio float64 `yaml:"min_structural_ratio"`
	// IrreversibleTools must require confirmation, in addition to tools
	// that declare themselves irreversible
	IrreversibleTools []string `yaml:"irreversible_tools"`
}

// StorageConfig selects where audit logs and failure memory live
type StorageConfig struct {
	// Backend is memory, sqlite or nats
	Backend string `yaml:"backend"`
	// Path is the SQLite database file
	Path string `yaml:"path"`
	// MemoryCapacity bounds the in-process failure memory
	MemoryCapacity int `yaml:"memory_capacity"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
}

// PlannerConfig selects and configures the planner
type PlannerConfig struct {
	// Mode is keyword, llm or langchain
	Mode string `yaml:"mode"`
	// Temperature controls randomness (0.0-1.0, default: 0.2)
	Temperature float64 `yaml:"temperature"`
	// Timeout bounds one planning request
	Timeout time.Duration `yaml:"timeout"`
	// Models configures endpoints for mode llm (nil = built-in defaults)
	Models *model.RegistryConfig `yaml:"models,omitempty"`
	// LangChain configures mode langchain
	LangChain LangChainConfig `yaml:"langchain"`
}

// LangChainConfig configures the OpenAI-compatible LangChain model
type LangChainConfig struct {
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	TokenEnv string `yaml:"token_env"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	bc := reliability.DefaultBreakerConfig()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			RoutePolicy: reliability.Policy{
				Timeout:     30 * time.Second,
				MaxAttempts: 1,
				RateLimit:   60,
				RateWindow:  time.Minute,
			},
		},
		Reliability: ReliabilityConfig{
			FailureThreshold: bc.FailureThreshold,
			Cooldown:         bc.Cooldown,
			ToolPolicy:       reliability.DefaultPolicy(),
			SweepInterval:    time.Minute,
		},
		Tools: ToolsConfig{
			Allowlist:    nil, // Register all
			HealthWindow: 50,
		},
		Replan: ReplanConfig{
			MaxReplans:     2,
			SessionBudget:  5,
			SessionWindow:  time.Hour,
			MaxRemedyChars: 300,
		},
		Validation: ValidationConfig{
			MaxAge:             5 * time.Minute,
			MaxSkew:            5 * time.Second,
			MinStructuralRatio: 0.02,
		},
		Storage: StorageConfig{
			Backend:        StorageMemory,
			Path:           "semintent.db",
			MemoryCapacity: 1000,
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Planner: PlannerConfig{
			Mode:        PlannerKeyword,
			Temperature: 0.2,
			Timeout:     2 * time.Minute,
			LangChain: LangChainConfig{
				Model:    "gpt-4o-mini",
				TokenEnv: "OPENAI_API_KEY",
			},
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if err := validatePolicy("server.route_policy", c.Server.RoutePolicy); err != nil {
		return err
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	if c.Reliability.SweepInterval <= 0 {
		return fmt.Errorf("reliability.sweep_interval must be positive")
	}
	if c.Reliability.FailureThreshold < 1 {
		return fmt.Errorf("reliability.failure_threshold must be at least 1")
	}
	if c.Reliability.Cooldown <= 0 {
		return fmt.Errorf("reliability.cooldown must be positive")
	}
	if err := validatePolicy("reliability.tool_policy", c.Reliability.ToolPolicy); err != nil {
		return err
	}
	for name, p := range c.Reliability.ToolOverrides {
		if err := validatePolicy("reliability.tool_overrides."+name, p); err != nil {
			return err
		}
	}
	if c.Replan.MaxReplans < 0 {
		return fmt.Errorf("replan.max_replans must not be negative")
	}
	if c.Replan.SessionBudget < 0 {
		return fmt.Errorf("replan.session_budget must not be negative")
	}
	if c.Validation.MinStructuralRatio < 0 || c.Validation.MinStructuralRatio > 1 {
		return fmt.Errorf("validation.min_structural_ratio must be between 0 and 1")
	}

	switch c.Storage.Backend {
	case StorageMemory, StorageNATS:
	case StorageSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend %q must be one of memory, sqlite, nats", c.Storage.Backend)
	}
	if c.Storage.Backend == StorageNATS && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required for the nats backend")
	}

	switch c.Planner.Mode {
	case PlannerKeyword, PlannerLLM, PlannerLangChain:
	default:
		return fmt.Errorf("planner.mode %q must be one of keyword, llm, langchain", c.Planner.Mode)
	}
	if c.Planner.Temperature < 0 || c.Planner.Temperature > 1 {
		return fmt.Errorf("planner.temperature must be between 0 and 1")
	}
	if c.Planner.Models != nil {
		if err := c.Planner.Models.Validate(); err != nil {
			return fmt.Errorf("planner.models: %w", err)
		}
	}
	if c.Planner.Mode == PlannerLangChain && c.Planner.LangChain.Model == "" {
		return fmt.Errorf("planner.langchain.model is required for the langchain planner")
	}
	return nil
}

func validatePolicy(field string, p reliability.Policy) error {
	if p.MaxAttempts < 1 || p.MaxAttempts > 3 {
		return fmt.Errorf("%s.max_attempts must be between 1 and 3", field)
	}
	if p.Timeout < 0 || p.BackoffBase < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("%s durations must not be negative", field)
	}
	if p.RateLimit < 0 {
		return fmt.Errorf("%s.rate_limit must not be negative", field)
	}
	return nil
}

// BreakerConfig returns the circuit breaker settings.
func (c *Config) BreakerConfig() reliability.BreakerConfig {
	return reliability.BreakerConfig{
		FailureThreshold: c.Reliability.FailureThreshold,
		Cooldown:         c.Reliability.Cooldown,
	}
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.ShutdownTimeout != 0 {
		c.Server.ShutdownTimeout = other.Server.ShutdownTimeout
	}
	mergePolicy(&c.Server.RoutePolicy, other.Server.RoutePolicy)

	// Reliability
	if other.Reliability.FailureThreshold != 0 {
		c.Reliability.FailureThreshold = other.Reliability.FailureThreshold
	}
	if other.Reliability.Cooldown != 0 {
		c.Reliability.Cooldown = other.Reliability.Cooldown
	}
	mergePolicy(&c.Reliability.ToolPolicy, other.Reliability.ToolPolicy)
	for name, p := range other.Reliability.ToolOverrides {
		if c.Reliability.ToolOverrides == nil {
			c.Reliability.ToolOverrides = make(map[string]reliability.Policy)
		}
		base := c.Reliability.ToolPolicy
		mergePolicy(&base, p)
		c.Reliability.ToolOverrides[name] = base
	}
	if other.Reliability.SweepInterval != 0 {
		c.Reliability.SweepInterval = other.Reliability.SweepInterval
	}

	// Tools
	if len(other.Tools.Allowlist) > 0 {
		c.Tools.Allowlist = other.Tools.Allowlist
	}
	if other.Tools.Catalog != "" {
		c.Tools.Catalog = other.Tools.Catalog
	}
	if other.Tools.HealthWindow != 0 {
		c.Tools.HealthWindow = other.Tools.HealthWindow
	}

	// Replan
	if other.Replan.MaxReplans != 0 {
		c.Replan.MaxReplans = other.Replan.MaxReplans
	}
	if other.Replan.SessionBudget != 0 {
		c.Replan.SessionBudget = other.Replan.SessionBudget
	}
	if other.Replan.SessionWindow != 0 {
		c.Replan.SessionWindow = other.Replan.SessionWindow
	}
	if other.Replan.MaxRemedyChars != 0 {
		c.Replan.MaxRemedyChars = other.Replan.MaxRemedyChars
	}

	// Validation
	if other.Validation.MaxAge != 0 {
		c.Validation.MaxAge = other.Validation.MaxAge
	}
	if other.Validation.MaxSkew != 0 {
		c.Validation.MaxSkew = other.Validation.MaxSkew
	}
	if other.Validation.MinStructuralRatio != 0 {
		c.Validation.MinStructuralRatio = other.Validation.MinStructuralRatio
	}
	if len(other.Validation.IrreversibleTools) > 0 {
		c.Validation.IrreversibleTools = other.Validation.IrreversibleTools
	}

	// Storage
	if other.Storage.Backend != "" {
		c.Storage.Backend = other.Storage.Backend
	}
	if other.Storage.Path != "" {
		c.Storage.Path = other.Storage.Path
	}
	if other.Storage.MemoryCapacity != 0 {
		c.Storage.MemoryCapacity = other.Storage.MemoryCapacity
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	// Planner
	if other.Planner.Mode != "" {
		c.Planner.Mode = other.Planner.Mode
	}
	if other.Planner.Temperature != 0 {
		c.Planner.Temperature = other.Planner.Temperature
	}
	if other.Planner.Timeout != 0 {
		c.Planner.Timeout = other.Planner.Timeout
	}
	if other.Planner.Models != nil {
		c.Planner.Models = other.Planner.Models
	}
	if other.Planner.LangChain.Model != "" {
		c.Planner.LangChain.Model = other.Planner.LangChain.Model
	}
	if other.Planner.LangChain.BaseURL != "" {
		c.Planner.LangChain.BaseURL = other.Planner.LangChain.BaseURL
	}
	if other.Planner.LangChain.TokenEnv != "" {
		c.Planner.LangChain.TokenEnv = other.Planner.LangChain.TokenEnv
	}
}

func mergePolicy(dst *reliability.Policy, src reliability.Policy) {
	if src.Timeout != 0 {
		dst.Timeout = src.Timeout
	}
	if src.MaxAttempts != 0 {
		dst.MaxAttempts = src.MaxAttempts
	}
	if src.BackoffBase != 0 {
		dst.BackoffBase = src.BackoffBase
	}
	if src.MaxBackoff != 0 {
		dst.MaxBackoff = src.MaxBackoff
	}
	if src.RateLimit != 0 {
		dst.RateLimit = src.RateLimit
	}
	if src.RateWindow != 0 {
		dst.RateWindow = src.RateWindow
	}
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("SEMINTENT_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := getenv("SEMINTENT_STORAGE"); v != "" {
		c.Storage.Backend = v
	}
	if v := getenv("SEMINTENT_PLANNER"); v != "" {
		c.Planner.Mode = v
	}
	if v := getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
}
