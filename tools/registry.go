package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360studio/semintent/reliability"
)

// Status is the operator view of one registered tool.
type Status struct {
	Definition Definition  `json:"definition"`
	Available  bool        `json:"available"`
	Health     HealthStats `json:"health"`
}

type entry struct {
	tool      Tool
	def       Definition
	available bool
	quota     *rate.Limiter
}

// Registry holds the tools plans may reference. It satisfies plan.ToolLookup.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	health  *HealthTracker
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithHealthTracker replaces the default health tracker.
func WithHealthTracker(h *HealthTracker) RegistryOption {
	return func(r *Registry) {
		r.health = h
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.health == nil {
		r.health = NewHealthTracker(DefaultHealthWindow)
	}
	return r
}

// Register adds a tool. Tools start out available.
func (r *Registry) Register(t Tool) error {
	def := t.Definition()
	if def.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if def.Parameters == nil {
		def.Parameters = Schema(def.Required, def.Optional, nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[def.Name]; exists {
		return fmt.Errorf("register tool %q: already registered", def.Name)
	}
	r.entries[def.Name] = &entry{
		tool:      NewRecordingTool(t, r.health, r.logger),
		def:       def,
		available: true,
		quota:     newQuota(def.RateLimitPerMinute),
	}
	return nil
}

// MustRegister registers a tool and panics on error.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns a registered tool, wrapped with call recording.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Has reports whether name is registered, regardless of availability.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the definitions of available tools, sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		if e.available {
			defs = append(defs, e.def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Irreversible returns the names of tools marked irreversible, sorted.
func (r *Registry) Irreversible() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, e := range r.entries {
		if e.def.Irreversible {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// SetAvailable enables or disables a tool.
func (r *Registry) SetAvailable(name string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if e.available != available {
		r.logger.Info("Tool availability changed", "tool", name, "available", available)
	}
	e.available = available
	return nil
}

// SetRateLimit replaces a tool's upstream quota. Zero removes it.
func (r *Registry) SetRateLimit(name string, perMinute int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if e.def.RateLimitPerMinute == perMinute {
		return nil
	}
	e.def.RateLimitPerMinute = perMinute
	e.quota = newQuota(perMinute)
	return nil
}

// Health reports every registered tool with its recent health, sorted by name.
func (r *Registry) Health() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Status{Definition: e.def, Available: e.available})
	}
	r.mu.RUnlock()

	for i := range out {
		out[i].Health = r.health.Stats(out[i].Definition.Name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Definition.Name < out[j].Definition.Name })
	return out
}

// HealthTracker returns the tracker fed by every invocation.
func (r *Registry) HealthTracker() *HealthTracker {
	return r.health
}

// Invoke runs a tool after checking availability, required parameters and
// the tool's quota. Rejections are marked for the reliability layer:
// a spent quota is transient, everything else is semantic. A tool that ran
// and reported Success=false yields an *ExecutionError.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (*Result, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	var (
		tool      Tool
		def       Definition
		available bool
		quota     *rate.Limiter
	)
	if ok {
		tool, def, available, quota = e.tool, e.def, e.available, e.quota
	}
	r.mu.RUnlock()

	if !ok {
		return nil, reliability.Semantic(fmt.Errorf("%w: %q", ErrUnknownTool, name))
	}
	if !available {
		return nil, reliability.Semantic(fmt.Errorf("%w: %q", ErrToolUnavailable, name))
	}
	for _, req := range def.Required {
		if v, present := params[req]; !present || v == nil || v == "" {
			return nil, reliability.Semantic(fmt.Errorf("%w: %s requires %q", ErrMissingParameter, name, req))
		}
	}
	if quota != nil && !quota.Allow() {
		return nil, reliability.Transient(fmt.Errorf("%w: %s allows %d per minute", ErrQuotaExceeded, name, def.RateLimitPerMinute))
	}

	res, err := tool.Execute(ctx, params)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, &ExecutionError{Tool: name, Message: "tool returned no result"}
	}
	if !res.Success {
		return res, &ExecutionError{Tool: name, Message: res.Error}
	}
	return res, nil
}

// ExecutionError is a failure reported by the tool itself.
type ExecutionError struct {
	Tool    string
	Message string
}

func (e *ExecutionError) Error() string {
	if e.Message == "" {
		return e.Tool + " failed"
	}
	return e.Tool + ": " + e.Message
}

// IsExecutionError reports whether err came from a tool reporting failure.
func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}

func newQuota(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}
