// Package tools provides the tool registry that plans are executed against.
// Every registered tool is wrapped with call recording so its latency and
// success rate feed the registry's health tracker.
package tools

import (
	"context"
	"errors"
	"sort"
)

// Registry errors.
var (
	// ErrUnknownTool is returned when a tool name is not registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrToolUnavailable is returned when a registered tool is disabled.
	ErrToolUnavailable = errors.New("tool unavailable")

	// ErrQuotaExceeded is returned when a tool's upstream request quota is spent.
	ErrQuotaExceeded = errors.New("tool rate limit exceeded")

	// ErrMissingParameter is returned when a required parameter is absent.
	ErrMissingParameter = errors.New("missing required parameter")
)

// Definition describes a tool to planners and operators.
type Definition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Parameters  map[string]any `json:"parameters" yaml:"-"`

	// Required parameters must be present in every invocation.
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`
	// Optional parameters are accepted but not checked.
	Optional []string `json:"optional,omitempty" yaml:"optional,omitempty"`

	// Irreversible tools have side effects that cannot be undone.
	Irreversible bool `json:"irreversible" yaml:"irreversible"`

	// RateLimitPerMinute is the upstream quota. Zero means unlimited.
	RateLimitPerMinute int `json:"rate_limit_per_minute,omitempty" yaml:"rate_limit_per_minute,omitempty"`
}

// Result is what a tool returns when it ran. Success=false is a logical
// failure reported by the tool itself.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Tool is an executable capability.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Func adapts a function into a Tool.
type Func struct {
	Def Definition
	Fn  func(ctx context.Context, params map[string]any) (*Result, error)
}

// Definition returns the tool definition.
func (f *Func) Definition() Definition { return f.Def }

// Execute calls the wrapped function.
func (f *Func) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	return f.Fn(ctx, params)
}

// Schema builds a JSON-schema style parameter description where every
// parameter is a string unless typed is given an override.
func Schema(required, optional []string, typed map[string]string) map[string]any {
	props := make(map[string]any, len(required)+len(optional))
	for _, group := range [][]string{required, optional} {
		for _, name := range group {
			typ := "string"
			if t, ok := typed[name]; ok {
				typ = t
			}
			props[name] = map[string]any{"type": typ}
		}
	}
	req := append([]string(nil), required...)
	sort.Strings(req)
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   req,
	}
}
