// Package model provides capability-based model selection for the planner.
// Callers ask for a capability ("planning", "remedy") and the registry
// resolves it to an ordered chain of configured endpoints.
package model

// Capability represents a semantic capability for model selection.
type Capability string

const (
	// CapabilityPlanning produces and revises plans. Needs strong
	// instruction following and reliable JSON.
	CapabilityPlanning Capability = "planning"

	// CapabilityRemedy writes short recovery hints for failed steps.
	CapabilityRemedy Capability = "remedy"
)

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityPlanning, CapabilityRemedy:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for invalid values.
func ParseCapability(s string) Capability {
	c := Capability(s)
	if c.IsValid() {
		return c
	}
	return ""
}
