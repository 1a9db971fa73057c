// Package plan defines the structured plan a planner produces for an intent
// and the validator that decides whether such a plan may be executed.
package plan

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IntentType categorizes what the user asked for.
type IntentType string

const (
	IntentDining         IntentType = "dining"
	IntentScheduling     IntentType = "scheduling"
	IntentTransportation IntentType = "transportation"
	IntentPurchase       IntentType = "purchase"
	IntentInformation    IntentType = "information"
	IntentNotification   IntentType = "notification"
	IntentCustom         IntentType = "custom"
)

// IsValid reports whether t is a known intent category.
func (t IntentType) IsValid() bool {
	switch t {
	case IntentDining, IntentScheduling, IntentTransportation, IntentPurchase,
		IntentInformation, IntentNotification, IntentCustom:
		return true
	}
	return false
}

// Constraints holds the optional structured limits attached to an intent.
type Constraints struct {
	Time         string   `json:"time,omitempty"`
	Location     string   `json:"location,omitempty"`
	Participants []string `json:"participants,omitempty"`
	Budget       *Budget  `json:"budget,omitempty"`
}

// Budget is a spending ceiling for purchase-like intents.
type Budget struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
}

// FallbackAction pairs a trigger condition with the action to take.
type FallbackAction struct {
	Condition string `json:"condition"`
	Action    string `json:"action"`
}

// Step is one tool invocation inside a plan.
type Step struct {
	StepID               string         `json:"step_id"`
	StepNumber           int            `json:"step_number"`
	ToolName             string         `json:"tool_name"`
	Parameters           map[string]any `json:"parameters"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	Description          string         `json:"description"`
	ExpectedOutcome      string         `json:"expected_outcome,omitempty"`
}

// Plan is the validated, executable representation of an intent.
// A Plan is treated as immutable once validated; re-planning produces a new value.
type Plan struct {
	PlanID          string           `json:"plan_id"`
	IntentType      IntentType       `json:"intent_type"`
	IntentSummary   string           `json:"intent_summary"`
	Constraints     *Constraints     `json:"constraints,omitempty"`
	OrderedSteps    []Step           `json:"ordered_steps"`
	FallbackActions []FallbackAction `json:"fallback_actions,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	ExpiresAt       *time.Time       `json:"expires_at,omitempty"`
}

// topLevelFields is the closed set of keys a plan document may carry.
var topLevelFields = map[string]struct{}{
	"plan_id":          {},
	"intent_type":      {},
	"intent_summary":   {},
	"constraints":      {},
	"ordered_steps":    {},
	"fallback_actions": {},
	"created_at":       {},
	"expires_at":       {},
}

// StepAt returns the step at a zero-based index.
func (p *Plan) StepAt(idx int) (Step, bool) {
	if p == nil || idx < 0 || idx >= len(p.OrderedSteps) {
		return Step{}, false
	}
	return p.OrderedSteps[idx], true
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.OrderedSteps)
}

// ToolNames returns the distinct tool names referenced by the plan, in step order.
func (p *Plan) ToolNames() []string {
	seen := make(map[string]struct{}, p.Len())
	names := make([]string, 0, p.Len())
	for _, s := range p.OrderedSteps {
		if _, ok := seen[s.ToolName]; ok {
			continue
		}
		seen[s.ToolName] = struct{}{}
		names = append(names, s.ToolName)
	}
	return names
}

// Supersede builds a replacement plan that keeps the first `keep` steps of p
// and appends the revised steps, renumbering and re-identifying the tail so
// numbering stays contiguous and ids stay unique.
func (p *Plan) Supersede(keep int, revised []Step, now time.Time) (*Plan, error) {
	if keep < 0 || keep > p.Len() {
		return nil, fmt.Errorf("supersede: keep %d out of range [0,%d]", keep, p.Len())
	}
	if len(revised) == 0 {
		return nil, fmt.Errorf("supersede: revised plan has no remaining steps")
	}

	next := *p
	next.PlanID = uuid.New().String()
	next.CreatedAt = now
	next.OrderedSteps = make([]Step, 0, keep+len(revised))
	next.OrderedSteps = append(next.OrderedSteps, p.OrderedSteps[:keep]...)

	used := make(map[string]struct{}, keep+len(revised))
	for _, s := range next.OrderedSteps {
		used[s.StepID] = struct{}{}
	}
	for i, s := range revised {
		s.StepNumber = keep + i + 1
		if _, dup := used[s.StepID]; dup || s.StepID == "" {
			s.StepID = uuid.New().String()
		}
		used[s.StepID] = struct{}{}
		next.OrderedSteps = append(next.OrderedSteps, s)
	}
	if p.ExpiresAt != nil {
		exp := *p.ExpiresAt
		if !exp.After(now) {
			exp = now.Add(p.ExpiresAt.Sub(p.CreatedAt))
		}
		next.ExpiresAt = &exp
	}
	return &next, nil
}
