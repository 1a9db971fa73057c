// Package planner turns intents into candidate plans. Planners return raw
// JSON: nothing they produce is trusted until the plan validator accepts it.
package planner

import (
	"context"
	"time"

	"github.com/c360studio/semintent/audit"
	"github.com/c360studio/semintent/memory"
	"github.com/c360studio/semintent/plan"
	"github.com/c360studio/semintent/tools"
)

// PlanContext is what a planner may consider besides the intent text.
// Preferences is nil for anonymous callers.
type PlanContext struct {
	UserID      string
	Tools       []tools.Definition
	Memories    []memory.Record
	Preferences *audit.Profile
	Now         time.Time
}

// ReplanRequest describes a failed step and the plan it belonged to.
// Executed holds the steps that already ran, oldest first.
type ReplanRequest struct {
	Intent          string
	UserID          string
	Plan            *plan.Plan
	FailedStepIndex int
	FailedStep      plan.Step
	Executed        []audit.StepRecord
	Params          map[string]any
	FailedOutput    any
	Error           string
	ErrorKind       string
	Remedy          string
	Memories        []memory.Record
	Preferences     *audit.Profile
	Tools           []tools.Definition
	Now             time.Time
}

// Planner produces plans and remedies.
type Planner interface {
	// GeneratePlan returns a plan document for intent.
	GeneratePlan(ctx context.Context, intent string, pc PlanContext) ([]byte, error)

	// Replan returns replacement steps for the failed step and everything
	// after it, either as a JSON array of steps or as an object with an
	// "ordered_steps" array.
	Replan(ctx context.Context, req ReplanRequest) ([]byte, error)

	// GenerateRemedy returns a short human-readable hint for a failure.
	GenerateRemedy(ctx context.Context, tool, errText string, params map[string]any) (string, error)
}
