package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/semintent/audit"
	"github.com/c360studio/semintent/memory"
	"github.com/c360studio/semintent/tools"
)

const planSchema = "```json" + `
{
  "plan_id": "<uuid>",
  "intent_type": "dining | scheduling | transportation | purchase | information | notification | custom",
  "intent_summary": "<at most 200 characters>",
  "constraints": {"time": "", "location": "", "participants": [], "budget": {"amount": 0, "currency": ""}},
  "ordered_steps": [
    {
      "step_id": "s1",
      "step_number": 1,
      "tool_name": "<one of the tools below>",
      "parameters": {},
      "requires_confirmation": false,
      "description": "<what this step does>",
      "expected_outcome": "<optional>"
    }
  ],
  "fallback_actions": [{"condition": "", "action": ""}],
  "created_at": "<RFC 3339 timestamp>"
}
` + "```"

const planRules = `## Rules

- Use only the tools listed below. Never invent a tool.
- Number steps 1, 2, 3 with no gaps. At most 10 steps.
- Steps marked IRREVERSIBLE must set "requires_confirmation": true.
- A parameter may reference an earlier step's output: {{step[0].field}} is the
  first step's output, {{last_step_result.field}} the most recent executed step.
- Respond with the JSON document only. No prose before or after it.`

// planSystemPrompt describes the plan document and the tools available.
func planSystemPrompt(defs []tools.Definition) string {
	var b strings.Builder
	b.WriteString("You turn a user's request into an executable plan of tool calls.\n\n")
	b.WriteString("## Output Format\n\n")
	b.WriteString(planSchema)
	b.WriteString("\n\n")
	b.WriteString(planRules)
	b.WriteString("\n\n")
	writeTools(&b, defs)
	return b.String()
}

// planUserPrompt carries the intent and what is known about the caller.
func planUserPrompt(intent string, pc PlanContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s\n\n", pc.Now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Request: %s\n", intent)
	writePreferences(&b, pc.Preferences)
	writeMemories(&b, pc.Memories)
	return b.String()
}

// replanSystemPrompt asks for replacement steps only.
func replanSystemPrompt(defs []tools.Definition) string {
	var b strings.Builder
	b.WriteString("A step of an executing plan failed. Propose replacement steps for the failed step ")
	b.WriteString("and everything after it. Steps before it already ran and must not be repeated.\n\n")
	b.WriteString("## Output Format\n\n")
	b.WriteString("A JSON array of steps, each shaped like an entry of ordered_steps:\n\n")
	b.WriteString("```json\n[{\"step_id\": \"r1\", \"step_number\": 1, \"tool_name\": \"\", \"parameters\": {}, ")
	b.WriteString("\"requires_confirmation\": false, \"description\": \"\"}]\n```\n\n")
	b.WriteString(planRules)
	b.WriteString("\n\n")
	writeTools(&b, defs)
	return b.String()
}

// replanUserPrompt describes the failure.
func replanUserPrompt(req ReplanRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s\n\n", req.Now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Original request: %s\n\n", req.Intent)
	if req.Plan != nil {
		if data, err := json.MarshalIndent(req.Plan.OrderedSteps, "", "  "); err == nil {
			b.WriteString("Current steps:\n```json\n")
			b.Write(data)
			b.WriteString("\n```\n\n")
		}
	}
	if len(req.Executed) > 0 {
		b.WriteString("Completed steps and their results:\n")
		for _, rec := range req.Executed {
			out, _ := json.Marshal(rec.Output)
			fmt.Fprintf(&b, "- step %d (%s): %s\n", rec.StepIndex+1, rec.ToolName, out)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Failed step: %d (%s)\n", req.FailedStepIndex+1, req.FailedStep.ToolName)
	if data, err := json.Marshal(req.Params); err == nil {
		fmt.Fprintf(&b, "Parameters sent: %s\n", data)
	}
	if req.FailedOutput != nil {
		if data, err := json.Marshal(req.FailedOutput); err == nil {
			fmt.Fprintf(&b, "Tool returned: %s\n", data)
		}
	}
	fmt.Fprintf(&b, "Error (%s): %s\n", req.ErrorKind, req.Error)
	if req.Remedy != "" {
		fmt.Fprintf(&b, "Suggested remedy: %s\n", req.Remedy)
	}
	writePreferences(&b, req.Preferences)
	writeMemories(&b, req.Memories)
	return b.String()
}

// remedyPrompt asks for a single short hint.
func remedyPrompt(tool, errText string, params map[string]any) string {
	data, _ := json.Marshal(params)
	return fmt.Sprintf("The tool %q failed with: %s\nParameters: %s\n\n"+
		"In one or two plain sentences, tell the user what to change or try next. "+
		"No markdown, no code.", tool, errText, data)
}

// formatCorrectionPrompt tells the model its previous answer was not usable.
func formatCorrectionPrompt(err error) string {
	return fmt.Sprintf("Your response could not be parsed as JSON. Error: %s\n\n"+
		"Respond again with ONLY the JSON document, no explanation.", err)
}

func writeTools(b *strings.Builder, defs []tools.Definition) {
	b.WriteString("## Tools Available\n\n")
	if len(defs) == 0 {
		b.WriteString("(none)\n")
		return
	}
	sorted := append([]tools.Definition(nil), defs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, d := range sorted {
		fmt.Fprintf(b, "- %s: %s", d.Name, d.Description)
		if d.Irreversible {
			b.WriteString(" [IRREVERSIBLE]")
		}
		if len(d.Required) > 0 {
			fmt.Fprintf(b, " required: %s.", strings.Join(d.Required, ", "))
		}
		if len(d.Optional) > 0 {
			fmt.Fprintf(b, " optional: %s.", strings.Join(d.Optional, ", "))
		}
		b.WriteString("\n")
	}
}

// writePreferences lists what the user tends to choose and what was
// rejected before. Values the request names explicitly win.
func writePreferences(b *strings.Builder, p *audit.Profile) {
	if p.Empty() {
		return
	}
	if len(p.Preferred) > 0 {
		b.WriteString("\nThe user usually chooses (use only when the request leaves it open):\n")
		for _, pref := range p.Preferred {
			fmt.Fprintf(b, "- %s.%s = %q (%d runs)\n", pref.Tool, pref.Param, pref.Value, pref.Count)
		}
	}
	if len(p.Avoided) > 0 {
		b.WriteString("\nValues rejected before:\n")
		for _, pref := range p.Avoided {
			fmt.Fprintf(b, "- %s.%s = %q\n", pref.Tool, pref.Param, pref.Value)
		}
	}
}

func writeMemories(b *strings.Builder, recs []memory.Record) {
	if len(recs) == 0 {
		return
	}
	b.WriteString("\nPast failures to avoid:\n")
	for _, r := range recs {
		fmt.Fprintf(b, "- %s failed: %s", r.ToolName, r.Error)
		if r.Remedy != "" {
			fmt.Fprintf(b, " (remedy: %s)", r.Remedy)
		}
		b.WriteString("\n")
	}
}
