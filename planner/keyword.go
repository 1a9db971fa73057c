package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/c360studio/semintent/audit"
	"github.com/c360studio/semintent/plan"
	"github.com/c360studio/semintent/tools"
)

// ErrUnplannable is returned when no available tool fits an intent.
var ErrUnplannable = errors.New("no tool can serve this intent")

// ErrNoAlternative is returned when a failed step has nothing left to relax.
var ErrNoAlternative = errors.New("no alternative for failed step")

var (
	cuisines   = []string{"french", "italian", "japanese", "thai", "indian", "mexican", "chinese"}
	mealWords  = regexp.MustCompile(`\b(dinner|lunch|breakfast|brunch)\b`)
	diningWord = regexp.MustCompile(`\b(dinner|lunch|breakfast|brunch|restaurant|table|eat|food)\b`)
	rideWords  = regexp.MustCompile(`\b(ride|taxi|cab|uber|lyft|pick me up)\b`)
	notifyWord = regexp.MustCompile(`\b(notify|remind|tell|message|text)\b`)
	weatherRe  = regexp.MustCompile(`\b(weather|forecast|rain|temperature)\b`)
	locationRe = regexp.MustCompile(`\bin ([A-Z][\w'-]*(?: [A-Z][\w'-]*)*)`)
	fromRe     = regexp.MustCompile(`(?i)\bfrom ([\w' -]+?)(?: to |$|[,.])`)
	toRe       = regexp.MustCompile(`(?i)\bto ([\w' -]+?)(?: from |$|[,.])`)
	timeRe     = regexp.MustCompile(`(?i)\b(\d{1,2}(?::\d{2})?\s*(?:am|pm)|\d{1,2}:\d{2}|tonight|tomorrow|noon)\b`)
)

// KeywordPlanner builds plans from keywords alone. It needs no model and is
// fully deterministic, which makes it the fallback planner and the planner
// used in tests.
type KeywordPlanner struct {
	now func() time.Time
	ttl time.Duration
}

// KeywordOption configures a KeywordPlanner.
type KeywordOption func(*KeywordPlanner)

// WithKeywordClock sets the time source used for created_at.
func WithKeywordClock(now func() time.Time) KeywordOption {
	return func(k *KeywordPlanner) {
		k.now = now
	}
}

// NewKeywordPlanner creates a KeywordPlanner.
func NewKeywordPlanner(opts ...KeywordOption) *KeywordPlanner {
	k := &KeywordPlanner{now: time.Now, ttl: 30 * time.Minute}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

type draft struct {
	intentType plan.IntentType
	steps      []plan.Step
	defs       map[string]tools.Definition
	restricted bool
}

func newDraft(defs []tools.Definition) *draft {
	d := &draft{defs: make(map[string]tools.Definition, len(defs)), restricted: len(defs) > 0}
	for _, def := range defs {
		d.defs[def.Name] = def
	}
	return d
}

func (d *draft) has(tool string) bool {
	if !d.restricted {
		return true
	}
	_, ok := d.defs[tool]
	return ok
}

func (d *draft) add(tool, description string, params map[string]any) {
	confirm := false
	if def, ok := d.defs[tool]; ok {
		confirm = def.Irreversible
	} else {
		for _, name := range plan.DefaultIrreversibleTools {
			if name == tool {
				confirm = true
			}
		}
	}
	n := len(d.steps) + 1
	d.steps = append(d.steps, plan.Step{
		StepID:               fmt.Sprintf("s%d", n),
		StepNumber:           n,
		ToolName:             tool,
		Parameters:           params,
		RequiresConfirmation: confirm,
		Description:          description,
	})
}

// prefer fills optional parameters the intent left open with the values the
// user's successful runs kept choosing.
func (d *draft) prefer(p *audit.Profile) {
	if p.Empty() {
		return
	}
	for i := range d.steps {
		s := &d.steps[i]
		def, ok := d.defs[s.ToolName]
		if !ok {
			continue
		}
		for _, param := range def.Optional {
			if _, set := s.Parameters[param]; set {
				continue
			}
			if v, ok := p.PreferredValue(s.ToolName, param); ok {
				s.Parameters[param] = v
			}
		}
	}
}

// GeneratePlan implements Planner.
func (k *KeywordPlanner) GeneratePlan(ctx context.Context, intent string, pc PlanContext) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	intent = strings.TrimSpace(intent)
	lower := strings.ToLower(intent)
	route := Classify(intent)
	d := newDraft(pc.Tools)

	location := ""
	if m := locationRe.FindStringSubmatch(intent); m != nil {
		location = m[1]
	}
	when := ""
	if m := timeRe.FindStringSubmatch(intent); m != nil {
		when = strings.ToLower(m[1])
	}

	switch {
	case rideWords.MatchString(lower) && d.has("book_ride"):
		d.intentType = plan.IntentTransportation
		pickup, destination := "current location", location
		if m := fromRe.FindStringSubmatch(intent); m != nil {
			pickup = strings.TrimSpace(m[1])
		}
		if m := toRe.FindStringSubmatch(intent); m != nil {
			destination = strings.TrimSpace(m[1])
		}
		if destination == "" {
			return nil, fmt.Errorf("%w: ride has no destination", ErrUnplannable)
		}
		params := map[string]any{"pickup": pickup, "destination": destination}
		if when != "" {
			params["time"] = when
		}
		d.add("book_ride", "Book a ride to "+destination, params)

	case weatherRe.MatchString(lower) && d.has("get_weather"):
		d.intentType = plan.IntentInformation
		city := location
		if city == "" {
			city = "Downtown"
		}
		d.add("get_weather", "Check the forecast for "+city, map[string]any{"city": city})

	case (diningWord.MatchString(lower) || cuisineOf(lower) != "") && d.has("search_restaurant"):
		d.intentType = plan.IntentDining
		search := map[string]any{}
		if c := cuisineOf(lower); c != "" {
			search["cuisine"] = c
		}
		if location != "" {
			search["location"] = location
		}
		d.add("search_restaurant", "Find a suitable restaurant", search)

		if route == RouteCalendar && d.has("add_calendar_event") {
			meal := "Dinner"
			if m := mealWords.FindString(lower); m != "" {
				meal = strings.ToUpper(m[:1]) + m[1:]
			}
			start := when
			if start == "" || start == "tonight" {
				start = "19:00"
			}
			d.add("add_calendar_event", "Add the reservation to the calendar", map[string]any{
				"title":    meal + " at {{last_step_result.name}}",
				"start":    start,
				"location": "{{step[0].address}}",
			})
		}

	case route == RouteCalendar && d.has("add_calendar_event"):
		d.intentType = plan.IntentScheduling
		start := when
		if start == "" {
			start = "09:00"
		}
		d.add("add_calendar_event", "Add the event to the calendar", map[string]any{
			"title": summarize(intent, 80),
			"start": start,
		})

	case notifyWord.MatchString(lower) && d.has("send_notification"):
		d.intentType = plan.IntentNotification
		recipient := "self"
		if pc.UserID != "" {
			recipient = pc.UserID
		}
		d.add("send_notification", "Send the notification", map[string]any{
			"recipient": recipient,
			"message":   summarize(intent, 200),
		})

	case route == RouteSearch && d.has("search_restaurant"):
		d.intentType = plan.IntentInformation
		search := map[string]any{}
		if location != "" {
			search["location"] = location
		}
		d.add("search_restaurant", "Search nearby places", search)
	}

	if len(d.steps) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnplannable, summarize(intent, 60))
	}
	d.prefer(pc.Preferences)

	now := k.now().UTC()
	expires := now.Add(k.ttl)
	return json.Marshal(plan.Plan{
		PlanID:        uuid.New().String(),
		IntentType:    d.intentType,
		IntentSummary: summarize(intent, plan.MaxSummaryLength),
		OrderedSteps:  d.steps,
		FallbackActions: []plan.FallbackAction{
			{Condition: "a step fails", Action: "revise the remaining steps"},
		},
		CreatedAt: now,
		ExpiresAt: &expires,
	})
}

// Replan implements Planner. It keeps the failed step and everything after
// it, dropping the failed step's optional parameters to widen the request.
// A dropped parameter comes back with the user's usual value when that value
// differs from the one that failed.
func (k *KeywordPlanner) Replan(ctx context.Context, req ReplanRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Plan == nil || req.FailedStepIndex < 0 || req.FailedStepIndex >= req.Plan.Len() {
		return nil, fmt.Errorf("%w: step %d is not in the plan", ErrNoAlternative, req.FailedStepIndex)
	}

	var required []string
	for _, def := range req.Tools {
		if def.Name == req.FailedStep.ToolName {
			required = def.Required
		}
	}

	remaining := make([]plan.Step, 0, req.Plan.Len()-req.FailedStepIndex)
	for i, s := range req.Plan.OrderedSteps[req.FailedStepIndex:] {
		s.Parameters = cloneParams(s.Parameters)
		if i == 0 {
			relaxed := keepOnly(s.Parameters, required)
			if len(relaxed) == len(s.Parameters) {
				return nil, fmt.Errorf("%w: %s has no optional parameters to drop", ErrNoAlternative, s.ToolName)
			}
			restorePreferred(relaxed, s, req.Preferences)
			s.Parameters = relaxed
			s.Description = summarize("Retry with fewer constraints: "+s.Description, plan.MaxDescriptionLength)
		}
		remaining = append(remaining, s)
	}
	return json.Marshal(remaining)
}

var remedyRules = []struct {
	pattern *regexp.Regexp
	hint    string
}{
	{regexp.MustCompile(`(?i)rate.?limit|quota|too many`), "Wait a minute before retrying; the service is throttling requests."},
	{regexp.MustCompile(`(?i)circuit`), "The service is failing repeatedly; try again in about 30 seconds."},
	{regexp.MustCompile(`(?i)time(d)? ?out|deadline`), "The service was slow to answer; retry, or try a simpler request."},
	{regexp.MustCompile(`(?i)missing required parameter`), "Provide the missing details and confirm the step again."},
	{regexp.MustCompile(`(?i)unavailable|unknown tool`), "This capability is currently unavailable; choose another option."},
	{regexp.MustCompile(`(?i)same|identical`), "Check that the inputs are different from each other."},
}

// GenerateRemedy implements Planner with a fixed rule table.
func (k *KeywordPlanner) GenerateRemedy(ctx context.Context, tool, errText string, _ map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for _, r := range remedyRules {
		if r.pattern.MatchString(errText) {
			return r.hint, nil
		}
	}
	return fmt.Sprintf("Check the details given to %s and try again.", tool), nil
}

// restorePreferred puts back dropped parameters for which the user has a
// different usual value that was never rejected.
func restorePreferred(relaxed map[string]any, s plan.Step, p *audit.Profile) {
	for param, old := range s.Parameters {
		if _, kept := relaxed[param]; kept {
			continue
		}
		v, ok := p.PreferredValue(s.ToolName, param)
		if ok && old != any(v) && !p.Avoids(s.ToolName, param, v) {
			relaxed[param] = v
		}
	}
}

func cuisineOf(lower string) string {
	for _, c := range cuisines {
		if strings.Contains(lower, c) {
			return c
		}
	}
	return ""
}

func summarize(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

func cloneParams(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func keepOnly(p map[string]any, keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := p[k]; ok {
			out[k] = v
		}
	}
	return out
}
