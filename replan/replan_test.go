package replan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semintent/audit"
	"github.com/c360studio/semintent/memory"
	"github.com/c360studio/semintent/plan"
	"github.com/c360studio/semintent/planner"
	"github.com/c360studio/semintent/reliability"
)

var fixedNow = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

type fakePlanner struct {
	mu         sync.Mutex
	replan     []byte
	replanErr  error
	remedy     string
	remedyErr  error
	requests   []planner.ReplanRequest
	remedyHits int
}

func (f *fakePlanner) GeneratePlan(context.Context, string, planner.PlanContext) ([]byte, error) {
	return nil, errors.New("not used")
}

func (f *fakePlanner) Replan(_ context.Context, req planner.ReplanRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.replan, f.replanErr
}

func (f *fakePlanner) GenerateRemedy(context.Context, string, string, map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remedyHits++
	return f.remedy, f.remedyErr
}

func dinnerLog() *audit.AuditLog {
	return &audit.AuditLog{
		ID:     "log-1",
		UserID: "user-1",
		Intent: "Book dinner at a french place tonight",
		Plan: &plan.Plan{
			PlanID:        "6a1f3c57-2f4b-4e59-9f0e-3f4f1f6b2a10",
			IntentType:    plan.IntentDining,
			IntentSummary: "Dinner reservation",
			CreatedAt:     fixedNow.Add(-time.Minute),
			OrderedSteps: []plan.Step{
				{StepID: "search", StepNumber: 1, ToolName: "search_restaurant", Parameters: map[string]any{"cuisine": "french"}, Description: "Find a restaurant"},
				{StepID: "cal", StepNumber: 2, ToolName: "add_calendar_event", Parameters: map[string]any{"title": "Dinner"}, RequiresConfirmation: true, Description: "Add to calendar"},
			},
		},
	}
}

func newReplanner(p planner.Planner, opts ...Option) *Replanner {
	v := plan.NewValidator(
		plan.WithKnownTools("search_restaurant", "add_calendar_event", "get_weather"),
		plan.WithClock(func() time.Time { return fixedNow }),
	)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(p, v, opts...)
}

func calendarFailure(l *audit.AuditLog) Failure {
	step, _ := l.Plan.StepAt(1)
	return Failure{
		Log:       l,
		StepIndex: 1,
		Step:      step,
		Params:    step.Parameters,
		Err:       errors.New("calendar is read-only"),
		Kind:      reliability.KindSemantic,
		CallerID:  "user-1",
	}
}

const revisedSteps = `[
	{"step_id":"cal-2","step_number":1,"tool_name":"add_calendar_event","parameters":{"title":"Dinner","calendar":"personal"},"requires_confirmation":true,"description":"Add to personal calendar"}
]`

func TestHandleFailure_RevisesRemainingSteps(t *testing.T) {
	fp := &fakePlanner{replan: []byte(revisedSteps), remedy: "Use the personal calendar."}
	r := newReplanner(fp)
	l := dinnerLog()

	d := r.HandleFailure(context.Background(), calendarFailure(l))

	require.NotNil(t, d.Plan, d.Reason)
	assert.False(t, d.Exhausted)
	assert.Equal(t, "Use the personal calendar.", d.Remedy)
	assert.NotEqual(t, l.Plan.PlanID, d.Plan.PlanID)
	assert.Equal(t, fixedNow, d.Plan.CreatedAt)
	require.Len(t, d.Plan.OrderedSteps, 2)
	assert.Equal(t, "search", d.Plan.OrderedSteps[0].StepID, "executed prefix kept")
	assert.Equal(t, 2, d.Plan.OrderedSteps[1].StepNumber, "tail renumbered")
	assert.Equal(t, "personal", d.Plan.OrderedSteps[1].Parameters["calendar"])

	require.Len(t, fp.requests, 1)
	req := fp.requests[0]
	assert.Equal(t, 1, req.FailedStepIndex)
	assert.Equal(t, "calendar is read-only", req.Error)
	assert.Equal(t, string(reliability.KindSemantic), req.ErrorKind)
	assert.Equal(t, "Use the personal calendar.", req.Remedy)

	assert.Len(t, l.Plan.OrderedSteps, 2, "input plan untouched")
	assert.Equal(t, "cal", l.Plan.OrderedSteps[1].StepID)
}

func TestHandleFailure_PassesExecutedResults(t *testing.T) {
	fp := &fakePlanner{replan: []byte(revisedSteps)}
	l := dinnerLog()
	l.RecordStep(audit.StepRecord{
		StepIndex: 0,
		StepID:    "search",
		ToolName:  "search_restaurant",
		Status:    audit.StepExecuted,
		Input:     map[string]any{"cuisine": "french"},
		Output:    map[string]any{"name": "Le Bistrot", "address": "12 Market Street"},
	})
	f := calendarFailure(l)
	f.Output = map[string]any{"calendar": "work", "writable": false}
	l.RecordStep(audit.StepRecord{StepIndex: 1, StepID: "cal", ToolName: "add_calendar_event", Status: audit.StepFailed})

	d := newReplanner(fp).HandleFailure(context.Background(), f)
	require.NotNil(t, d.Plan, d.Reason)

	require.Len(t, fp.requests, 1)
	req := fp.requests[0]
	require.Len(t, req.Executed, 1, "only steps that ran before the failure")
	assert.Equal(t, "Le Bistrot", req.Executed[0].Output.(map[string]any)["name"])
	assert.Equal(t, map[string]any{"calendar": "work", "writable": false}, req.FailedOutput)
	assert.Equal(t, "Dinner", req.Params["title"])
}

type staticProfiles struct {
	profile *audit.Profile
	err     error
	asked   []string
}

func (s *staticProfiles) Profile(_ context.Context, userID string) (*audit.Profile, error) {
	s.asked = append(s.asked, userID)
	return s.profile, s.err
}

func TestHandleFailure_PassesPreferences(t *testing.T) {
	prefs := &audit.Profile{UserID: "user-1", Preferred: []audit.Preference{
		{Tool: "add_calendar_event", Param: "calendar", Value: "personal", Count: 4},
	}}
	sp := &staticProfiles{profile: prefs}
	fp := &fakePlanner{replan: []byte(revisedSteps)}

	d := newReplanner(fp, WithProfiles(sp)).HandleFailure(context.Background(), calendarFailure(dinnerLog()))
	require.NotNil(t, d.Plan, d.Reason)
	assert.Equal(t, []string{"user-1"}, sp.asked)
	require.Len(t, fp.requests, 1)
	assert.Same(t, prefs, fp.requests[0].Preferences)

	sp = &staticProfiles{err: errors.New("store offline")}
	fp = &fakePlanner{replan: []byte(revisedSteps)}
	d = newReplanner(fp, WithProfiles(sp)).HandleFailure(context.Background(), calendarFailure(dinnerLog()))
	require.NotNil(t, d.Plan, "a failed lookup does not block the revision")
	assert.Nil(t, fp.requests[0].Preferences)
}

func TestHandleFailure_AcceptsOrderedStepsObject(t *testing.T) {
	fp := &fakePlanner{replan: []byte(`{"ordered_steps":` + revisedSteps + `}`)}
	d := newReplanner(fp).HandleFailure(context.Background(), calendarFailure(dinnerLog()))
	require.NotNil(t, d.Plan, d.Reason)
}

func TestHandleFailure_CeilingReached(t *testing.T) {
	fp := &fakePlanner{replan: []byte(revisedSteps), remedy: "try later"}
	r := newReplanner(fp, WithMaxReplans(2))
	l := dinnerLog()
	l.ReplannedCount = 2

	d := r.HandleFailure(context.Background(), calendarFailure(l))

	assert.Nil(t, d.Plan)
	assert.True(t, d.Exhausted)
	assert.Contains(t, d.Reason, "limit of 2")
	assert.Equal(t, "try later", d.Remedy, "remedy still produced")
	assert.Empty(t, fp.requests, "planner not asked to revise")
}

func TestHandleFailure_SessionBudget(t *testing.T) {
	fp := &fakePlanner{replan: []byte(revisedSteps)}
	r := newReplanner(fp, WithSessionBudget(NewSessionBudget(1, time.Hour)))

	first := r.HandleFailure(context.Background(), calendarFailure(dinnerLog()))
	require.NotNil(t, first.Plan)

	second := r.HandleFailure(context.Background(), calendarFailure(dinnerLog()))
	assert.Nil(t, second.Plan)
	assert.True(t, second.Exhausted)
	assert.Equal(t, "session re-plan budget spent", second.Reason)

	other := calendarFailure(dinnerLog())
	other.CallerID = "user-2"
	assert.NotNil(t, r.HandleFailure(context.Background(), other).Plan, "budget is per session")
}

func TestHandleFailure_RejectsInvalidRevision(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		reason string
	}{
		{
			name:   "unknown tool",
			raw:    `[{"step_id":"x","step_number":1,"tool_name":"launch_rocket","parameters":{},"requires_confirmation":false,"description":"Launch"}]`,
			reason: "launch_rocket",
		},
		{
			name:   "irreversible without confirmation",
			raw:    `[{"step_id":"x","step_number":1,"tool_name":"add_calendar_event","parameters":{},"requires_confirmation":false,"description":"Add"}]`,
			reason: "must require confirmation",
		},
		{
			name:   "unknown field",
			raw:    `[{"step_id":"x","step_number":1,"tool_name":"get_weather","parameters":{},"description":"Check","shell":"rm -rf"}]`,
			reason: "unknown field",
		},
		{
			name:   "prose",
			raw:    `I think you should try again later.`,
			reason: "revised plan invalid",
		},
		{
			name:   "empty array",
			raw:    `[]`,
			reason: "no steps",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := &fakePlanner{replan: []byte(tt.raw)}
			d := newReplanner(fp).HandleFailure(context.Background(), calendarFailure(dinnerLog()))
			assert.Nil(t, d.Plan)
			assert.False(t, d.Exhausted)
			assert.Contains(t, d.Reason, tt.reason)
		})
	}
}

func TestHandleFailure_PlannerError(t *testing.T) {
	fp := &fakePlanner{replanErr: errors.New("model offline"), remedyErr: errors.New("model offline")}
	d := newReplanner(fp).HandleFailure(context.Background(), calendarFailure(dinnerLog()))

	assert.Nil(t, d.Plan)
	assert.Empty(t, d.Remedy)
	assert.Contains(t, d.Reason, "model offline")
}

func TestHandleFailure_NoPlan(t *testing.T) {
	fp := &fakePlanner{remedy: "check input"}
	l := dinnerLog()
	f := calendarFailure(l)
	l.Plan = nil

	d := newReplanner(fp).HandleFailure(context.Background(), f)
	assert.Nil(t, d.Plan)
	assert.Equal(t, "no plan to revise", d.Reason)
	assert.Equal(t, "check input", d.Remedy)
}

func TestHandleFailure_RemembersFailure(t *testing.T) {
	mem := memory.NewMemoryStore(10)
	require.NoError(t, mem.Save(context.Background(), memory.Record{
		CallerID: "user-1", ToolName: "add_calendar_event", Error: "calendar quota exceeded",
		CreatedAt: fixedNow.Add(-time.Hour),
	}))
	fp := &fakePlanner{replan: []byte(revisedSteps), remedy: "Use another calendar"}
	r := newReplanner(fp, WithMemory(mem))

	r.HandleFailure(context.Background(), calendarFailure(dinnerLog()))

	assert.Equal(t, 2, mem.Len())
	got, err := mem.Relevant(context.Background(), "calendar read-only", "user-1", 5)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "calendar is read-only", got[0].Error)
	assert.Equal(t, "Use another calendar", got[0].Remedy)
	assert.Equal(t, "log-1", got[0].LogID)
	assert.Equal(t, 1, got[0].StepIndex)

	require.Len(t, fp.requests, 1)
	assert.NotEmpty(t, fp.requests[0].Memories, "past failures offered to the planner")
}

func TestSanitize(t *testing.T) {
	r := newReplanner(&fakePlanner{}, WithMaxRemedyChars(20))

	assert.Equal(t, "Try again later.", r.sanitize("<script>alert(1)</script>Try <b>again</b>\n\n later."))
	assert.Equal(t, "Tom & Jerry's", r.sanitize("Tom &amp; Jerry's"))

	long := r.sanitize(strings.Repeat("abcd ", 10))
	assert.True(t, strings.HasSuffix(long, "..."))
	assert.LessOrEqual(t, len([]rune(long)), 23)
}

func TestRemedy_SharedAcrossConcurrentFailures(t *testing.T) {
	fp := &fakePlanner{remedy: "wait"}
	r := newReplanner(fp)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, "wait", r.remedy(context.Background(), "book_ride", "no drivers", nil))
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, fp.remedyHits, 1)
	assert.LessOrEqual(t, fp.remedyHits, 8)
}

func TestDecodeSteps(t *testing.T) {
	steps, err := DecodeSteps([]byte(" " + revisedSteps + " "))
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "add_calendar_event", steps[0].ToolName)

	_, err = DecodeSteps([]byte(`{"steps":[]}`))
	assert.ErrorContains(t, err, "ordered_steps")

	_, err = DecodeSteps(nil)
	assert.Error(t, err)
}

func TestSessionBudget_Window(t *testing.T) {
	now := fixedNow
	b := NewSessionBudget(2, time.Hour)
	b.now = func() time.Time { return now }

	assert.True(t, b.Take("s"))
	assert.True(t, b.Take("s"))
	assert.False(t, b.Take("s"))
	assert.Equal(t, 0, b.Remaining("s"))
	assert.Equal(t, 2, b.Remaining("other"))

	now = now.Add(time.Hour)
	assert.Equal(t, 2, b.Remaining("s"))
	assert.True(t, b.Take("s"))
	assert.Equal(t, 1, b.Remaining("s"))
}

func TestSessionBudget_Sweep(t *testing.T) {
	now := fixedNow
	b := NewSessionBudget(2, time.Hour)
	b.now = func() time.Time { return now }

	b.Take("early")
	now = now.Add(30 * time.Minute)
	b.Take("late")
	assert.Equal(t, 2, b.Len())

	now = now.Add(40 * time.Minute)
	assert.Equal(t, 1, b.Sweep())
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 1, b.Remaining("late"), "live sessions keep their count")
	assert.Equal(t, 2, b.Remaining("early"))
}
