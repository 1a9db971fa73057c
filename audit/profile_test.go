package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semintent/plan"
)

func finishedRun(status OutcomeStatus, steps ...StepRecord) *AuditLog {
	now := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	l := newLog("id", "book dinner", "u1", now)
	l.Plan = &plan.Plan{IntentType: plan.IntentDining}
	for _, s := range steps {
		l.RecordStep(s)
	}
	l.Finalize(status, "", "", now)
	return l
}

func searched(status StepStatus, kind string, input map[string]any) StepRecord {
	return StepRecord{StepIndex: 0, ToolName: "search_restaurant", Status: status, ErrorKind: kind, Input: input}
}

func TestBuildProfile(t *testing.T) {
	italian := map[string]any{"cuisine": "italian", "location": "Leeds"}
	logs := []*AuditLog{
		finishedRun(OutcomeSuccess, searched(StepExecuted, "", italian)),
		finishedRun(OutcomeSuccess, searched(StepExecuted, "", map[string]any{"cuisine": "italian", "location": "York"})),
		finishedRun(OutcomeFailure, searched(StepFailed, "semantic_failure", map[string]any{"location": "Atlantis"})),
		finishedRun(OutcomeFailure, searched(StepFailed, "timeout", map[string]any{"location": "Hull"})),
		finishedRun(OutcomeFailure, searched(StepFailed, "semantic_failure", map[string]any{"cuisine": "italian"})),
		newLog("open", "still running", "u1", time.Now()),
		finishedRun(OutcomeSuccess, searched(StepExecuted, "", map[string]any{"title": "{{step[0].name}}"})),
	}

	p := BuildProfile("u1", logs)
	assert.Equal(t, 6, p.Runs, "open logs are ignored")
	assert.Equal(t, 3, p.Successes)
	assert.Equal(t, map[string]int{"dining": 6}, p.IntentCounts)

	require.Len(t, p.Preferred, 1, "a value needs two successful runs")
	assert.Equal(t, Preference{Tool: "search_restaurant", Param: "cuisine", Value: "italian", Count: 2}, p.Preferred[0])
	v, ok := p.PreferredValue("search_restaurant", "cuisine")
	assert.True(t, ok)
	assert.Equal(t, "italian", v)
	_, ok = p.PreferredValue("search_restaurant", "title")
	assert.False(t, ok, "references are not values")

	require.Len(t, p.Avoided, 1, "timeouts and values that also succeeded are not avoided")
	assert.True(t, p.Avoids("search_restaurant", "location", "atlantis"))
	assert.False(t, p.Avoids("search_restaurant", "location", "Hull"))
	assert.False(t, p.Empty())
}

func TestBuildProfile_OtherUsers(t *testing.T) {
	l := finishedRun(OutcomeSuccess, searched(StepExecuted, "", map[string]any{"cuisine": "thai"}))
	p := BuildProfile("someone-else", []*AuditLog{l, l})
	assert.Zero(t, p.Runs)
	assert.True(t, p.Empty())

	var nilProfile *Profile
	assert.True(t, nilProfile.Empty())
	assert.False(t, nilProfile.Avoids("a", "b", "c"))
}

func TestProfiler(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for range 2 {
		l, err := s.Create(ctx, "dinner", "u1")
		require.NoError(t, err)
		l.RecordStep(searched(StepExecuted, "", map[string]any{"cuisine": "thai"}))
		l.Finalize(OutcomeSuccess, "", "", time.Now())
		require.NoError(t, s.Update(ctx, l))
	}

	pr := NewProfiler(s, 0)
	p, err := pr.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Runs)
	v, _ := p.PreferredValue("search_restaurant", "cuisine")
	assert.Equal(t, "thai", v)

	p, err = pr.Profile(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, p, "anonymous callers have no profile")
}
