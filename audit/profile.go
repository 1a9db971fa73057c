package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// MinPreferenceSupport is how many successful runs must agree on a
// parameter value before it counts as preferred.
const MinPreferenceSupport = 2

// DefaultProfileDepth is how many recent logs a Profiler reads.
const DefaultProfileDepth = 50

// semanticFailure matches the error kind recorded for rejected requests.
const semanticFailure = "semantic_failure"

// Preference is a tool parameter value observed across a user's runs.
type Preference struct {
	Tool  string `json:"tool"`
	Param string `json:"param"`
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Profile summarizes the finalized runs of one user.
//
// Preferred holds values that successful runs used at least
// MinPreferenceSupport times. Avoided holds values a tool rejected as a
// semantic failure that never appeared in a successful run.
type Profile struct {
	UserID       string         `json:"user_id"`
	Runs         int            `json:"runs"`
	Successes    int            `json:"successes"`
	IntentCounts map[string]int `json:"intent_counts,omitempty"`
	Preferred    []Preference   `json:"preferred,omitempty"`
	Avoided      []Preference   `json:"avoided,omitempty"`
}

// Empty reports whether the profile carries nothing a planner could use.
func (p *Profile) Empty() bool {
	return p == nil || (len(p.Preferred) == 0 && len(p.Avoided) == 0)
}

// PreferredValue returns the most used value of param for tool.
func (p *Profile) PreferredValue(tool, param string) (string, bool) {
	if p == nil {
		return "", false
	}
	for _, pref := range p.Preferred {
		if pref.Tool == tool && pref.Param == param {
			return pref.Value, true
		}
	}
	return "", false
}

// Avoids reports whether value was rejected for tool's param.
func (p *Profile) Avoids(tool, param, value string) bool {
	if p == nil {
		return false
	}
	for _, a := range p.Avoided {
		if a.Tool == tool && a.Param == param && strings.EqualFold(a.Value, value) {
			return true
		}
	}
	return false
}

type prefKey struct{ tool, param, value string }

// BuildProfile folds logs into a Profile. Open logs are ignored.
func BuildProfile(userID string, logs []*AuditLog) *Profile {
	p := &Profile{UserID: userID, IntentCounts: map[string]int{}}
	used := map[prefKey]int{}
	rejected := map[prefKey]int{}

	for _, l := range logs {
		if l == nil || !l.Finalized() || l.UserID != userID {
			continue
		}
		p.Runs++
		if l.Plan != nil && l.Plan.IntentType != "" {
			p.IntentCounts[string(l.Plan.IntentType)]++
		}
		success := l.FinalOutcome.Status == OutcomeSuccess
		if success {
			p.Successes++
		}
		for _, rec := range l.Steps {
			switch {
			case success && rec.Status == StepExecuted:
				countValues(used, rec)
			case rec.Status == StepFailed && rec.ErrorKind == semanticFailure:
				countValues(rejected, rec)
			}
		}
	}

	for k, n := range used {
		if n >= MinPreferenceSupport {
			p.Preferred = append(p.Preferred, Preference{Tool: k.tool, Param: k.param, Value: k.value, Count: n})
		}
	}
	for k, n := range rejected {
		if used[k] == 0 {
			p.Avoided = append(p.Avoided, Preference{Tool: k.tool, Param: k.param, Value: k.value, Count: n})
		}
	}
	sortPreferences(p.Preferred)
	sortPreferences(p.Avoided)
	return p
}

// countValues counts the literal string inputs of rec. Values that still
// hold a step reference are skipped.
func countValues(into map[prefKey]int, rec StepRecord) {
	for param, v := range rec.Input {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" || strings.Contains(s, "{{") {
			continue
		}
		into[prefKey{tool: rec.ToolName, param: param, value: s}]++
	}
}

// sortPreferences orders by count, highest first, then by name so the
// first match for a tool and param is the strongest.
func sortPreferences(prefs []Preference) {
	sort.Slice(prefs, func(i, j int) bool {
		a, b := prefs[i], prefs[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Tool != b.Tool {
			return a.Tool < b.Tool
		}
		if a.Param != b.Param {
			return a.Param < b.Param
		}
		return a.Value < b.Value
	})
}

// Profiler builds profiles from a Store.
type Profiler struct {
	store Store
	depth int
}

// NewProfiler reads up to depth recent logs per user. A non-positive depth
// uses DefaultProfileDepth.
func NewProfiler(store Store, depth int) *Profiler {
	if depth <= 0 {
		depth = DefaultProfileDepth
	}
	return &Profiler{store: store, depth: depth}
}

// Profile returns the profile of userID, or nil for an anonymous caller.
func (p *Profiler) Profile(ctx context.Context, userID string) (*Profile, error) {
	if userID == "" {
		return nil, nil
	}
	logs, err := p.store.ListByUser(ctx, userID, p.depth)
	if err != nil {
		return nil, fmt.Errorf("list logs of %s: %w", userID, err)
	}
	return BuildProfile(userID, logs), nil
}
