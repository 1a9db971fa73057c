// Package replan reacts to a failed plan step: it asks for a remedy hint,
// remembers the failure, and, within bounded budgets, requests and vets a
// revised plan for the remaining steps.
package replan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/sync/singleflight"

	"github.com/c360studio/semintent/audit"
	"github.com/c360studio/semintent/memory"
	"github.com/c360studio/semintent/plan"
	"github.com/c360studio/semintent/planner"
	"github.com/c360studio/semintent/reliability"
	"github.com/c360studio/semintent/tools"
)

// Defaults.
const (
	DefaultMaxReplans     = 2
	DefaultSessionBudget  = 5
	DefaultSessionWindow  = time.Hour
	DefaultMaxRemedyChars = 300
	relevantMemories      = 5
)

// Failure describes a failed step. Output is whatever the failed call
// returned, if anything.
type Failure struct {
	// Log is read, never written.
	Log       *audit.AuditLog
	StepIndex int
	Step      plan.Step
	Params    map[string]any
	Output    any
	Err       error
	Kind      reliability.Kind
	CallerID  string
}

// Decision is the re-planner's answer.
type Decision struct {
	Remedy string
	// Plan is the revised plan, nil when none could be produced.
	Plan      *plan.Plan
	Exhausted bool
	Reason    string
}

// DefinitionLister provides the tools a revised plan may use.
type DefinitionLister interface {
	Definitions() []tools.Definition
}

// ProfileSource summarizes a user's past runs. *audit.Profiler satisfies it.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (*audit.Profile, error)
}

// Replanner handles step failures.
type Replanner struct {
	planner    planner.Planner
	memory     memory.Store
	profiles   ProfileSource
	validator  *plan.Validator
	tools      DefinitionLister
	maxReplans int
	sessions   *SessionBudget
	maxRemedy  int
	sanitizer  *bluemonday.Policy
	group      singleflight.Group
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Replanner.
type Option func(*Replanner)

// WithMaxReplans sets the per-log ceiling.
func WithMaxReplans(n int) Option {
	return func(r *Replanner) {
		r.maxReplans = n
	}
}

// WithSessionBudget replaces the per-session budget.
func WithSessionBudget(b *SessionBudget) Option {
	return func(r *Replanner) {
		r.sessions = b
	}
}

// WithMemory sets the failure memory.
func WithMemory(m memory.Store) Option {
	return func(r *Replanner) {
		r.memory = m
	}
}

// WithProfiles offers the user's preferences to the planner.
func WithProfiles(p ProfileSource) Option {
	return func(r *Replanner) {
		r.profiles = p
	}
}

// WithTools sets the tool definitions offered to the planner.
func WithTools(t DefinitionLister) Option {
	return func(r *Replanner) {
		r.tools = t
	}
}

// WithMaxRemedyChars bounds remedy hints.
func WithMaxRemedyChars(n int) Option {
	return func(r *Replanner) {
		r.maxRemedy = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Replanner) {
		r.logger = l
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Replanner) {
		r.now = now
	}
}

// New creates a Replanner. The validator vets every revised plan.
func New(p planner.Planner, v *plan.Validator, opts ...Option) *Replanner {
	r := &Replanner{
		planner:    p,
		validator:  v,
		maxReplans: DefaultMaxReplans,
		maxRemedy:  DefaultMaxRemedyChars,
		sanitizer:  bluemonday.StrictPolicy(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sessions == nil {
		r.sessions = NewSessionBudget(DefaultSessionBudget, DefaultSessionWindow)
	}
	return r
}

// MaxReplans returns the per-log ceiling.
func (r *Replanner) MaxReplans() int {
	return r.maxReplans
}

// Sessions returns the session budget.
func (r *Replanner) Sessions() *SessionBudget {
	return r.sessions
}

// HandleFailure produces a remedy and, if budgets allow, a revised plan.
// It never fails: problems are reported through Decision.Reason.
func (r *Replanner) HandleFailure(ctx context.Context, f Failure) Decision {
	errText := ""
	if f.Err != nil {
		errText = f.Err.Error()
	}
	intent := ""
	if f.Log != nil {
		intent = f.Log.Intent
	}

	var d Decision
	d.Remedy = r.remedy(ctx, f.Step.ToolName, errText, f.Params)
	r.remember(ctx, f, intent, errText, d.Remedy)

	if f.Log == nil || f.Log.Plan == nil {
		d.Reason = "no plan to revise"
		return d
	}
	if f.Log.ReplannedCount >= r.maxReplans {
		d.Exhausted = true
		d.Reason = fmt.Sprintf("re-plan limit of %d reached", r.maxReplans)
		return d
	}
	if !r.sessions.Take(f.CallerID) {
		d.Exhausted = true
		d.Reason = "session re-plan budget spent"
		return d
	}

	var memories []memory.Record
	if r.memory != nil {
		m, err := r.memory.Relevant(ctx, intent+" "+errText, f.CallerID, relevantMemories)
		if err != nil {
			r.logger.Warn("Failed to load failure memory", "caller", f.CallerID, "error", err)
		}
		memories = m
	}

	var prefs *audit.Profile
	if r.profiles != nil && f.Log.UserID != "" {
		p, err := r.profiles.Profile(ctx, f.Log.UserID)
		if err != nil {
			r.logger.Warn("Failed to load preferences", "user_id", f.Log.UserID, "error", err)
		}
		prefs = p
	}

	var defs []tools.Definition
	if r.tools != nil {
		defs = r.tools.Definitions()
	}

	raw, err := r.planner.Replan(ctx, planner.ReplanRequest{
		Intent:          intent,
		UserID:          f.Log.UserID,
		Plan:            f.Log.Plan,
		FailedStepIndex: f.StepIndex,
		FailedStep:      f.Step,
		Executed:        executedBefore(f.Log, f.StepIndex),
		Params:          f.Params,
		FailedOutput:    f.Output,
		Error:           errText,
		ErrorKind:       string(f.Kind),
		Remedy:          d.Remedy,
		Memories:        memories,
		Preferences:     prefs,
		Tools:           defs,
		Now:             r.now(),
	})
	if err != nil {
		r.logger.Warn("Planner could not revise plan", "audit_log_id", f.Log.ID, "error", err)
		d.Reason = "planner failed: " + err.Error()
		return d
	}

	revised, err := r.splice(f.Log.Plan, f.StepIndex, raw)
	if err != nil {
		r.logger.Warn("Rejected revised plan", "audit_log_id", f.Log.ID, "error", err)
		d.Reason = err.Error()
		return d
	}

	d.Plan = revised
	return d
}

// executedBefore returns the executed records preceding idx, oldest first.
func executedBefore(l *audit.AuditLog, idx int) []audit.StepRecord {
	var out []audit.StepRecord
	for _, rec := range l.Steps {
		if rec.Status == audit.StepExecuted && rec.StepIndex < idx {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out
}

// splice keeps the executed prefix and appends the revised steps.
func (r *Replanner) splice(current *plan.Plan, keep int, raw []byte) (*plan.Plan, error) {
	steps, err := DecodeSteps(raw)
	if err != nil {
		return nil, fmt.Errorf("revised plan invalid: %w", err)
	}
	next, err := current.Supersede(keep, steps, r.now())
	if err != nil {
		return nil, fmt.Errorf("revised plan invalid: %w", err)
	}

	res := r.validator.ValidatePlan(next)
	errs := append([]string(nil), res.Errors...)
	errs = append(errs, r.validator.ValidateToolNames(next)...)
	if len(errs) > 0 {
		return nil, fmt.Errorf("revised plan invalid: %s", strings.Join(errs, "; "))
	}
	return next, nil
}

// DecodeSteps accepts a JSON array of steps or an object holding
// "ordered_steps". Unknown step fields are rejected.
func DecodeSteps(raw []byte) ([]plan.Step, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty revision")
	}

	stepsJSON := raw
	if raw[0] == '{' {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return nil, fmt.Errorf("decode revision: %w", err)
		}
		s, ok := wrapper["ordered_steps"]
		if !ok {
			return nil, errors.New("revision has no ordered_steps")
		}
		stepsJSON = s
	}

	dec := json.NewDecoder(bytes.NewReader(stepsJSON))
	dec.DisallowUnknownFields()
	var steps []plan.Step
	if err := dec.Decode(&steps); err != nil {
		return nil, fmt.Errorf("decode revised steps: %w", err)
	}
	if len(steps) == 0 {
		return nil, errors.New("revision has no steps")
	}
	return steps, nil
}

// remedy asks the planner for a hint, sharing one call among concurrent
// identical failures.
func (r *Replanner) remedy(ctx context.Context, tool, errText string, params map[string]any) string {
	key := tool + "\x00" + errText
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.planner.GenerateRemedy(ctx, tool, errText, params)
	})
	if err != nil {
		r.logger.Warn("Remedy generation failed", "tool", tool, "error", err)
		return ""
	}
	s, _ := v.(string)
	return r.sanitize(s)
}

func (r *Replanner) sanitize(s string) string {
	s = html.UnescapeString(r.sanitizer.Sanitize(s))
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= r.maxRemedy {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:r.maxRemedy])) + "..."
}

func (r *Replanner) remember(ctx context.Context, f Failure, intent, errText, remedy string) {
	if r.memory == nil {
		return
	}
	logID := ""
	if f.Log != nil {
		logID = f.Log.ID
	}
	err := r.memory.Save(ctx, memory.Record{
		LogID:     logID,
		StepIndex: f.StepIndex,
		CallerID:  f.CallerID,
		Intent:    intent,
		ToolName:  f.Step.ToolName,
		Error:     errText,
		ErrorKind: string(f.Kind),
		Params:    f.Params,
		Remedy:    remedy,
		CreatedAt: r.now(),
	})
	if err != nil {
		r.logger.Warn("Failed to save failure memory", "tool", f.Step.ToolName, "error", err)
	}
}

// SessionBudget caps re-plans per session within a rolling window.
type SessionBudget struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	used   map[string]*sessionUse
	now    func() time.Time
}

type sessionUse struct {
	count int
	start time.Time
}

// NewSessionBudget allows limit re-plans per session per window.
func NewSessionBudget(limit int, window time.Duration) *SessionBudget {
	return &SessionBudget{
		limit:  limit,
		window: window,
		used:   make(map[string]*sessionUse),
		now:    time.Now,
	}
}

// Take consumes one re-plan for session, reporting whether one was left.
func (b *SessionBudget) Take(session string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	u, ok := b.used[session]
	if !ok || (b.window > 0 && now.Sub(u.start) >= b.window) {
		u = &sessionUse{start: now}
		b.used[session] = u
	}
	if u.count >= b.limit {
		return false
	}
	u.count++
	return true
}

// Remaining reports how many re-plans session has left.
func (b *SessionBudget) Remaining(session string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.used[session]
	if !ok || (b.window > 0 && b.now().Sub(u.start) >= b.window) {
		return b.limit
	}
	return b.limit - u.count
}

// Sweep forgets sessions whose window has passed. It returns the number of
// sessions removed.
func (b *SessionBudget) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.window <= 0 {
		return 0
	}
	now := b.now()
	removed := 0
	for session, u := range b.used {
		if now.Sub(u.start) >= b.window {
			delete(b.used, session)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked sessions.
func (b *SessionBudget) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.used)
}

// Run sweeps every interval until ctx is done.
func (b *SessionBudget) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Sweep()
		}
	}
}
