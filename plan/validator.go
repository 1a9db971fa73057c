package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Schema limits.
const (
	MaxSummaryLength         = 200
	MaxSteps                 = 10
	MaxStepIDLength          = 64
	MaxDescriptionLength     = 500
	MaxExpectedOutcomeLength = 500
	MaxFallbackActions       = 5
)

// DefaultIrreversibleTools lists tools whose side effects cannot be undone.
var DefaultIrreversibleTools = []string{
	"add_calendar_event",
	"book_ride",
	"send_notification",
	"make_reservation",
	"send_email",
}

// ToolLookup reports whether a tool name is known to the registry.
type ToolLookup interface {
	Has(name string) bool
}

type toolSet map[string]struct{}

func (s toolSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

func newToolSet(names []string) toolSet {
	s := make(toolSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Result is the verdict of a validation. Errors is empty when Valid is true.
type Result struct {
	Valid  bool     `json:"valid"`
	Plan   *Plan    `json:"plan,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// Validator checks candidate plans. It holds configuration only and is safe
// for concurrent use.
type Validator struct {
	tools              ToolLookup
	irreversible       toolSet
	maxAge             time.Duration
	maxSkew            time.Duration
	minStructuralRatio float64
	now                func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithKnownTools sets a fixed tool allow-list.
func WithKnownTools(names ...string) Option {
	return func(v *Validator) {
		v.tools = newToolSet(names)
	}
}

// WithToolLookup sets a live tool allow-list, typically the tool registry.
func WithToolLookup(l ToolLookup) Option {
	return func(v *Validator) {
		v.tools = l
	}
}

// WithIrreversibleTools replaces the set of tools that must require confirmation.
func WithIrreversibleTools(names ...string) Option {
	return func(v *Validator) {
		v.irreversible = newToolSet(names)
	}
}

// WithFreshness sets how old and how far in the future created_at may be.
func WithFreshness(maxAge, maxSkew time.Duration) Option {
	return func(v *Validator) {
		v.maxAge = maxAge
		v.maxSkew = maxSkew
	}
}

// WithMinStructuralRatio sets the contamination threshold. Zero disables the check.
func WithMinStructuralRatio(r float64) Option {
	return func(v *Validator) {
		v.minStructuralRatio = r
	}
}

// WithClock sets the time source used for the freshness window.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator creates a validator with default limits.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		tools:              toolSet{},
		irreversible:       newToolSet(DefaultIrreversibleTools),
		maxAge:             5 * time.Minute,
		maxSkew:            5 * time.Second,
		minStructuralRatio: 0.02,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// IsIrreversible reports whether a tool is in the irreversible set.
func (v *Validator) IsIrreversible(tool string) bool {
	return v.irreversible.Has(tool)
}

// Validate decodes and checks a raw plan document. It never panics; an
// unexpected internal fault is reported as an invalid result.
func (v *Validator) Validate(raw []byte) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Errors: []string{fmt.Sprintf("internal validation error: %v", r)}}
		}
	}()

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Result{Errors: []string{"plan is empty"}}
	}

	var errs []string
	if ratio := structuralRatio(trimmed); v.minStructuralRatio > 0 && ratio < v.minStructuralRatio {
		errs = append(errs, fmt.Sprintf("plan looks contaminated with prose (structural ratio %.3f below %.3f)", ratio, v.minStructuralRatio))
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		errs = append(errs, fmt.Sprintf("plan must be a JSON object: %v", err))
		return Result{Errors: errs}
	}

	unknown := make([]string, 0)
	for key := range doc {
		if _, ok := topLevelFields[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		for _, key := range unknown {
			errs = append(errs, fmt.Sprintf("unknown field %q", key))
		}
		return Result{Errors: errs}
	}

	p, err := decodeStrict(trimmed)
	if err != nil {
		errs = append(errs, fmt.Sprintf("schema: %v", err))
		return Result{Errors: errs}
	}

	errs = append(errs, v.check(p)...)
	if len(errs) > 0 {
		return Result{Plan: p, Errors: errs}
	}
	return Result{Valid: true, Plan: p}
}

// ValidatePlan runs the schema and semantic checks on an already typed plan.
func (v *Validator) ValidatePlan(p *Plan) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Errors: []string{fmt.Sprintf("internal validation error: %v", r)}}
		}
	}()
	if p == nil {
		return Result{Errors: []string{"plan is empty"}}
	}
	if errs := v.check(p); len(errs) > 0 {
		return Result{Plan: p, Errors: errs}
	}
	return Result{Valid: true, Plan: p}
}

// ValidateToolNames lists every step that references a tool outside the allow-list.
func (v *Validator) ValidateToolNames(p *Plan) (errs []string) {
	defer func() {
		if r := recover(); r != nil {
			errs = []string{fmt.Sprintf("internal validation error: %v", r)}
		}
	}()
	if p == nil {
		return nil
	}
	for i, s := range p.OrderedSteps {
		if !v.tools.Has(s.ToolName) {
			errs = append(errs, fmt.Sprintf("step %d: unknown tool %q", i+1, s.ToolName))
		}
	}
	return errs
}

func decodeStrict(raw []byte) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("trailing data after plan object")
	}
	return &p, nil
}

func (v *Validator) check(p *Plan) []string {
	errs := checkSchema(p)
	errs = append(errs, v.checkSemantics(p)...)
	return errs
}

func checkSchema(p *Plan) []string {
	var errs []string

	if p.PlanID == "" {
		errs = append(errs, "plan_id is required")
	} else if _, err := uuid.Parse(p.PlanID); err != nil {
		errs = append(errs, fmt.Sprintf("plan_id %q is not a UUID", p.PlanID))
	}

	if p.IntentType == "" {
		errs = append(errs, "intent_type is required")
	} else if !p.IntentType.IsValid() {
		errs = append(errs, fmt.Sprintf("intent_type %q is not supported", p.IntentType))
	}

	if n := utf8.RuneCountInString(strings.TrimSpace(p.IntentSummary)); n == 0 {
		errs = append(errs, "intent_summary is required")
	} else if utf8.RuneCountInString(p.IntentSummary) > MaxSummaryLength {
		errs = append(errs, fmt.Sprintf("intent_summary exceeds %d characters", MaxSummaryLength))
	}

	if p.Constraints != nil && p.Constraints.Budget != nil && p.Constraints.Budget.Amount < 0 {
		errs = append(errs, "constraints.budget.amount must not be negative")
	}

	switch n := len(p.OrderedSteps); {
	case n == 0:
		errs = append(errs, "ordered_steps must contain at least one step")
	case n > MaxSteps:
		errs = append(errs, fmt.Sprintf("ordered_steps has %d steps, maximum is %d", n, MaxSteps))
	}

	for i, s := range p.OrderedSteps {
		errs = append(errs, checkStep(i+1, s)...)
	}

	if len(p.FallbackActions) > MaxFallbackActions {
		errs = append(errs, fmt.Sprintf("fallback_actions has %d entries, maximum is %d", len(p.FallbackActions), MaxFallbackActions))
	}
	for i, fa := range p.FallbackActions {
		if strings.TrimSpace(fa.Condition) == "" || strings.TrimSpace(fa.Action) == "" {
			errs = append(errs, fmt.Sprintf("fallback_actions[%d]: condition and action are required", i))
		}
	}

	if p.CreatedAt.IsZero() {
		errs = append(errs, "created_at is required")
	}
	if p.ExpiresAt != nil && !p.CreatedAt.IsZero() && !p.ExpiresAt.After(p.CreatedAt) {
		errs = append(errs, "expires_at must be after created_at")
	}

	return errs
}

func checkStep(pos int, s Step) []string {
	var errs []string
	prefix := fmt.Sprintf("step %d", pos)

	switch {
	case strings.TrimSpace(s.StepID) == "":
		errs = append(errs, prefix+": step_id is required")
	case len(s.StepID) > MaxStepIDLength:
		errs = append(errs, fmt.Sprintf("%s: step_id exceeds %d characters", prefix, MaxStepIDLength))
	}
	if s.StepNumber < 1 {
		errs = append(errs, prefix+": step_number must be at least 1")
	}
	if strings.TrimSpace(s.ToolName) == "" {
		errs = append(errs, prefix+": tool_name is required")
	}
	if s.Parameters == nil {
		errs = append(errs, prefix+": parameters is required")
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(s.Description)); n == 0 {
		errs = append(errs, prefix+": description is required")
	} else if utf8.RuneCountInString(s.Description) > MaxDescriptionLength {
		errs = append(errs, fmt.Sprintf("%s: description exceeds %d characters", prefix, MaxDescriptionLength))
	}
	if utf8.RuneCountInString(s.ExpectedOutcome) > MaxExpectedOutcomeLength {
		errs = append(errs, fmt.Sprintf("%s: expected_outcome exceeds %d characters", prefix, MaxExpectedOutcomeLength))
	}
	return errs
}

func (v *Validator) checkSemantics(p *Plan) []string {
	var errs []string

	seen := make(map[string]int, len(p.OrderedSteps))
	for i, s := range p.OrderedSteps {
		pos := i + 1
		if s.StepNumber != pos {
			errs = append(errs, fmt.Sprintf("step %d: step_number %d does not match position", pos, s.StepNumber))
		}
		if s.StepID != "" {
			if first, dup := seen[s.StepID]; dup {
				errs = append(errs, fmt.Sprintf("step %d: duplicate step_id %q (first used by step %d)", pos, s.StepID, first))
			} else {
				seen[s.StepID] = pos
			}
		}
		if v.irreversible.Has(s.ToolName) && !s.RequiresConfirmation {
			errs = append(errs, fmt.Sprintf("step %d: tool %q is irreversible and must require confirmation", pos, s.ToolName))
		}
	}

	if !p.CreatedAt.IsZero() && v.maxAge > 0 {
		now := v.now()
		if age := now.Sub(p.CreatedAt); age > v.maxAge {
			errs = append(errs, fmt.Sprintf("plan is stale: created %s ago, maximum age is %s", age.Truncate(time.Second), v.maxAge))
		} else if -age > v.maxSkew {
			errs = append(errs, fmt.Sprintf("created_at is %s in the future", (-age).Truncate(time.Millisecond)))
		}
	}

	return errs
}

// structuralRatio is the share of JSON punctuation among non-space characters.
// Clean plans sit well above a few percent; prose wrapped around or instead of
// JSON pushes it toward zero.
func structuralRatio(raw []byte) float64 {
	var structural, total int
	for _, r := range string(raw) {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		switch r {
		case '{', '}', '[', ']', ':', ',', '"':
			structural++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(structural) / float64(total)
}
