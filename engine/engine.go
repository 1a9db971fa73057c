// Package engine is the request layer: it turns intents into validated,
// persisted plans and runs their steps one at a time, serializing work per
// audit log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/semintent/audit"
	"github.com/c360studio/semintent/executor"
	"github.com/c360studio/semintent/memory"
	"github.com/c360studio/semintent/plan"
	"github.com/c360studio/semintent/planner"
	"github.com/c360studio/semintent/reliability"
	"github.com/c360studio/semintent/tools"
)

// Engine errors.
var (
	// ErrEmptyIntent is returned when Submit is given no intent text.
	ErrEmptyIntent = errors.New("intent is required")

	// ErrEmptyNote is returned when Annotate is given no note.
	ErrEmptyNote = errors.New("note is required")

	// ErrProfilesDisabled is returned by Profile when no ProfileSource is set.
	ErrProfilesDisabled = errors.New("user profiles are disabled")
)

// MaxIntentLength bounds the intent text accepted by Submit.
const MaxIntentLength = 2000

// relevantMemories is how many past failures are offered to the planner.
const relevantMemories = 5

// SubmitStatus is the result of a submission.
type SubmitStatus string

const (
	SubmitAccepted         SubmitStatus = "accepted"
	SubmitValidationFailed SubmitStatus = "validation_failed"
	SubmitPlannerFailed    SubmitStatus = "planner_failed"
)

// SubmitResult reports what Submit did with an intent.
type SubmitResult struct {
	Status   SubmitStatus    `json:"status"`
	AuditLog *audit.AuditLog `json:"audit_log"`
	Plan     *plan.Plan      `json:"plan,omitempty"`
	Errors   []string        `json:"errors,omitempty"`
}

// PlanObserver is told about every validated submission.
type PlanObserver interface {
	ObservePlan(valid bool)
}

// Exporter is told about every log that reaches a final outcome.
type Exporter interface {
	ExportAuditLog(ctx context.Context, log *audit.AuditLog) error
}

// ProfileSource summarizes a user's past runs. *audit.Profiler satisfies it.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (*audit.Profile, error)
}

// StepRunner executes one step on a locked log. *executor.Executor satisfies it.
type StepRunner interface {
	ExecuteStep(ctx context.Context, log *audit.AuditLog, req executor.Request) executor.Outcome
}

// Engine coordinates planner, validator, executor and audit store.
type Engine struct {
	store     audit.Store
	planner   planner.Planner
	validator *plan.Validator
	runner    StepRunner
	tools     *tools.Registry
	memory    memory.Store
	breakers  *reliability.BreakerSet
	observer  PlanObserver
	exporter  Exporter
	profiles  ProfileSource
	locks     *lockset
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithTools sets the registry whose definitions are offered to the planner.
func WithTools(r *tools.Registry) Option {
	return func(e *Engine) {
		e.tools = r
	}
}

// WithMemory sets the failure memory consulted before planning.
func WithMemory(m memory.Store) Option {
	return func(e *Engine) {
		e.memory = m
	}
}

// WithBreakers exposes breaker state through Breakers.
func WithBreakers(b *reliability.BreakerSet) Option {
	return func(e *Engine) {
		e.breakers = b
	}
}

// WithPlanObserver sets the plan observer.
func WithPlanObserver(o PlanObserver) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithExporter publishes logs once they are finalized.
func WithExporter(x Exporter) Option {
	return func(e *Engine) {
		e.exporter = x
	}
}

// WithProfiles sets where user preferences come from.
func WithProfiles(p ProfileSource) Option {
	return func(e *Engine) {
		e.profiles = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine.
func New(store audit.Store, p planner.Planner, v *plan.Validator, runner StepRunner, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		planner:   p,
		validator: v,
		runner:    runner,
		locks:     newLockset(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit creates an audit log for intent, asks the planner for a plan,
// validates it and persists the result. A rejected plan is not an error:
// it is reported as SubmitValidationFailed with the validator's messages and
// the log is finalized as a failure.
func (e *Engine) Submit(ctx context.Context, intent, userID string) (*SubmitResult, error) {
	intent = strings.TrimSpace(intent)
	if intent == "" {
		return nil, ErrEmptyIntent
	}
	if len(intent) > MaxIntentLength {
		return nil, fmt.Errorf("intent exceeds %d bytes", MaxIntentLength)
	}

	log, err := e.store.Create(ctx, intent, userID)
	if err != nil {
		return nil, fmt.Errorf("create audit log: %w", err)
	}
	unlock := e.locks.Lock(log.ID)
	defer unlock()

	pc := planner.PlanContext{
		UserID:      userID,
		Memories:    e.relevant(ctx, intent, userID),
		Preferences: e.profile(ctx, userID),
		Now:         e.now(),
	}
	if e.tools != nil {
		pc.Tools = e.tools.Definitions()
	}

	result := &SubmitResult{AuditLog: log}
	raw, err := e.planner.GeneratePlan(ctx, intent, pc)
	if err != nil {
		e.logger.Warn("Planner failed",
			"audit_log_id", log.ID,
			"user_id", userID,
			"error", err)
		result.Status = SubmitPlannerFailed
		result.Errors = []string{err.Error()}
		log.ValidationError = "planner: " + err.Error()
		log.Finalize(audit.OutcomeFailure, string(SubmitPlannerFailed), err.Error(), e.now())
	} else {
		res := e.validator.Validate(raw)
		if res.Valid {
			res.Errors = e.validator.ValidateToolNames(res.Plan)
			res.Valid = len(res.Errors) == 0
		}
		if e.observer != nil {
			e.observer.ObservePlan(res.Valid)
		}

		if res.Valid {
			result.Status = SubmitAccepted
			result.Plan = res.Plan
			log.Plan = res.Plan
			e.logger.Info("Plan accepted",
				"audit_log_id", log.ID,
				"plan_id", res.Plan.PlanID,
				"steps", res.Plan.Len())
		} else {
			result.Status = SubmitValidationFailed
			result.Errors = res.Errors
			log.ValidationError = strings.Join(res.Errors, "; ")
			log.Finalize(audit.OutcomeFailure, string(SubmitValidationFailed), "plan failed validation", e.now())
			e.logger.Warn("Plan rejected",
				"audit_log_id", log.ID,
				"errors", len(res.Errors),
				"first_error", res.Errors[0])
		}
	}

	if err := e.store.Update(context.WithoutCancel(ctx), log); err != nil {
		return nil, fmt.Errorf("persist audit log: %w", err)
	}
	e.export(ctx, log)
	return result, nil
}

// ExecuteStep runs one step of a log. Calls for the same log are serialized;
// the loser of a race sees the winner's result and fails the sequential
// guard. A failed audit write is logged as critical and does not change the
// outcome.
func (e *Engine) ExecuteStep(ctx context.Context, logID string, req executor.Request) executor.Outcome {
	unlock := e.locks.Lock(logID)
	defer unlock()

	log, err := e.store.Get(ctx, logID)
	if errors.Is(err, audit.ErrNotFound) {
		return executor.Outcome{
			Status:    executor.StatusNotFound,
			StepIndex: req.StepIndex,
			Message:   fmt.Sprintf("audit log %s not found", logID),
		}
	}
	if err != nil {
		e.logger.Error("Audit log read failed", "audit_log_id", logID, "error", err)
		return executor.Outcome{
			Status:    executor.StatusInternalError,
			StepIndex: req.StepIndex,
			Message:   "audit log could not be read",
		}
	}

	wasFinal := log.Finalized()
	out := e.runner.ExecuteStep(ctx, log, req)
	if !mutates(out.Status) {
		return out
	}
	if err := e.store.Update(context.WithoutCancel(ctx), log); err != nil {
		e.logger.Error("Audit log write failed",
			"severity", "critical",
			"audit_log_id", logID,
			"step_index", req.StepIndex,
			"status", out.Status,
			"error", err)
		return out
	}
	if !wasFinal {
		e.export(ctx, log)
	}
	return out
}

// mutates reports whether the executor may have changed the log.
func mutates(s executor.Status) bool {
	switch s {
	case executor.StatusNotFound, executor.StatusSequenceViolation,
		executor.StatusInvalidRequest, executor.StatusFinalized:
		return false
	}
	return true
}

// Annotate adds a diagnostic note. Finalized logs accept notes too.
func (e *Engine) Annotate(ctx context.Context, logID, note string) (*audit.AuditLog, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, ErrEmptyNote
	}
	unlock := e.locks.Lock(logID)
	defer unlock()

	log, err := e.store.Get(ctx, logID)
	if err != nil {
		return nil, err
	}
	log.Annotate(note, e.now())
	if err := e.store.Update(ctx, log); err != nil {
		return nil, fmt.Errorf("persist annotation: %w", err)
	}
	return log, nil
}

// Get loads a log.
func (e *Engine) Get(ctx context.Context, logID string) (*audit.AuditLog, error) {
	return e.store.Get(ctx, logID)
}

// ListByUser returns a user's newest logs.
func (e *Engine) ListByUser(ctx context.Context, userID string, limit int) ([]*audit.AuditLog, error) {
	return e.store.ListByUser(ctx, userID, limit)
}

// Tools reports the registered tools with availability and health.
func (e *Engine) Tools() []tools.Status {
	if e.tools == nil {
		return nil
	}
	return e.tools.Health()
}

// Breakers reports every tracked circuit breaker.
func (e *Engine) Breakers() []reliability.BreakerSnapshot {
	if e.breakers == nil {
		return nil
	}
	return e.breakers.Snapshots()
}

// export hands a finalized log to the exporter. Failures are logged only.
func (e *Engine) export(ctx context.Context, log *audit.AuditLog) {
	if e.exporter == nil || !log.Finalized() {
		return
	}
	if err := e.exporter.ExportAuditLog(context.WithoutCancel(ctx), log); err != nil {
		e.logger.Warn("Audit log export failed", "audit_log_id", log.ID, "error", err)
	}
}

// Profile returns what the user's finalized runs say about their choices.
func (e *Engine) Profile(ctx context.Context, userID string) (*audit.Profile, error) {
	if e.profiles == nil {
		return nil, ErrProfilesDisabled
	}
	return e.profiles.Profile(ctx, userID)
}

func (e *Engine) profile(ctx context.Context, userID string) *audit.Profile {
	if e.profiles == nil || userID == "" {
		return nil
	}
	p, err := e.profiles.Profile(ctx, userID)
	if err != nil {
		e.logger.Warn("Preference lookup failed", "user_id", userID, "error", err)
		return nil
	}
	return p
}

func (e *Engine) relevant(ctx context.Context, intent, userID string) []memory.Record {
	if e.memory == nil {
		return nil
	}
	recs, err := e.memory.Relevant(ctx, intent, userID, relevantMemories)
	if err != nil {
		e.logger.Warn("Failure memory lookup failed", "user_id", userID, "error", err)
		return nil
	}
	return recs
}
