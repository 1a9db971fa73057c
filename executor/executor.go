// Package executor runs one plan step at a time against the tool registry,
// behind the reliability wrapper, and records what happened in the audit log.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/c360studio/semintent/audit"
	"github.com/c360studio/semintent/plan"
	"github.com/c360studio/semintent/reliability"
	"github.com/c360studio/semintent/replan"
	"github.com/c360studio/semintent/tools"
)

// Status is the outcome of an ExecuteStep call.
type Status string

const (
	StatusExecuted             Status = "executed"
	StatusConfirmationRequired Status = "confirmation_required"
	StatusSequenceViolation    Status = "sequence_violation"
	StatusFailed               Status = "failed"
	StatusReplanExhausted      Status = "replan_exhausted"
	StatusNotFound             Status = "not_found"
	StatusFinalized            Status = "finalized"
	StatusInvalidRequest       Status = "invalid_request"
	StatusInternalError        Status = "internal_error"
)

// Request asks for one step to run.
type Request struct {
	StepIndex int            `json:"step_index"`
	Confirmed bool           `json:"confirmed"`
	Overrides map[string]any `json:"overrides,omitempty"`
	// CallerID keys rate limits and session budgets; defaults to the log's user.
	CallerID string `json:"caller_id,omitempty"`
}

// Outcome reports what ExecuteStep did.
type Outcome struct {
	Status        Status              `json:"status"`
	StepIndex     int                 `json:"step_index"`
	Record        *audit.StepRecord   `json:"record,omitempty"`
	Kind          reliability.Kind    `json:"error_kind,omitempty"`
	Message       string              `json:"message,omitempty"`
	RetryAfterSec int                 `json:"retry_after_seconds,omitempty"`
	Replans       int                 `json:"replans,omitempty"`
	Remedies      []string            `json:"remedies,omitempty"`
	Completed     bool                `json:"completed"`
	NextStepIndex int                 `json:"next_step_index"`
	Final         *audit.FinalOutcome `json:"final_outcome,omitempty"`
}

// Invoker runs a named tool. *tools.Registry satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, name string, params map[string]any) (*tools.Result, error)
}

// Replanner handles step failures. *replan.Replanner satisfies it.
type Replanner interface {
	HandleFailure(ctx context.Context, f replan.Failure) replan.Decision
}

// Observer receives step-level events, typically for metrics.
type Observer interface {
	ObserveStep(tool string, status Status, d time.Duration)
	ObserveReplan(result string)
}

// Executor runs plan steps.
type Executor struct {
	tools      Invoker
	wrapper    *reliability.Wrapper
	replanner  Replanner
	policy     reliability.Policy
	toolPolicy map[string]reliability.Policy
	maxReplans int
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithReplanner enables failure-driven re-planning.
func WithReplanner(r Replanner) Option {
	return func(e *Executor) {
		e.replanner = r
	}
}

// WithPolicy sets the default tool policy.
func WithPolicy(p reliability.Policy) Option {
	return func(e *Executor) {
		e.policy = p
	}
}

// WithToolPolicy overrides the policy for one tool.
func WithToolPolicy(tool string, p reliability.Policy) Option {
	return func(e *Executor) {
		e.toolPolicy[tool] = p
	}
}

// WithMaxReplans bounds re-plans within a single request. It should match
// the re-planner's per-log ceiling.
func WithMaxReplans(n int) Option {
	return func(e *Executor) {
		e.maxReplans = n
	}
}

// WithObserver sets the step observer.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		e.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithClock sets the time source for records.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// New creates an Executor.
func New(invoker Invoker, wrapper *reliability.Wrapper, opts ...Option) *Executor {
	e := &Executor{
		tools:      invoker,
		wrapper:    wrapper,
		policy:     reliability.DefaultPolicy(),
		toolPolicy: make(map[string]reliability.Policy),
		maxReplans: replan.DefaultMaxReplans,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteStep runs step req.StepIndex of log, mutating log in place. The
// caller must hold the log exclusively and persist it afterwards.
func (e *Executor) ExecuteStep(ctx context.Context, log *audit.AuditLog, req Request) (result Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Step execution panicked", "step_index", req.StepIndex, "panic", r)
			result = Outcome{
				Status:    StatusInternalError,
				StepIndex: req.StepIndex,
				Message:   "internal error during step execution",
			}
		}
	}()

	if log == nil {
		return Outcome{Status: StatusNotFound, StepIndex: req.StepIndex, Message: "audit log not found"}
	}
	if log.Finalized() {
		return e.finish(log, Outcome{Status: StatusFinalized, StepIndex: req.StepIndex, Message: "audit log is finalized"})
	}
	if log.Plan == nil {
		return e.finish(log, Outcome{Status: StatusInvalidRequest, StepIndex: req.StepIndex, Message: "audit log has no validated plan"})
	}
	if req.StepIndex < 0 || req.StepIndex >= log.Plan.Len() {
		return e.finish(log, Outcome{
			Status:    StatusInvalidRequest,
			StepIndex: req.StepIndex,
			Message:   fmt.Sprintf("step index %d out of range [0,%d)", req.StepIndex, log.Plan.Len()),
		})
	}
	if next := log.NextStepIndex(); req.StepIndex != next {
		msg := fmt.Sprintf("step %d cannot run; next step is %d", req.StepIndex, next)
		if rec, ok := log.Step(req.StepIndex); ok && rec.Status == audit.StepExecuted {
			msg = fmt.Sprintf("step %d was already executed", req.StepIndex)
		}
		return e.finish(log, Outcome{Status: StatusSequenceViolation, StepIndex: req.StepIndex, Message: msg})
	}

	caller := req.CallerID
	if caller == "" {
		caller = log.UserID
	}

	// A confirmation covers the step the user saw, not a revised replacement.
	confirmed := req.Confirmed
	replans := 0
	for {
		step, _ := log.Plan.StepAt(req.StepIndex)
		params := MergeOverrides(Resolve(step.Parameters, NewScope(log, req.StepIndex)), req.Overrides)

		if step.RequiresConfirmation && !confirmed {
			rec := audit.StepRecord{
				StepIndex: req.StepIndex,
				StepID:    step.StepID,
				ToolName:  step.ToolName,
				Status:    audit.StepPendingConfirmation,
				Input:     params,
				Timestamp: e.now(),
			}
			log.RecordStep(rec)
			return e.finish(log, Outcome{
				Status:    StatusConfirmationRequired,
				StepIndex: req.StepIndex,
				Record:    &rec,
				Message:   fmt.Sprintf("step %d (%s) requires confirmation", req.StepIndex, step.ToolName),
				Replans:   replans,
			})
		}

		rec, err := e.invoke(ctx, log, req.StepIndex, step, params, caller, confirmed)
		if err == nil {
			out := Outcome{Status: StatusExecuted, StepIndex: req.StepIndex, Record: &rec, Replans: replans}
			if req.StepIndex == log.Plan.Len()-1 {
				log.Finalize(audit.OutcomeSuccess, "", "all steps executed", e.now())
				out.Completed = true
			}
			return e.finish(log, out)
		}

		kind := reliability.KindOf(err)
		out := Outcome{
			Status:    StatusFailed,
			StepIndex: req.StepIndex,
			Record:    &rec,
			Kind:      kind,
			Message:   err.Error(),
			Replans:   replans,
		}
		if f, ok := reliability.AsFailure(err); ok && f.RetryAfter > 0 {
			out.RetryAfterSec = int(math.Ceil(f.RetryAfter.Seconds()))
		}

		// The caller outran its own quota: the step may simply be retried later.
		if kind == reliability.KindRateLimited || ctx.Err() != nil {
			return e.finish(log, out)
		}

		if e.replanner == nil {
			log.Finalize(audit.OutcomeFailure, string(kind), err.Error(), e.now())
			return e.finish(log, out)
		}

		decision := e.replanner.HandleFailure(ctx, replan.Failure{
			Log:       log,
			StepIndex: req.StepIndex,
			Step:      step,
			Params:    params,
			Output:    rec.Output,
			Err:       err,
			Kind:      kind,
			CallerID:  caller,
		})
		log.AddRemedyHint(decision.Remedy)

		if decision.Plan == nil || replans >= e.maxReplans {
			if decision.Exhausted {
				out.Status = StatusReplanExhausted
				e.observeReplan("exhausted")
			} else {
				e.observeReplan("rejected")
			}
			msg := err.Error()
			if decision.Reason != "" {
				msg = msg + " (" + decision.Reason + ")"
			}
			log.Finalize(audit.OutcomeFailure, string(kind), msg, e.now())
			return e.finish(log, out)
		}

		e.logger.Info("Plan revised after step failure",
			"audit_log_id", log.ID,
			"step_index", req.StepIndex,
			"tool", step.ToolName,
			"replanned_count", log.ReplannedCount+1)
		e.observeReplan("revised")

		log.Plan = decision.Plan
		log.ReplannedCount++
		replans++
		confirmed = false
	}
}

// invoke runs the tool through the reliability wrapper and records the result.
func (e *Executor) invoke(ctx context.Context, log *audit.AuditLog, idx int, step plan.Step, params map[string]any, caller string, confirmed bool) (audit.StepRecord, error) {
	call := reliability.Call{
		Resource: "tool:" + step.ToolName,
		Caller:   e.rateKey(caller, step.ToolName),
		Policy:   e.policyFor(step.ToolName),
	}
	res, report, err := reliability.Do(ctx, e.wrapper, call, func(ctx context.Context) (*tools.Result, error) {
		return e.tools.Invoke(ctx, step.ToolName, params)
	})

	rec := audit.StepRecord{
		StepIndex: idx,
		StepID:    step.StepID,
		ToolName:  step.ToolName,
		Input:     params,
		Attempts:  len(report.Attempts),
		Timestamp: e.now(),
		LatencyMs: report.Elapsed.Milliseconds(),
	}
	if step.RequiresConfirmation {
		rec.ConfirmedByUser = &confirmed
	}
	if len(report.Attempts) > 0 {
		log.RecordLatency(step.ToolName, rec.LatencyMs)
	}

	if err != nil {
		rec.Status = audit.StepFailed
		rec.Error = err.Error()
		rec.ErrorKind = string(reliability.KindOf(err))
		if res != nil {
			rec.Output = normalize(res.Data)
		}
		log.RecordStep(rec)
		e.observeStep(step.ToolName, StatusFailed, report.Elapsed)
		e.logger.Warn("Step failed",
			"audit_log_id", log.ID,
			"step_index", idx,
			"tool", step.ToolName,
			"attempts", rec.Attempts,
			"error_kind", rec.ErrorKind,
			"error", err)
		return rec, err
	}

	rec.Status = audit.StepExecuted
	if res != nil {
		rec.Output = normalize(res.Data)
	}
	log.RecordStep(rec)
	e.observeStep(step.ToolName, StatusExecuted, report.Elapsed)
	e.logger.Debug("Step executed",
		"audit_log_id", log.ID,
		"step_index", idx,
		"tool", step.ToolName,
		"latency_ms", rec.LatencyMs)
	return rec, nil
}

func (e *Executor) policyFor(tool string) reliability.Policy {
	if p, ok := e.toolPolicy[tool]; ok {
		return p
	}
	return e.policy
}

// rateKey is the limiter key of a call. Tools on the shared policy share one
// window per user; a tool with its own policy counts in a window of its own.
func (e *Executor) rateKey(caller, tool string) string {
	if _, ok := e.toolPolicy[tool]; ok {
		return "user:" + caller + "/tool:" + tool
	}
	return "user:" + caller
}

func (e *Executor) finish(log *audit.AuditLog, out Outcome) Outcome {
	out.NextStepIndex = log.NextStepIndex()
	out.Final = log.FinalOutcome
	if log.FinalOutcome != nil && len(log.FinalOutcome.Remedies) > 0 {
		out.Remedies = log.FinalOutcome.Remedies
	} else if len(log.RemedyHints) > 0 {
		out.Remedies = log.RemedyHints
	}
	return out
}

func (e *Executor) observeStep(tool string, status Status, d time.Duration) {
	if e.observer != nil {
		e.observer.ObserveStep(tool, status, d)
	}
}

func (e *Executor) observeReplan(result string) {
	if e.observer != nil {
		e.observer.ObserveReplan(result)
	}
}
