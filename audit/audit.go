// Package audit holds the append-mostly record of one intent's lifecycle:
// the validated plan, one record per executed step, latencies, re-plan
// count and the final outcome. Stores persist logs with optimistic
// versioning so concurrent writers cannot silently overwrite each other.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/c360studio/semintent/plan"
)

// Store errors.
var (
	// ErrNotFound is returned when an audit log does not exist.
	ErrNotFound = errors.New("audit log not found")

	// ErrVersionConflict is returned when a log changed since it was read.
	ErrVersionConflict = errors.New("audit log version conflict")
)

// MaxLatencySamples bounds the latency samples kept per tool.
const MaxLatencySamples = 100

// DefaultListLimit is used when ListByUser is called with a non-positive limit.
const DefaultListLimit = 50

// Store persists audit logs.
type Store interface {
	// Create starts a new log for intent.
	Create(ctx context.Context, intent, userID string) (*AuditLog, error)

	// Get loads a log by id.
	Get(ctx context.Context, id string) (*AuditLog, error)

	// Update writes log if its Version matches the stored version, then
	// advances log.Version. Otherwise it returns ErrVersionConflict.
	Update(ctx context.Context, log *AuditLog) error

	// ListByUser returns the newest logs of a user first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*AuditLog, error)
}

// StepStatus is the state of one step record.
type StepStatus string

const (
	StepExecuted            StepStatus = "executed"
	StepFailed              StepStatus = "failed"
	StepPendingConfirmation StepStatus = "pending_confirmation"
	StepSkipped             StepStatus = "skipped"
)

// OutcomeStatus is the terminal status of a log.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
)

// StepRecord is the outcome of one execution attempt of one step.
type StepRecord struct {
	StepIndex       int            `json:"step_index"`
	StepID          string         `json:"step_id"`
	ToolName        string         `json:"tool_name"`
	Status          StepStatus     `json:"status"`
	Input           map[string]any `json:"input,omitempty"`
	Output          any            `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	ErrorKind       string         `json:"error_kind,omitempty"`
	Attempts        int            `json:"attempts"`
	Timestamp       time.Time      `json:"timestamp"`
	LatencyMs       int64          `json:"latency_ms"`
	ConfirmedByUser *bool          `json:"confirmed_by_user,omitempty"`
}

// FinalOutcome is set exactly once, when a log finishes.
type FinalOutcome struct {
	Status   OutcomeStatus `json:"status"`
	Kind     string        `json:"kind,omitempty"`
	Message  string        `json:"message,omitempty"`
	Remedies []string      `json:"remedies,omitempty"`
	At       time.Time     `json:"at"`
}

// LatencyStats tracks how long a tool took across a log.
type LatencyStats struct {
	SamplesMs []int64 `json:"samples_ms"`
	TotalMs   int64   `json:"total_ms"`
	Count     int     `json:"count"`
}

// Annotation is a diagnostic note. Annotations may be added after finalization.
type Annotation struct {
	Note string    `json:"note"`
	At   time.Time `json:"at"`
}

// AuditLog is the persisted record of one intent.
type AuditLog struct {
	ID              string                   `json:"id"`
	UserID          string                   `json:"user_id"`
	Intent          string                   `json:"intent"`
	Plan            *plan.Plan               `json:"plan,omitempty"`
	Steps           []StepRecord             `json:"steps"`
	FinalOutcome    *FinalOutcome            `json:"final_outcome,omitempty"`
	ReplannedCount  int                      `json:"replanned_count"`
	ToolLatencies   map[string]*LatencyStats `json:"tool_latencies,omitempty"`
	ValidationError string                   `json:"validation_error,omitempty"`
	RemedyHints     []string                 `json:"remedy_hints,omitempty"`
	Annotations     []Annotation             `json:"annotations,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
	Version         uint64                   `json:"version"`
}

// newLog builds an empty log; stores assign the version.
func newLog(id, intent, userID string, now time.Time) *AuditLog {
	return &AuditLog{
		ID:        id,
		UserID:    userID,
		Intent:    intent,
		Steps:     []StepRecord{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Step returns the record for idx.
func (l *AuditLog) Step(idx int) (StepRecord, bool) {
	i := sort.Search(len(l.Steps), func(i int) bool { return l.Steps[i].StepIndex >= idx })
	if i < len(l.Steps) && l.Steps[i].StepIndex == idx {
		return l.Steps[i], true
	}
	return StepRecord{}, false
}

// RecordStep stores rec, replacing any earlier record for the same index.
// Records are never removed.
func (l *AuditLog) RecordStep(rec StepRecord) {
	i := sort.Search(len(l.Steps), func(i int) bool { return l.Steps[i].StepIndex >= rec.StepIndex })
	if i < len(l.Steps) && l.Steps[i].StepIndex == rec.StepIndex {
		l.Steps[i] = rec
		return
	}
	l.Steps = append(l.Steps, StepRecord{})
	copy(l.Steps[i+1:], l.Steps[i:])
	l.Steps[i] = rec
}

// NextStepIndex is the number of leading executed steps, which is the only
// index that may run next.
func (l *AuditLog) NextStepIndex() int {
	next := 0
	for {
		rec, ok := l.Step(next)
		if !ok || rec.Status != StepExecuted {
			return next
		}
		next++
	}
}

// Finalized reports whether the log has an outcome.
func (l *AuditLog) Finalized() bool {
	return l.FinalOutcome != nil
}

// Finalize sets the outcome. A finalized log keeps its first outcome.
func (l *AuditLog) Finalize(status OutcomeStatus, kind, message string, at time.Time) bool {
	if l.FinalOutcome != nil {
		return false
	}
	var remedies []string
	if status == OutcomeFailure && len(l.RemedyHints) > 0 {
		remedies = append(remedies, l.RemedyHints...)
	}
	l.FinalOutcome = &FinalOutcome{
		Status:   status,
		Kind:     kind,
		Message:  message,
		Remedies: remedies,
		At:       at,
	}
	return true
}

// RecordLatency adds a latency sample for tool.
func (l *AuditLog) RecordLatency(tool string, ms int64) {
	if l.ToolLatencies == nil {
		l.ToolLatencies = make(map[string]*LatencyStats)
	}
	st, ok := l.ToolLatencies[tool]
	if !ok {
		st = &LatencyStats{}
		l.ToolLatencies[tool] = st
	}
	st.SamplesMs = append(st.SamplesMs, ms)
	if len(st.SamplesMs) > MaxLatencySamples {
		st.SamplesMs = st.SamplesMs[len(st.SamplesMs)-MaxLatencySamples:]
	}
	st.TotalMs += ms
	st.Count++
}

// AddRemedyHint appends a non-empty hint unless it is already present.
func (l *AuditLog) AddRemedyHint(hint string) {
	if hint == "" {
		return
	}
	for _, h := range l.RemedyHints {
		if h == hint {
			return
		}
	}
	l.RemedyHints = append(l.RemedyHints, hint)
}

// Annotate appends a diagnostic note.
func (l *AuditLog) Annotate(note string, at time.Time) {
	l.Annotations = append(l.Annotations, Annotation{Note: note, At: at})
}

// ExecutedOutputs maps step index to output for executed steps only.
func (l *AuditLog) ExecutedOutputs() map[int]any {
	out := make(map[int]any)
	for _, rec := range l.Steps {
		if rec.Status == StepExecuted {
			out[rec.StepIndex] = rec.Output
		}
	}
	return out
}

// LastExecuted returns the executed record with the highest index.
func (l *AuditLog) LastExecuted() (StepRecord, bool) {
	for i := len(l.Steps) - 1; i >= 0; i-- {
		if l.Steps[i].Status == StepExecuted {
			return l.Steps[i], true
		}
	}
	return StepRecord{}, false
}

// Clone returns a deep copy.
func (l *AuditLog) Clone() (*AuditLog, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal audit log: %w", err)
	}
	var c AuditLog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal audit log: %w", err)
	}
	return &c, nil
}

func encode(l *AuditLog) ([]byte, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal audit log: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*AuditLog, error) {
	var l AuditLog
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("unmarshal audit log: %w", err)
	}
	if l.Steps == nil {
		l.Steps = []StepRecord{}
	}
	return &l, nil
}

func sortNewestFirst(logs []*AuditLog) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].CreatedAt.Equal(logs[j].CreatedAt) {
			return logs[i].ID > logs[j].ID
		}
		return logs[i].CreatedAt.After(logs[j].CreatedAt)
	})
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
