package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// MaxRecordedParamsLength is the max length for serialized parameters in a call log line.
const MaxRecordedParamsLength = 1000

// MaxRecordedResultLength is the max length for result data in a call log line.
const MaxRecordedResultLength = 2000

// CallRecord describes one finished tool execution.
type CallRecord struct {
	ToolName    string
	Parameters  string
	Result      string
	Status      string
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
	DurationMs  int64
}

// RecordingTool wraps a Tool and records each call into a HealthTracker.
// Calls that finish after their context ended were abandoned by the caller
// and are not recorded.
type RecordingTool struct {
	inner  Tool
	health *HealthTracker
	logger *slog.Logger
}

// NewRecordingTool wraps a tool with call recording.
func NewRecordingTool(inner Tool, health *HealthTracker, logger *slog.Logger) *RecordingTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordingTool{
		inner:  inner,
		health: health,
		logger: logger,
	}
}

// Definition delegates to the inner tool.
func (r *RecordingTool) Definition() Definition {
	return r.inner.Definition()
}

// Unwrap returns the wrapped tool.
func (r *RecordingTool) Unwrap() Tool {
	return r.inner
}

// Execute runs the underlying tool and records the outcome.
func (r *RecordingTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	startedAt := time.Now()
	result, execErr := r.inner.Execute(ctx, params)
	completedAt := time.Now()

	rec := buildRecord(r.inner.Definition().Name, params, result, execErr, startedAt, completedAt)
	if ctx.Err() != nil {
		r.logger.Debug("Abandoned tool call not recorded",
			"tool", rec.ToolName,
			"duration_ms", rec.DurationMs,
			"reason", ctx.Err())
		return result, execErr
	}
	if r.health != nil {
		r.health.Record(rec.ToolName, completedAt.Sub(startedAt), rec.Status == "success")
	}

	r.logger.Debug("Tool call recorded",
		"tool", rec.ToolName,
		"status", rec.Status,
		"duration_ms", rec.DurationMs,
		"params", rec.Parameters,
		"result", rec.Result,
		"error", rec.Error)

	return result, execErr
}

func buildRecord(name string, params map[string]any, result *Result, execErr error, startedAt, completedAt time.Time) CallRecord {
	rec := CallRecord{
		ToolName:    name,
		Parameters:  truncateJSON(params, MaxRecordedParamsLength),
		Status:      "success",
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		DurationMs:  completedAt.Sub(startedAt).Milliseconds(),
	}

	switch {
	case execErr != nil:
		rec.Status = "error"
		rec.Error = execErr.Error()
	case result == nil:
		rec.Status = "error"
		rec.Error = "tool returned no result"
	case !result.Success:
		rec.Status = "error"
		rec.Error = result.Error
	}

	if result != nil && result.Data != nil {
		rec.Result = truncateJSON(result.Data, MaxRecordedResultLength)
	}
	return rec
}

// truncateJSON marshals v to JSON and truncates to maxLen.
func truncateJSON(v any, maxLen int) string {
	if v == nil {
		return "{}"
	}

	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}

	s := string(data)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
