package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semintent/llm"
	"github.com/c360studio/semintent/model"
)

// maxFormatRetries is the number of completions tried per plan, counting the
// first, before the last answer is handed on as is.
const maxFormatRetries = 2

// LLMPlanner asks a language model for plans, revisions and remedies.
type LLMPlanner struct {
	completer   llm.Completer
	temperature float64
	logger      *slog.Logger
	now         func() time.Time
}

// LLMOption configures an LLMPlanner.
type LLMOption func(*LLMPlanner)

// WithTemperature sets the sampling temperature for plan generation.
func WithTemperature(t float64) LLMOption {
	return func(p *LLMPlanner) {
		p.temperature = t
	}
}

// WithLLMLogger sets the logger.
func WithLLMLogger(l *slog.Logger) LLMOption {
	return func(p *LLMPlanner) {
		p.logger = l
	}
}

// WithLLMClock sets the time source used to stamp plans.
func WithLLMClock(now func() time.Time) LLMOption {
	return func(p *LLMPlanner) {
		p.now = now
	}
}

// NewLLMPlanner creates a planner over c.
func NewLLMPlanner(c llm.Completer, opts ...LLMOption) *LLMPlanner {
	p := &LLMPlanner{
		completer:   c,
		temperature: 0.2,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GeneratePlan implements Planner. The model's JSON is stamped with a fresh
// plan_id and created_at so identity and freshness come from this process.
// If no usable JSON arrives within the retry budget, the last raw answer is
// returned for the validator to reject.
func (p *LLMPlanner) GeneratePlan(ctx context.Context, intent string, pc PlanContext) ([]byte, error) {
	if pc.Now.IsZero() {
		pc.Now = p.now()
	}
	messages := []llm.Message{
		{Role: "system", Content: planSystemPrompt(pc.Tools)},
		{Role: "user", Content: planUserPrompt(intent, pc)},
	}

	var last string
	for attempt := range maxFormatRetries {
		content, err := p.complete(ctx, model.CapabilityPlanning, messages, p.temperature, 0)
		if err != nil {
			return nil, err
		}
		last = content

		stamped, parseErr := p.stamp(llm.ExtractJSON(content))
		if parseErr == nil {
			return stamped, nil
		}
		if attempt+1 >= maxFormatRetries {
			break
		}
		p.logger.Warn("LLM plan format retry", "attempt", attempt+1, "error", parseErr)
		messages = append(messages,
			llm.Message{Role: "assistant", Content: content},
			llm.Message{Role: "user", Content: formatCorrectionPrompt(parseErr)},
		)
	}
	return []byte(last), nil
}

func (p *LLMPlanner) stamp(doc string) ([]byte, error) {
	if doc == "" {
		return nil, errors.New("no JSON object found in response")
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(doc), &fields); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}
	fields["plan_id"] = uuid.New().String()
	fields["created_at"] = p.now().UTC().Format(time.RFC3339Nano)
	return json.Marshal(fields)
}

// Replan implements Planner.
func (p *LLMPlanner) Replan(ctx context.Context, req ReplanRequest) ([]byte, error) {
	if req.Now.IsZero() {
		req.Now = p.now()
	}
	content, err := p.complete(ctx, model.CapabilityPlanning, []llm.Message{
		{Role: "system", Content: replanSystemPrompt(req.Tools)},
		{Role: "user", Content: replanUserPrompt(req)},
	}, p.temperature, 0)
	if err != nil {
		return nil, err
	}
	return []byte(extractSteps(content)), nil
}

// extractSteps picks whichever JSON value, array or object, opens first.
func extractSteps(content string) string {
	arr := strings.IndexByte(content, '[')
	obj := strings.IndexByte(content, '{')
	if arr >= 0 && (obj < 0 || arr < obj) {
		if s := llm.ExtractJSONArray(content); s != "" {
			return s
		}
	}
	if s := llm.ExtractJSON(content); s != "" {
		return s
	}
	return content
}

// GenerateRemedy implements Planner.
func (p *LLMPlanner) GenerateRemedy(ctx context.Context, tool, errText string, params map[string]any) (string, error) {
	content, err := p.complete(ctx, model.CapabilityRemedy, []llm.Message{
		{Role: "user", Content: remedyPrompt(tool, errText, params)},
	}, 0, 120)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

func (p *LLMPlanner) complete(ctx context.Context, c model.Capability, messages []llm.Message, temperature float64, maxTokens int) (string, error) {
	resp, err := p.completer.Complete(ctx, llm.Request{
		Capability:  c.String(),
		Messages:    messages,
		Temperature: &temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("LLM completion: %w", err)
	}
	p.logger.Debug("LLM response received",
		"capability", c,
		"endpoint", resp.Endpoint,
		"tokens_used", resp.Usage.TotalTokens)
	return resp.Content, nil
}
