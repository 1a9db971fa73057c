package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/c360studio/semintent/reliability"
)

// LangChainCompleter answers completion requests with a single langchaingo
// model. The capability is ignored: every request goes to the same model.
type LangChainCompleter struct {
	model   llms.Model
	name    string
	wrapper *reliability.Wrapper
	policy  reliability.Policy
	logger  *slog.Logger
}

// LangChainOption configures a LangChainCompleter.
type LangChainOption func(*LangChainCompleter)

// WithLangChainWrapper shares a reliability wrapper with the completer.
func WithLangChainWrapper(w *reliability.Wrapper, p reliability.Policy) LangChainOption {
	return func(c *LangChainCompleter) {
		c.wrapper = w
		c.policy = p
	}
}

// WithLangChainLogger sets the logger.
func WithLangChainLogger(l *slog.Logger) LangChainOption {
	return func(c *LangChainCompleter) {
		c.logger = l
	}
}

// NewLangChainCompleter wraps m. name labels the breaker resource.
func NewLangChainCompleter(m llms.Model, name string, opts ...LangChainOption) *LangChainCompleter {
	c := &LangChainCompleter{
		model:  m,
		name:   name,
		policy: DefaultPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.wrapper == nil {
		reg := reliability.NewRegistry(reliability.DefaultBreakerConfig(), c.logger)
		c.wrapper = reliability.NewWrapper(reg, reliability.WithLogger(c.logger))
	}
	return c
}

// OpenAIConfig selects an OpenAI-compatible endpoint for langchaingo.
type OpenAIConfig struct {
	Token   string
	Model   string
	BaseURL string
}

// NewOpenAICompleter builds a LangChainCompleter over langchaingo's OpenAI
// client, which also serves OpenRouter and other compatible gateways.
func NewOpenAICompleter(cfg OpenAIConfig, opts ...LangChainOption) (*LangChainCompleter, error) {
	oaOpts := []openai.Option{
		openai.WithToken(cfg.Token),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		oaOpts = append(oaOpts, openai.WithBaseURL(cfg.BaseURL))
	}
	m, err := openai.New(oaOpts...)
	if err != nil {
		return nil, fmt.Errorf("create openai model: %w", err)
	}
	return NewLangChainCompleter(m, cfg.Model, opts...), nil
}

// Complete implements Completer.
func (c *LangChainCompleter) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	messages := make([]llms.MessageContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, llms.TextParts(chatRole(m.Role), m.Content))
	}
	var callOpts []llms.CallOption
	if req.Temperature != nil {
		callOpts = append(callOpts, llms.WithTemperature(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(req.MaxTokens))
	}

	resp, _, err := reliability.Do(ctx, c.wrapper, reliability.Call{
		Resource: "model:" + c.name,
		Policy:   c.policy,
	}, func(ctx context.Context) (*llms.ContentResponse, error) {
		r, err := c.model.GenerateContent(ctx, messages, callOpts...)
		if err != nil {
			if reliability.IsTechnical(err) {
				return nil, reliability.Transient(NewTransientError(err))
			}
			return nil, reliability.Semantic(NewFatalError(err))
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("langchain completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return nil, NewFatalError(errors.New("langchain completion returned no choices"))
	}

	choice := resp.Choices[0]
	return &Response{
		RequestID:    uuid.New().String(),
		Content:      choice.Content,
		Model:        c.name,
		Endpoint:     "langchain:" + c.name,
		Usage:        usageFrom(choice.GenerationInfo),
		FinishReason: choice.StopReason,
	}, nil
}

func chatRole(role string) llms.ChatMessageType {
	switch strings.ToLower(role) {
	case "system":
		return llms.ChatMessageTypeSystem
	case "assistant":
		return llms.ChatMessageTypeAI
	}
	return llms.ChatMessageTypeHuman
}

func usageFrom(info map[string]any) TokenUsage {
	var u TokenUsage
	u.PromptTokens = intFrom(info["PromptTokens"])
	u.CompletionTokens = intFrom(info["CompletionTokens"])
	u.TotalTokens = intFrom(info["TotalTokens"])
	return u
}

func intFrom(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
