// Package llm provides a provider-agnostic chat completion client with
// retry, per-endpoint circuit breaking, and capability-based fallback.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semintent/model"
	"github.com/c360studio/semintent/reliability"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Completer is anything that can answer a chat completion request.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines an LLM completion request.
type Request struct {
	// Capability selects the fallback chain ("planning", "remedy").
	Capability string

	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the endpoint setting.
	MaxTokens int
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the LLM completion result.
type Response struct {
	// RequestID uniquely identifies this call in logs.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the model identifier the provider reported.
	Model string

	// Endpoint is the registry entry that answered.
	Endpoint string

	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// DefaultPolicy returns the protection applied to each endpoint.
func DefaultPolicy() reliability.Policy {
	return reliability.Policy{
		Timeout:     120 * time.Second,
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// Client is a provider-agnostic LLM client. Each endpoint is called through
// the reliability wrapper under the resource "model:<endpoint>", so a failing
// endpoint trips its own breaker and the chain moves on.
type Client struct {
	registry   *model.Registry
	wrapper    *reliability.Wrapper
	policy     reliability.Policy
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithPolicy sets the per-endpoint retry and timeout policy.
func WithPolicy(p reliability.Policy) ClientOption {
	return func(client *Client) {
		client.policy = p
	}
}

// WithWrapper shares a reliability wrapper, and with it the breaker state.
func WithWrapper(w *reliability.Wrapper) ClientOption {
	return func(client *Client) {
		client.wrapper = w
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a new LLM client with the given model registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:   registry,
		policy:     DefaultPolicy(),
		httpClient: &http.Client{},
		logger:     slog.Default(),
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

// Complete sends a completion request down the capability's fallback chain.
// A fatal error stops the chain; anything else moves to the next endpoint.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	capVal := model.ParseCapability(req.Capability)
	if capVal == "" {
		capVal = model.CapabilityPlanning
	}
	chain := c.registry.FallbackChain(capVal)
	if len(chain) == 0 {
		return nil, fmt.Errorf("no models configured for capability %s", capVal)
	}

	requestID := uuid.New().String()
	var lastErr error
	for _, name := range chain {
		ep := c.registry.Endpoint(name)
		if ep == nil {
			c.logger.Debug("No endpoint for model, skipping", "model", name)
			continue
		}

		resp, report, err := reliability.Do(ctx, c.wrapper, reliability.Call{
			Resource: "model:" + name,
			Policy:   c.policy,
		}, func(ctx context.Context) (*Response, error) {
			r, err := c.doRequest(ctx, ep, req)
			return r, classify(err)
		})
		if err == nil {
			resp.RequestID = requestID
			resp.Endpoint = name
			c.logger.Debug("LLM request completed",
				"request_id", requestID,
				"capability", capVal,
				"model", name,
				"attempts", len(report.Attempts),
				"duration", report.Elapsed)
			return resp, nil
		}

		lastErr = err
		if IsFatal(err) {
			c.logger.Warn("Fatal LLM error, not trying fallbacks", "model", name, "error", err)
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("llm request cancelled: %w", ctx.Err())
		}
		c.logger.Warn("Endpoint failed, trying fallback",
			"model", name,
			"provider", ep.Provider,
			"error", err)
	}

	if lastErr == nil {
		return nil, fmt.Errorf("no usable endpoint for capability %s", capVal)
	}
	return nil, fmt.Errorf("all endpoints failed for capability %s: %w", capVal, lastErr)
}

// doRequest executes a single HTTP request to the LLM endpoint.
func (c *Client) doRequest(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = ep.MaxTokens
	}
	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, maxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	url := provider.BuildURL(ep.URL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq, ep)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}
	return provider.ParseResponse(respBody, ep.Model)
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}
	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout,
		statusCode >= 500:
		return NewTransientError(err)
	default:
		// Auth, bad request and anything unexpected will not improve on retry.
		return NewFatalError(err)
	}
}
