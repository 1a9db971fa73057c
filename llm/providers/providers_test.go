package providers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semintent/llm"
	"github.com/c360studio/semintent/model"
)

func TestProvidersRegistered(t *testing.T) {
	for _, name := range []string{"anthropic", "ollama", "openai"} {
		assert.NotNil(t, llm.GetProvider(name), name)
	}
	assert.Equal(t, []string{"anthropic", "ollama", "openai"}, llm.ListProviders())
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		name     string
		provider llm.Provider
		baseURL  string
		want     string
	}{
		{"anthropic default", &AnthropicProvider{}, "", "https://api.anthropic.com/v1/messages"},
		{"anthropic trailing slash", &AnthropicProvider{}, "https://proxy.internal/", "https://proxy.internal/v1/messages"},
		{"openai default", &OpenAIProvider{}, "", "https://api.openai.com/v1/chat/completions"},
		{"openrouter", &OpenAIProvider{}, "https://openrouter.ai/api/v1", "https://openrouter.ai/api/v1/chat/completions"},
		{"ollama default", &OllamaProvider{}, "", "http://localhost:11434/v1/chat/completions"},
		{"ollama full path kept", &OllamaProvider{}, "http://gpu:8000/v1/chat/completions", "http://gpu:8000/v1/chat/completions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.provider.BuildURL(tt.baseURL))
		})
	}
}

func TestSetHeaders(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "ant-key")
	t.Setenv("OPENAI_API_KEY", "oa-key")
	t.Setenv("PLANNER_KEY", "custom-key")
	t.Setenv("OPENROUTER_SITE_URL", "https://semintent.dev")
	t.Setenv("OPENROUTER_SITE_NAME", "")

	req, _ := http.NewRequest(http.MethodPost, "http://x", nil)
	(&AnthropicProvider{}).SetHeaders(req, &model.EndpointConfig{})
	assert.Equal(t, "ant-key", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))

	req, _ = http.NewRequest(http.MethodPost, "http://x", nil)
	(&OpenAIProvider{}).SetHeaders(req, &model.EndpointConfig{APIKeyEnv: "PLANNER_KEY"})
	assert.Equal(t, "Bearer custom-key", req.Header.Get("Authorization"))
	assert.Equal(t, "https://semintent.dev", req.Header.Get("HTTP-Referer"))
	assert.Empty(t, req.Header.Get("X-Title"))

	req, _ = http.NewRequest(http.MethodPost, "http://x", nil)
	(&OpenAIProvider{}).SetHeaders(req, nil)
	assert.Equal(t, "Bearer oa-key", req.Header.Get("Authorization"))

	req, _ = http.NewRequest(http.MethodPost, "http://x", nil)
	(&OllamaProvider{}).SetHeaders(req, &model.EndpointConfig{})
	assert.Empty(t, req.Header.Get("Authorization"), "local ollama gets no credentials")

	req, _ = http.NewRequest(http.MethodPost, "http://x", nil)
	(&OllamaProvider{}).SetHeaders(req, &model.EndpointConfig{APIKeyEnv: "PLANNER_KEY"})
	assert.Equal(t, "Bearer custom-key", req.Header.Get("Authorization"))
}

func TestAnthropicProvider_BuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}
	messages := []llm.Message{
		{Role: "system", Content: "You produce plans."},
		{Role: "system", Content: "Reply with JSON."},
		{Role: "user", Content: "Book dinner"},
		{Role: "assistant", Content: "{}"},
	}

	temp := 0.0
	body, err := p.BuildRequestBody("claude-sonnet", messages, &temp, 1024)
	require.NoError(t, err)

	s := string(body)
	assert.Contains(t, s, `"system":"You produce plans.\n\nReply with JSON."`)
	assert.Contains(t, s, `"max_tokens":1024`)
	assert.Contains(t, s, `"temperature":0`)
	assert.NotContains(t, s, `"role":"system"`)
	assert.Contains(t, s, `"role":"assistant"`)

	body, err = p.BuildRequestBody("claude-sonnet", messages[2:3], nil, 0)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"max_tokens":4096`)
	assert.NotContains(t, string(body), `"temperature"`)
}

func TestAnthropicProvider_ParseResponse(t *testing.T) {
	resp, err := (&AnthropicProvider{}).ParseResponse([]byte(`{
		"content": [
			{"type": "text", "text": "{\"plan_id\":"},
			{"type": "tool_use", "text": "ignored"},
			{"type": "text", "text": " \"p\"}"}
		],
		"model": "claude-sonnet-4-20250514",
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 15, "output_tokens": 8}
	}`), "claude-sonnet")
	require.NoError(t, err)

	assert.Equal(t, `{"plan_id": "p"}`, resp.Content)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, llm.TokenUsage{PromptTokens: 15, CompletionTokens: 8, TotalTokens: 23}, resp.Usage)
}

func TestOllamaProvider_RequestAndResponse(t *testing.T) {
	p := &OllamaProvider{}

	body, err := p.BuildRequestBody("qwen2.5:7b", []llm.Message{{Role: "user", Content: "hi"}}, nil, 0)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "max_tokens")

	resp, err := p.ParseResponse([]byte(`{
		"model": "qwen2.5:7b",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "[]"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 6, "total_tokens": 16}
	}`), "qwen2.5:7b")
	require.NoError(t, err)
	assert.Equal(t, "[]", resp.Content)
	assert.Equal(t, 16, resp.Usage.TotalTokens)

	_, err = p.ParseResponse([]byte(`{"choices": []}`), "qwen2.5:7b")
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
}
