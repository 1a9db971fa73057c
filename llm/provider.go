package llm

import (
	"net/http"
	"os"
	"sort"
	"sync"

	"github.com/c360studio/semintent/model"
)

// Provider adapts the chat completion wire format of one LLM vendor.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "ollama").
	Name() string

	// BuildURL constructs the full API endpoint URL.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers, including credentials.
	SetHeaders(req *http.Request, ep *model.EndpointConfig)

	// BuildRequestBody creates the JSON request body.
	// temperature is nil to use the provider default.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse extracts the response from provider-specific JSON.
	ParseResponse(body []byte, model string) (*Response, error)
}

var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names, sorted.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// APIKey returns the key for ep, read from ep.APIKeyEnv or fallbackEnv.
func APIKey(ep *model.EndpointConfig, fallbackEnv string) string {
	if ep != nil && ep.APIKeyEnv != "" {
		return os.Getenv(ep.APIKeyEnv)
	}
	return os.Getenv(fallbackEnv)
}
