package providers

import (
	"fmt"
)

// ProviderFactory creates LLM providers. Trimmed to the two providers this
// repo actually exercises: OpenAI-shaped model calls for production, and a
// deterministic mock for tests and local runs without credentials. The
// teacher's anthropic/ollama/local providers added no additional
// third-party dependency and are dropped (see DESIGN.md).
type ProviderFactory struct{}

// NewProviderFactory creates a new provider factory.
func NewProviderFactory() *ProviderFactory {
	return &ProviderFactory{}
}

// CreateProvider creates a provider based on configuration.
func (f *ProviderFactory) CreateProvider(config *LLMConfig) (LLMProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Provider == "" {
		return nil, fmt.Errorf("provider type cannot be empty")
	}

	switch config.Provider {
	case "openai":
		return NewOpenAIProvider(config)
	case "mock":
		return NewMockProvider(config), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", config.Provider)
	}
}
