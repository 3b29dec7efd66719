package providers

import "context"

// MockProvider is a deterministic LLMProvider for tests and offline runs:
// it never calls out, and echoes back a fixed JSON-shaped reply so the
// Structured-Output Decoder's parse path can be exercised without a live
// model endpoint.
type MockProvider struct {
	*BaseProvider
	// Response, when set, is returned verbatim as the single choice's
	// content for every GenerateResponse call. Tests set this per case.
	Response string
}

// NewMockProvider constructs a MockProvider. config may be nil.
func NewMockProvider(config *LLMConfig) *MockProvider {
	if config == nil {
		config = &LLMConfig{APIKey: "mock", Model: "mock-model"}
	}
	return &MockProvider{BaseProvider: NewBaseProvider(config, "mock")}
}

func (p *MockProvider) GenerateResponse(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	content := p.Response
	if content == "" {
		content = "{}"
	}
	return &GenerateResponse{
		ID:    "mock-resp",
		Model: "mock-model",
		Choices: []Choice{
			{Message: Message{Role: "assistant", Content: content}, FinishReason: "stop"},
		},
	}, nil
}

func (p *MockProvider) StreamResponse(ctx context.Context, req *GenerateRequest) (<-chan *StreamChunk, error) {
	ch := make(chan *StreamChunk, 1)
	ch <- &StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func (p *MockProvider) GetModels(ctx context.Context) ([]string, error) {
	return []string{"mock-model"}, nil
}
