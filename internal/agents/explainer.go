package agents

import (
	"context"

	"github.com/exotic-travel-booking/itinerary-engine/internal/decoder"
	"github.com/exotic-travel-booking/itinerary-engine/internal/docstore"
	"github.com/exotic-travel-booking/itinerary-engine/internal/eventbus"
	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
	"github.com/exotic-travel-booking/itinerary-engine/internal/llm/providers"
)

// ExplainerAgent is pure-read: it never emits a change set, only natural
// language built from the current itinerary summary (spec.md §4.3).
type ExplainerAgent struct {
	BaseAgent
	store    docstore.Store
	provider providers.LLMProvider
}

// NewExplainerAgent constructs the Explainer.
func NewExplainerAgent(store docstore.Store, provider providers.LLMProvider, bus *eventbus.Bus) *ExplainerAgent {
	return &ExplainerAgent{
		BaseAgent: NewBaseAgent("explainer-agent", KindExplainer, Capabilities{
			SupportedTasks: []string{"explain"}, Priority: 10, ChatEnabled: true,
		}, bus, store, nil),
		store:    store,
		provider: provider,
	}
}

func (a *ExplainerAgent) Run(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	return a.Execute(ctx, req, func(ctx context.Context, req TaskRequest, emit func(int, string, string)) (*TaskResult, error) {
		doc, err := a.store.Get(ctx, req.ItineraryID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, itinerary.NewError(itinerary.ErrItineraryNotFound, "itinerary not found", nil)
		}

		summary := summarizeItinerary(doc, req.Day, false)

		if a.provider == nil {
			return &TaskResult{Message: summary}, nil
		}

		emit(50, "explain:ask", "asking the model to explain the itinerary")

		prompt := "Explain the itinerary below in plain, friendly language, answering the request if one is given. " +
			"Respond with JSON {\"text\": \"...\"}.\n\n" + summary
		if req.ChatMessage != "" {
			prompt += "\n\nRequest: " + req.ChatMessage
		}

		result, err := callModel(ctx, a.provider, prompt, decoder.Schema{Required: []string{"text"}}, dayDateFor(doc, req.Day))
		if err != nil {
			// Explaining degrades to the raw summary rather than failing
			// the chat turn outright.
			return &TaskResult{Message: summary}, nil
		}
		text, _ := result.Data["text"].(string)
		if text == "" {
			text = summary
		}
		return &TaskResult{Message: text}, nil
	})
}
