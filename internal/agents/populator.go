package agents

import (
	"context"
	"fmt"

	"github.com/exotic-travel-booking/itinerary-engine/internal/changeengine"
	"github.com/exotic-travel-booking/itinerary-engine/internal/decoder"
	"github.com/exotic-travel-booking/itinerary-engine/internal/docstore"
	"github.com/exotic-travel-booking/itinerary-engine/internal/eventbus"
	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
	"github.com/exotic-travel-booking/itinerary-engine/internal/llm/providers"
)

// populator is the shared shape behind Activity/Meal/Transport: fetch all
// placeholder nodes of nodeType, request a structured batch replacement
// keyed by nodeId, patch in place reusing ids verbatim, and degrade to
// keeping the placeholder when the model fails (spec.md §4.3).
type populator struct {
	BaseAgent
	store    docstore.Store
	engine   *changeengine.Engine
	provider providers.LLMProvider
	nodeType itinerary.NodeType
	extraFields string // prompt hint for type-specific fields
}

func (p *populator) run(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	return p.Execute(ctx, req, func(ctx context.Context, req TaskRequest, emit func(int, string, string)) (*TaskResult, error) {
		doc, err := p.store.Get(ctx, req.ItineraryID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, itinerary.NewError(itinerary.ErrItineraryNotFound, "itinerary not found", nil)
		}

		var targets []itinerary.Node
		for _, d := range doc.Days {
			for _, n := range d.Nodes {
				if n.Type == p.nodeType && !n.Locked {
					targets = append(targets, n)
				}
			}
		}
		if len(targets) == 0 {
			return &TaskResult{Message: fmt.Sprintf("no %s placeholders to populate", p.nodeType)}, nil
		}

		emit(30, "populate:request", fmt.Sprintf("requesting %d %s replacements", len(targets), p.nodeType))

		replacements, ok := p.requestBatch(ctx, targets)
		if !ok {
			// Graceful degradation: model failed, keep placeholders.
			return &TaskResult{Message: fmt.Sprintf("%s population degraded: kept placeholders", p.nodeType)}, nil
		}

		var ops []itinerary.ChangeOperation
		for _, n := range targets {
			fields, ok := replacements[n.ID]
			if !ok {
				continue
			}
			ops = append(ops, itinerary.ChangeOperation{Op: itinerary.OpUpdate, ID: n.ID, Partial: fields})
		}
		if len(ops) == 0 {
			return &TaskResult{Message: fmt.Sprintf("%s population degraded: no matching ids in reply", p.nodeType)}, nil
		}

		cs := itinerary.ChangeSet{
			Ops:         ops,
			Agent:       p.ID(),
			Reason:      fmt.Sprintf("populate %s nodes", p.nodeType),
			Preferences: itinerary.DefaultPreferences(),
		}
		if _, err := p.engine.ApplyWithDoc(ctx, doc, cs); err != nil {
			return nil, err
		}

		return &TaskResult{Message: fmt.Sprintf("populated %d %s nodes", len(ops), p.nodeType)}, nil
	})
}

// requestBatch asks the model for structured replacements keyed by nodeId.
// Returns ok=false on any model or decode failure, triggering the caller's
// graceful degradation.
func (p *populator) requestBatch(ctx context.Context, targets []itinerary.Node) (map[string]map[string]interface{}, bool) {
	if p.provider == nil {
		return nil, false
	}

	ids := make([]string, 0, len(targets))
	for _, n := range targets {
		ids = append(ids, n.ID)
	}
	prompt := fmt.Sprintf(
		"For each of these %s node ids %v, produce a JSON object \"replacements\" keyed by nodeId with fields "+
			"title, description, category, durationMin%s. Use only the given ids.",
		p.nodeType, ids, p.extraFields)

	result, err := callModel(ctx, p.provider, prompt, decoder.Schema{Required: []string{"replacements"}}, "")
	if err != nil || result == nil || !result.OK {
		return nil, false
	}
	raw, ok := result.Data["replacements"].(map[string]interface{})
	if !ok {
		return nil, false
	}

	out := make(map[string]map[string]interface{}, len(raw))
	validIDs := make(map[string]bool, len(ids))
	for _, id := range ids {
		validIDs[id] = true
	}
	for id, fields := range raw {
		if !validIDs[id] {
			continue // must reuse the skeleton's node ids verbatim
		}
		if m, ok := fields.(map[string]interface{}); ok {
			out[id] = m
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// ActivityAgent populates placeholder attraction nodes.
type ActivityAgent struct{ *populator }

func NewActivityAgent(store docstore.Store, engine *changeengine.Engine, provider providers.LLMProvider, bus *eventbus.Bus) *ActivityAgent {
	p := &populator{
		store: store, engine: engine, provider: provider,
		nodeType: itinerary.NodeTypeAttraction,
	}
	p.BaseAgent = NewBaseAgent("activity-agent", KindPlanner, Capabilities{
		SupportedTasks: []string{"populate_attractions"}, Priority: 10,
	}, bus, store, engine)
	return &ActivityAgent{p}
}

func (a *ActivityAgent) Run(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	return a.run(ctx, req)
}

// MealAgent populates placeholder meal nodes with cuisine/mealType.
type MealAgent struct{ *populator }

func NewMealAgent(store docstore.Store, engine *changeengine.Engine, provider providers.LLMProvider, bus *eventbus.Bus) *MealAgent {
	p := &populator{
		store: store, engine: engine, provider: provider,
		nodeType:    itinerary.NodeTypeMeal,
		extraFields: ", cuisine, mealType",
	}
	p.BaseAgent = NewBaseAgent("meal-agent", KindPlanner, Capabilities{
		SupportedTasks: []string{"populate_meals"}, Priority: 10,
	}, bus, store, engine)
	return &MealAgent{p}
}

func (a *MealAgent) Run(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	return a.run(ctx, req)
}

// TransportAgent populates placeholder transport nodes with mode/duration.
type TransportAgent struct{ *populator }

func NewTransportAgent(store docstore.Store, engine *changeengine.Engine, provider providers.LLMProvider, bus *eventbus.Bus) *TransportAgent {
	p := &populator{
		store: store, engine: engine, provider: provider,
		nodeType:    itinerary.NodeTypeTransport,
		extraFields: ", mode",
	}
	p.BaseAgent = NewBaseAgent("transport-agent", KindPlanner, Capabilities{
		SupportedTasks: []string{"populate_transport"}, Priority: 10,
	}, bus, store, engine)
	return &TransportAgent{p}
}

func (a *TransportAgent) Run(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	return a.run(ctx, req)
}
