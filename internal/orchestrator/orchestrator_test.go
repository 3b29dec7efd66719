package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exotic-travel-booking/itinerary-engine/internal/agents"
	"github.com/exotic-travel-booking/itinerary-engine/internal/booking"
	"github.com/exotic-travel-booking/itinerary-engine/internal/changeengine"
	"github.com/exotic-travel-booking/itinerary-engine/internal/chatrouter"
	"github.com/exotic-travel-booking/itinerary-engine/internal/docstore"
	"github.com/exotic-travel-booking/itinerary-engine/internal/eventbus"
	"github.com/exotic-travel-booking/itinerary-engine/internal/idempotency"
	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
	"github.com/exotic-travel-booking/itinerary-engine/internal/payment"
)

func newTestOrchestrator() (*Orchestrator, docstore.Store) {
	store := docstore.NewMemoryStore()
	bus := eventbus.New()
	idem := idempotency.New(idempotency.NewMemoryStore())
	engine := changeengine.New(store, bus, idem)

	reg := agents.NewRegistry()
	reg.Register(agents.NewSkeletonAgent(store, engine, nil, bus))
	reg.Register(agents.NewActivityAgent(store, engine, nil, bus))
	reg.Register(agents.NewMealAgent(store, engine, nil, bus))
	reg.Register(agents.NewTransportAgent(store, engine, nil, bus))
	reg.Register(agents.NewCostAgent(store, engine, bus))
	reg.Register(agents.NewExplainerAgent(store, nil, bus))
	reg.Register(agents.NewEditorAgent(store, engine, nil, bus))
	reg.Register(agents.NewBookingAgent(store, engine, booking.NewMock(), payment.NewMock(), bus))

	router := chatrouter.New(reg, engine, store, nil)
	return New(store, bus, reg, router), store
}

// Generate seeds a queued status for every registered agent and runs the
// fixed skeleton -> populate -> cost -> enrich pipeline to completion
// (spec.md §4.4).
func TestGenerateRunsPipelineToCompletion(t *testing.T) {
	ctx := context.Background()
	orch, store := newTestOrchestrator()

	id, err := orch.Generate(ctx, GenerateRequest{
		Destination: "Rome",
		StartDate:   "2026-09-01",
		EndDate:     "2026-09-02",
		BudgetTier:  itinerary.BudgetTierMedium,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, doc.Days, 2)
	for _, d := range doc.Days {
		assert.NotEmpty(t, d.Nodes, "skeleton must have seeded placeholders for every day")
	}
	assert.Equal(t, itinerary.AgentStateCompleted, doc.Agents["skeleton-agent"].State)
	assert.Equal(t, itinerary.AgentStateCompleted, doc.Agents["cost-agent"].State)
}

// EditViaChat stamps the itinerary id onto the chat request and delegates
// straight to the Chat Router.
func TestEditViaChatDelegatesToRouter(t *testing.T) {
	ctx := context.Background()
	orch, store := newTestOrchestrator()

	doc := &itinerary.Itinerary{
		ID:      "it1",
		Version: 1,
		Days: []itinerary.Day{{
			DayNumber: 1,
			Nodes:     []itinerary.Node{{ID: "day1_node1", Title: "Morning Activity", Status: itinerary.NodeStatusPlanned}},
		}},
	}
	require.NoError(t, store.Set(ctx, "it1", doc))

	resp, err := orch.EditViaChat(ctx, "it1", chatrouter.ChatRequest{Message: "why is this here?"})
	require.NoError(t, err)
	assert.Equal(t, chatrouter.IntentExplain, resp.Intent)
}
