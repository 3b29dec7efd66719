package chatrouter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exotic-travel-booking/itinerary-engine/internal/agents"
	"github.com/exotic-travel-booking/itinerary-engine/internal/changeengine"
	"github.com/exotic-travel-booking/itinerary-engine/internal/docstore"
	"github.com/exotic-travel-booking/itinerary-engine/internal/eventbus"
	"github.com/exotic-travel-booking/itinerary-engine/internal/idempotency"
	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
)

func newTestRouter(t *testing.T) (*Router, docstore.Store) {
	t.Helper()
	store := docstore.NewMemoryStore()
	bus := eventbus.New()
	idem := idempotency.New(idempotency.NewMemoryStore())
	engine := changeengine.New(store, bus, idem)

	doc := &itinerary.Itinerary{
		ID:      "it1",
		Version: 1,
		Days: []itinerary.Day{{
			DayNumber: 1,
			Nodes: []itinerary.Node{
				{ID: "day1_node1", Type: itinerary.NodeTypeAttraction, Title: "Old Town Walk", Status: itinerary.NodeStatusPlanned},
			},
		}},
	}
	require.NoError(t, store.Set(context.Background(), "it1", doc))

	reg := agents.NewRegistry()
	reg.Register(agents.NewExplainerAgent(store, nil, bus))

	return New(reg, engine, store, nil), store
}

// Without a model provider, classify falls back to the keyword scan, so an
// "undo" message routes straight to the change engine's undo (spec.md §4.7).
func TestRouteUndoFallsBackByKeyword(t *testing.T) {
	ctx := context.Background()
	router, store := newTestRouter(t)

	_, err := router.engine.Apply(ctx, "it1", itinerary.ChangeSet{
		Ops: []itinerary.ChangeOperation{{Op: itinerary.OpUpdate, ID: "day1_node1", Partial: map[string]interface{}{"title": "New Title"}}},
	})
	require.NoError(t, err)

	resp, err := router.Route(ctx, ChatRequest{ItineraryID: "it1", Message: "please undo that"})
	require.NoError(t, err)
	assert.Equal(t, IntentUndo, resp.Intent)
	assert.True(t, resp.Applied)

	doc, err := store.Get(ctx, "it1")
	require.NoError(t, err)
	assert.Equal(t, "Old Town Walk", doc.Days[0].Nodes[0].Title)
}

// A keyword-classified EXPLAIN request dispatches to a ChatEnabled explain
// agent and returns its message without touching the change engine.
func TestRouteExplainDispatchesToExplainer(t *testing.T) {
	ctx := context.Background()
	router, _ := newTestRouter(t)

	resp, err := router.Route(ctx, ChatRequest{ItineraryID: "it1", Message: "why is this here?"})
	require.NoError(t, err)
	assert.Equal(t, IntentExplain, resp.Intent)
	assert.NotEmpty(t, resp.Message)
	assert.Nil(t, resp.ChangeSet)
}

// Disambiguation surfaces every node whose title matches the request as a
// candidate, without applying anything.
func TestRouteDisambiguationListsMatchingCandidates(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	bus := eventbus.New()
	idem := idempotency.New(idempotency.NewMemoryStore())
	engine := changeengine.New(store, bus, idem)
	doc := &itinerary.Itinerary{
		ID:      "it1",
		Version: 1,
		Days: []itinerary.Day{{
			DayNumber: 1,
			Nodes: []itinerary.Node{
				{ID: "n1", Title: "Museum of Art"},
				{ID: "n2", Title: "Museum of History"},
				{ID: "n3", Title: "Riverside Cafe"},
			},
		}},
	}
	require.NoError(t, store.Set(ctx, "it1", doc))
	router := New(agents.NewRegistry(), engine, store, nil)

	resp, err := router.routeDisambiguation(ctx, ChatRequest{ItineraryID: "it1", Message: "museum"})
	require.NoError(t, err)
	assert.True(t, resp.NeedsDisambiguation)
	require.Len(t, resp.Candidates, 2)
}

// With no agent registered for "book", routeTask surfaces the dispatch
// error as a response-level error rather than failing the call.
func TestRouteTaskReturnsErrorsWhenNoAgentRegistered(t *testing.T) {
	ctx := context.Background()
	router, _ := newTestRouter(t)

	resp, err := router.Route(ctx, ChatRequest{ItineraryID: "it1", Message: "book the hotel"})
	require.NoError(t, err)
	assert.Equal(t, IntentBookNode, resp.Intent)
	assert.NotEmpty(t, resp.Errors)
}

func TestClassifyByKeyword(t *testing.T) {
	cases := map[string]Intent{
		"please undo that":     IntentUndo,
		"why did you do that":  IntentExplain,
		"book the flight":      IntentBookNode,
		"replan today please":  IntentReplanToday,
		"move it to 3pm":       IntentMoveTime,
		"add a museum visit":   IntentInsertPlace,
		"delete that stop":     IntentDeleteNode,
		"swap it for a cafe":   IntentReplaceNode,
		"something else entirely": IntentUnknown,
	}
	for msg, want := range cases {
		assert.Equal(t, want, classifyByKeyword(msg), msg)
	}
}
