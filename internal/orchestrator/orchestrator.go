// Package orchestrator exposes the two coarse entry points spec.md §4.4
// names: generate (stub document + pipeline run) and editViaChat
// (delegates to the Chat Router). Grounded on the teacher's
// internal/agents/travel_agent.go top-level coordinator and the
// imagineer reference's enrichment/pipeline.go stage/dependency shape
// (sequential stages, concurrent agents within a stage, continue-on-error
// for non-critical stages).
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/exotic-travel-booking/itinerary-engine/internal/agents"
	"github.com/exotic-travel-booking/itinerary-engine/internal/chatrouter"
	"github.com/exotic-travel-booking/itinerary-engine/internal/docstore"
	"github.com/exotic-travel-booking/itinerary-engine/internal/eventbus"
	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
)

// GenerateRequest is the input to generate(): the trip shape a user asks
// for before any agent has touched it.
type GenerateRequest struct {
	UserID      string
	Destination string
	StartDate   string
	EndDate     string
	Themes      []string
	Currency    string
	Party       itinerary.Party
	BudgetTier  itinerary.BudgetTier
	Settings    itinerary.Settings
}

// Orchestrator wires the registry, document store, and event bus into the
// two entry points spec.md §4.4 names.
type Orchestrator struct {
	store    docstore.Store
	bus      *eventbus.Bus
	registry *agents.Registry
	router   *chatrouter.Router
}

// New constructs an Orchestrator.
func New(store docstore.Store, bus *eventbus.Bus, registry *agents.Registry, router *chatrouter.Router) *Orchestrator {
	return &Orchestrator{store: store, bus: bus, registry: registry, router: router}
}

// pipeline is the fixed DAG spec.md §4.4 prescribes: Skeleton, then the
// three populators in parallel, then Cost, then Enrichment. Each stage
// re-loads the document; agents never share in-memory state across stages.
var pipeline = [][]string{
	{"skeleton"},
	{"populate_attractions", "populate_meals", "populate_transport"},
	{"estimate_costs"},
	{"enrich"},
}

// Generate creates the stub document, seeds the agents status map,
// publishes a kick-off event, then runs the pipeline to completion.
// Non-critical stage failures are logged (via the failed agent-event the
// agent itself publishes) and the pipeline continues; a skeleton failure
// publishes an error event and stops the pipeline before later stages.
// The Skeleton agent falls back to fixed placeholders when the model call
// fails, so it fails only when loading or applying to the document fails.
func (o *Orchestrator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	id := uuid.NewString()
	now := itinerary.Now()

	doc := &itinerary.Itinerary{
		ID:          id,
		Version:     0,
		UserID:      req.UserID,
		Destination: req.Destination,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
		Themes:      req.Themes,
		Currency:    req.Currency,
		Party:       req.Party,
		BudgetTier:  req.BudgetTier,
		Days:        stubDays(req.StartDate, req.EndDate),
		Settings:    req.Settings,
		Agents:      map[string]itinerary.AgentStatusRecord{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, a := range o.registry.All() {
		doc.Agents[a.ID()] = itinerary.AgentStatusRecord{State: itinerary.AgentStateQueued, UpdatedAt: now}
	}

	if err := o.store.Set(ctx, id, doc); err != nil {
		return "", err
	}

	if o.bus != nil {
		o.bus.Publish(eventbus.Event{
			Family:      eventbus.FamilyPatch,
			Type:        "version_updated",
			ItineraryID: id,
			Timestamp:   now,
			Payload:     map[string]interface{}{"itineraryId": id, "toVersion": 0, "kickoff": true},
		})
	}

	o.runPipeline(ctx, id)

	return id, nil
}

// runPipeline executes each stage's tasks against the registry, awaiting
// every agent in a stage before starting the next.
func (o *Orchestrator) runPipeline(ctx context.Context, itineraryID string) {
	execID := uuid.NewString()
	for stageIdx, stage := range pipeline {
		var wg sync.WaitGroup
		var mu sync.Mutex
		aborted := false
		for _, taskType := range stage {
			agent, err := o.registry.Dispatch(taskType, false)
			if err != nil {
				continue // no agent registered for this task; nothing to run
			}
			wg.Add(1)
			go func(a agents.Agent, taskType string) {
				defer wg.Done()
				req := agents.TaskRequest{ExecID: execID, ItineraryID: itineraryID, TaskType: taskType}
				_, err := a.Run(ctx, req)
				critical := stageIdx == 0 // skeleton is the only stage whose failure aborts
				if err != nil && critical {
					o.publishError(itineraryID, fmt.Sprintf("pipeline aborted: %s failed: %v", taskType, err))
					mu.Lock()
					aborted = true
					mu.Unlock()
				}
				// Non-critical failures are already visible via the
				// agent's own "failed" lifecycle event; the pipeline
				// continues regardless.
			}(agent, taskType)
		}
		wg.Wait()
		if aborted {
			return
		}
	}
}

func (o *Orchestrator) publishError(itineraryID, message string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventbus.Event{
		Family:      eventbus.FamilyAgent,
		Type:        "error",
		ItineraryID: itineraryID,
		Timestamp:   itinerary.Now(),
		Payload:     map[string]interface{}{"itineraryId": itineraryID, "message": message},
	})
}

// EditViaChat runs the Chat Router, which selects an agent, executes it,
// and surfaces the resulting diff plus a message.
func (o *Orchestrator) EditViaChat(ctx context.Context, itineraryID string, req chatrouter.ChatRequest) (*chatrouter.ChatResponse, error) {
	req.ItineraryID = itineraryID
	return o.router.Route(ctx, req)
}

// stubDays seeds one empty Day per calendar day between start and end
// (inclusive), so the Skeleton agent has somewhere to insert nodes.
func stubDays(start, end string) []itinerary.Day {
	dates := itinerary.DateRange(start, end)
	days := make([]itinerary.Day, len(dates))
	for i, d := range dates {
		days[i] = itinerary.Day{DayNumber: i + 1, Date: d}
	}
	return days
}
