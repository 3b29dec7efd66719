// Package agents holds the Skeleton/Activity/Meal/Transport/Cost/
// Enrichment/Planner/Editor/Explainer/Booking specialists (spec.md §4.3) as
// a flat package, mirroring the teacher's flat internal/agents/specialist
// layout rather than one subpackage per agent.
package agents

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/exotic-travel-booking/itinerary-engine/internal/changeengine"
	"github.com/exotic-travel-booking/itinerary-engine/internal/docstore"
	"github.com/exotic-travel-booking/itinerary-engine/internal/eventbus"
	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
)

// Kind is the agentKind enum carried on every published event (spec.md §4.2).
type Kind string

const (
	KindPlanner    Kind = "PLANNER"
	KindEnrichment Kind = "ENRICHMENT"
	KindEditor     Kind = "EDITOR"
	KindBooking    Kind = "BOOKING"
	KindExplainer  Kind = "EXPLAINER"
	KindPlaces     Kind = "PLACES"
	KindSkeleton   Kind = "SKELETON"
	KindCost       Kind = "COST"
)

// fallbackTaskType derives a task type from an agentKind per spec.md §4.2's
// table, used when a request carries no explicit taskType.
func fallbackTaskType(k Kind) string {
	switch k {
	case KindBooking:
		return "book"
	case KindEditor:
		return "edit"
	case KindPlanner:
		return "plan"
	case KindExplainer:
		return "explain"
	case KindEnrichment:
		return "enrich"
	default:
		return string(k)
	}
}

// TaskRequest is the typed replacement for the teacher's free-form
// AgentRequest.Parameters map[string]interface{} (spec.md §4.2).
type TaskRequest struct {
	ExecID        string
	ItineraryID   string
	TaskType      string
	Day           int
	ChangeSetHint *itinerary.ChangeSet
	ChatMessage   string
	NodeID        string
	BookingType   string
	Metadata      map[string]interface{}
}

// TaskResult is what a specialist agent hands back to the orchestrator or
// chat router once its body has run.
type TaskResult struct {
	Message    string
	ChangeSet  *itinerary.ChangeSet
	ApplyResult *itinerary.Diff
	Data       map[string]interface{}
}

// Capabilities declares what an agent can do, per spec.md §4.2.
type Capabilities struct {
	SupportedTasks []string
	Priority       int
	ChatEnabled    bool
}

func (c Capabilities) supports(taskType string) bool {
	for _, t := range c.SupportedTasks {
		if t == taskType {
			return true
		}
	}
	return false
}

// Agent is the contract every specialist implements.
type Agent interface {
	ID() string
	Kind() Kind
	Capabilities() Capabilities
	Run(ctx context.Context, req TaskRequest) (*TaskResult, error)
}

// BaseAgent supplies the shared lifecycle (spec.md §4.2 steps 1-5): emit
// queued/running/completed/failed events through the bus, wrapped in an
// otel span, mirroring specialist.BaseAgent's ProcessRequest wrapper but
// replacing its ad hoc AgentMetrics counters with published lifecycle
// events (spec.md mandates subscribers observe state, not poll metrics).
type BaseAgent struct {
	id     string
	kind   Kind
	caps   Capabilities
	bus    *eventbus.Bus
	store  docstore.Store
	engine *changeengine.Engine

	tracer trace.Tracer
}

// NewBaseAgent constructs the shared agent scaffolding. store is used only
// to persist this agent's entry in Itinerary.Agents as its lifecycle
// progresses (spec.md §4.2); it may be nil in tests that don't care about
// that side channel. engine, when non-nil, serializes that persistence
// against the Change Engine's per-id lock (spec.md §5); pure-read agents
// (e.g. the Explainer) that never hold an engine reference pass nil.
func NewBaseAgent(id string, kind Kind, caps Capabilities, bus *eventbus.Bus, store docstore.Store, engine *changeengine.Engine) BaseAgent {
	if !caps.supports(fallbackTaskType(kind)) {
		caps.SupportedTasks = append(caps.SupportedTasks, fallbackTaskType(kind))
	}
	return BaseAgent{
		id:     id,
		kind:   kind,
		caps:   caps,
		bus:    bus,
		store:  store,
		engine: engine,
		tracer: otel.Tracer(fmt.Sprintf("agent.%s", kind)),
	}
}

func (b BaseAgent) ID() string               { return b.id }
func (b BaseAgent) Kind() Kind                { return b.kind }
func (b BaseAgent) Capabilities() Capabilities { return b.caps }

// body is the subclass-specific logic a specialist agent supplies; Execute
// wraps it with the full queued->running+->completed|failed lifecycle.
type body func(ctx context.Context, req TaskRequest, emit func(progress int, step, message string)) (*TaskResult, error)

// Execute runs the spec.md §4.2 lifecycle around fn: validates the task
// type against capabilities, emits queued/running/completed/failed events,
// and wraps the whole call in an otel span.
func (b BaseAgent) Execute(ctx context.Context, req TaskRequest, fn body) (*TaskResult, error) {
	ctx, span := b.tracer.Start(ctx, fmt.Sprintf("agent.%s.run", b.kind))
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.id", b.id),
		attribute.String("agent.kind", string(b.kind)),
		attribute.String("itinerary.id", req.ItineraryID),
	)

	taskType := req.TaskType
	if taskType == "" {
		taskType = fallbackTaskType(b.kind)
	}

	b.publish(req, "queued", 0, "", "")

	if !b.caps.supports(taskType) {
		err := itinerary.NewError(itinerary.ErrAgentCannotHandle,
			fmt.Sprintf("agent %s cannot handle task %q", b.id, taskType),
			map[string]interface{}{"agentId": b.id, "taskType": taskType})
		span.RecordError(err)
		b.publish(req, "failed", 0, "", err.Error())
		return nil, err
	}

	b.publish(req, "running", 10, "", "")

	result, err := fn(ctx, req, func(progress int, step, message string) {
		b.publish(req, "running", progress, step, message)
	})
	if err != nil {
		span.RecordError(err)
		b.publish(req, "failed", 100, "", err.Error())
		return nil, err
	}

	msg := ""
	if result != nil {
		msg = result.Message
	}
	b.publish(req, "completed", 100, "", msg)
	return result, nil
}

func (b BaseAgent) publish(req TaskRequest, status string, progress int, step, message string) {
	if b.bus != nil {
		eventType := "agent-progress"
		if status == "completed" || status == "failed" {
			eventType = "agent-complete"
		}
		b.bus.Publish(eventbus.Event{
			Family:      eventbus.FamilyAgent,
			Type:        eventType,
			ItineraryID: req.ItineraryID,
			Timestamp:   itinerary.Now(),
			Payload: map[string]interface{}{
				"agentId":     b.id,
				"agentKind":   string(b.kind),
				"status":      status,
				"progress":    progress,
				"message":     message,
				"step":        step,
				"timestamp":   itinerary.Now(),
				"itineraryId": req.ItineraryID,
				"execId":      req.ExecID,
			},
		})
	}
	b.persistStatus(req, status, progress, message, step)
}

// persistStatus writes this agent's entry in Itinerary.Agents directly
// through the store (not a ChangeSet: agent status is pipeline bookkeeping,
// not versioned itinerary content, so it must not bump Version or append a
// revision). It still goes through the Change Engine's per-id lock when one
// is available, since stage 2 runs several agents concurrently and each of
// them calls ApplyWithDoc against the same document (spec.md §5, §4.4) —
// without the lock this read-modify-write can clobber a sibling agent's
// just-committed apply. Best-effort otherwise: a client reloading
// mid-pipeline should see last-known state, but a failure here must never
// fail the agent's own task.
func (b BaseAgent) persistStatus(req TaskRequest, status string, progress int, message, step string) {
	if b.store == nil || req.ItineraryID == "" {
		return
	}
	if b.engine != nil {
		unlock := b.engine.Lock(req.ItineraryID)
		defer unlock()
	}
	ctx := context.Background()
	doc, err := b.store.Get(ctx, req.ItineraryID)
	if err != nil || doc == nil {
		return
	}
	if doc.Agents == nil {
		doc.Agents = map[string]itinerary.AgentStatusRecord{}
	}
	doc.Agents[b.id] = statusUpdate(itinerary.AgentState(status), progress, message, step)
	_ = b.store.Set(ctx, req.ItineraryID, doc)
}

// statusUpdate is the shape persisted under Itinerary.Agents[name].
func statusUpdate(state itinerary.AgentState, progress int, message, step string) itinerary.AgentStatusRecord {
	return itinerary.AgentStatusRecord{
		State:     state,
		Progress:  progress,
		Message:   message,
		Step:      step,
		UpdatedAt: itinerary.Now(),
	}
}
