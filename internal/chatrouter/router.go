// Package chatrouter implements the Chat Router (spec.md §4.7): a single
// model call classifies intent, then dispatch hands off to the Change
// Engine's undo, the Explainer, the Booking agent, a disambiguation
// response, or the Editor/Planner. Grounded on the teacher's
// internal/api/handlers/ai_handler.go ChatRequest/ChatResponse shapes and
// specialist.SupervisorAgent.determineAgentPlan's keyword-routing
// fallback (used here when no model is wired or the model's reply does not
// decode to a known intent; a failed model call yields the ERROR intent).
package chatrouter

import (
	"context"
	"strings"

	"github.com/exotic-travel-booking/itinerary-engine/internal/agents"
	"github.com/exotic-travel-booking/itinerary-engine/internal/changeengine"
	"github.com/exotic-travel-booking/itinerary-engine/internal/decoder"
	"github.com/exotic-travel-booking/itinerary-engine/internal/docstore"
	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
	"github.com/exotic-travel-booking/itinerary-engine/internal/llm/providers"
)

// Intent is one of the classification outcomes spec.md §4.7 names.
type Intent string

const (
	IntentReplanToday   Intent = "REPLAN_TODAY"
	IntentMoveTime      Intent = "MOVE_TIME"
	IntentInsertPlace   Intent = "INSERT_PLACE"
	IntentDeleteNode    Intent = "DELETE_NODE"
	IntentReplaceNode   Intent = "REPLACE_NODE"
	IntentBookNode      Intent = "BOOK_NODE"
	IntentUndo          Intent = "UNDO"
	IntentExplain       Intent = "EXPLAIN"
	IntentDisambiguation Intent = "DISAMBIGUATION"
	IntentUnknown       Intent = "UNKNOWN"
	IntentError         Intent = "ERROR"
)

// ChatRequest is one turn of a chat-driven edit.
type ChatRequest struct {
	ItineraryID string
	Message     string
	Day         int
	NodeID      string
	BookingType string
	AutoApply   bool
}

// NodeCandidate is one disambiguation option surfaced to the caller.
type NodeCandidate struct {
	NodeID string `json:"nodeId"`
	Title  string `json:"title"`
	Day    int    `json:"day"`
}

// ChatResponse is the Chat Router's reply (spec.md §4.7).
type ChatResponse struct {
	Intent              Intent               `json:"intent"`
	Message             string               `json:"message"`
	ChangeSet           *itinerary.ChangeSet `json:"changeSet,omitempty"`
	Diff                *itinerary.Diff      `json:"diff,omitempty"`
	Applied             bool                 `json:"applied"`
	ToVersion           int                  `json:"toVersion,omitempty"`
	Warnings            []string             `json:"warnings,omitempty"`
	NeedsDisambiguation bool                 `json:"needsDisambiguation"`
	Candidates          []NodeCandidate      `json:"candidates,omitempty"`
	Errors              []string             `json:"errors,omitempty"`
}

// Router classifies intent and dispatches to the matching agent or Change
// Engine operation.
type Router struct {
	registry *agents.Registry
	engine   *changeengine.Engine
	store    docstore.Store
	provider providers.LLMProvider
}

// New constructs a Router.
func New(registry *agents.Registry, engine *changeengine.Engine, store docstore.Store, provider providers.LLMProvider) *Router {
	return &Router{registry: registry, engine: engine, store: store, provider: provider}
}

// Route classifies req.Message's intent and dispatches accordingly.
func (r *Router) Route(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	intent := r.classify(ctx, req)

	switch intent {
	case IntentUndo:
		return r.routeUndo(ctx, req)
	case IntentExplain:
		return r.routeTask(ctx, req, "explain", intent)
	case IntentBookNode:
		return r.routeTask(ctx, req, "book", intent)
	case IntentDisambiguation:
		return r.routeDisambiguation(ctx, req)
	case IntentReplanToday:
		return r.routeTask(ctx, req, "plan", intent)
	case IntentError:
		return &ChatResponse{Intent: intent, Errors: []string{"could not classify the request"}}, nil
	default:
		// MOVE_TIME, INSERT_PLACE, DELETE_NODE, REPLACE_NODE, UNKNOWN all
		// fall through to the Editor, which either produces a change set
		// or (for truly unintelligible input) a reason-only no-op.
		return r.routeTask(ctx, req, "edit", intent)
	}
}

func (r *Router) routeTask(ctx context.Context, req ChatRequest, taskType string, intent Intent) (*ChatResponse, error) {
	agent, err := r.registry.Dispatch(taskType, true)
	if err != nil {
		return &ChatResponse{Intent: intent, Errors: []string{err.Error()}}, nil
	}

	result, err := agent.Run(ctx, agents.TaskRequest{
		ItineraryID: req.ItineraryID,
		TaskType:    taskType,
		Day:         req.Day,
		NodeID:      req.NodeID,
		BookingType: req.BookingType,
		ChatMessage: req.Message,
	})
	if err != nil {
		return &ChatResponse{Intent: intent, Errors: []string{err.Error()}}, nil
	}

	resp := &ChatResponse{Intent: intent, Message: result.Message}
	if result.ChangeSet != nil {
		resp.ChangeSet = result.ChangeSet
	}
	if result.ApplyResult != nil {
		resp.Diff = result.ApplyResult
		resp.ToVersion = result.ApplyResult.ToVersion
		// The agent only reaches ApplyResult by calling the engine's apply
		// path (never propose), so its presence already means committed;
		// autoApply still gates whether the caller asked for that.
		resp.Applied = req.AutoApply
	}
	return resp, nil
}

func (r *Router) routeUndo(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	applyResult, err := r.engine.Undo(ctx, req.ItineraryID)
	if err != nil {
		return &ChatResponse{Intent: IntentUndo, Errors: []string{err.Error()}}, nil
	}
	return &ChatResponse{
		Intent:    IntentUndo,
		Message:   "last change undone",
		Diff:      &applyResult.Diff,
		ToVersion: applyResult.ToVersion,
		Applied:   true,
	}, nil
}

func (r *Router) routeDisambiguation(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	doc, err := r.store.Get(ctx, req.ItineraryID)
	if err != nil {
		return &ChatResponse{Intent: IntentDisambiguation, Errors: []string{err.Error()}}, nil
	}
	if doc == nil {
		return &ChatResponse{Intent: IntentDisambiguation, Errors: []string{"itinerary not found"}}, nil
	}

	needle := strings.ToLower(req.Message)
	var candidates []NodeCandidate
	for _, d := range doc.Days {
		for _, n := range d.Nodes {
			if strings.Contains(strings.ToLower(n.Title), needle) || needle == "" {
				candidates = append(candidates, NodeCandidate{NodeID: n.ID, Title: n.Title, Day: d.DayNumber})
			}
		}
	}
	return &ChatResponse{
		Intent:              IntentDisambiguation,
		Message:             "multiple nodes could match; please pick one",
		NeedsDisambiguation: true,
		Candidates:          candidates,
	}, nil
}

// classify asks the model for one of the intent labels; falls back to a
// keyword scan when no model is wired, mirroring
// specialist.SupervisorAgent.determineAgentPlan's fallback shape.
func (r *Router) classify(ctx context.Context, req ChatRequest) Intent {
	if r.provider == nil {
		return classifyByKeyword(req.Message)
	}

	prompt := "Classify the user's itinerary-editing request into exactly one intent: " +
		"REPLAN_TODAY, MOVE_TIME, INSERT_PLACE, DELETE_NODE, REPLACE_NODE, BOOK_NODE, UNDO, EXPLAIN, " +
		"DISAMBIGUATION, UNKNOWN. Respond with JSON {\"intent\": \"...\"}.\n\nRequest: " + req.Message

	genReq := &providers.GenerateRequest{
		Messages:    []providers.Message{{Role: "user", Content: prompt}},
		MaxTokens:   50,
		Temperature: 0.1,
	}
	resp, err := r.provider.GenerateResponse(ctx, genReq)
	if err != nil || len(resp.Choices) == 0 {
		return IntentError
	}

	result, err := decoder.Decode(ctx, resp.Choices[0].Message.Content, decoder.Schema{Required: []string{"intent"}}, "", nil)
	if err != nil || !result.OK {
		return classifyByKeyword(req.Message)
	}
	label, _ := result.Data["intent"].(string)
	if !validIntent(label) {
		return classifyByKeyword(req.Message)
	}
	return Intent(label)
}

func validIntent(label string) bool {
	switch Intent(label) {
	case IntentReplanToday, IntentMoveTime, IntentInsertPlace, IntentDeleteNode,
		IntentReplaceNode, IntentBookNode, IntentUndo, IntentExplain,
		IntentDisambiguation, IntentUnknown:
		return true
	default:
		return false
	}
}

// classifyByKeyword is the no-model fallback: a small keyword scan over
// the message, good enough to route the common cases without a model call.
func classifyByKeyword(message string) Intent {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "undo"):
		return IntentUndo
	case strings.Contains(m, "why") || strings.Contains(m, "explain"):
		return IntentExplain
	case strings.Contains(m, "book"):
		return IntentBookNode
	case strings.Contains(m, "replan") || strings.Contains(m, "redo the day"):
		return IntentReplanToday
	case strings.Contains(m, "move") || strings.Contains(m, "reschedule"):
		return IntentMoveTime
	case strings.Contains(m, "add") || strings.Contains(m, "insert"):
		return IntentInsertPlace
	case strings.Contains(m, "remove") || strings.Contains(m, "delete"):
		return IntentDeleteNode
	case strings.Contains(m, "replace") || strings.Contains(m, "swap"):
		return IntentReplaceNode
	default:
		return IntentUnknown
	}
}
