package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/exotic-travel-booking/itinerary-engine/internal/changeengine"
	"github.com/exotic-travel-booking/itinerary-engine/internal/decoder"
	"github.com/exotic-travel-booking/itinerary-engine/internal/docstore"
	"github.com/exotic-travel-booking/itinerary-engine/internal/eventbus"
	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
	"github.com/exotic-travel-booking/itinerary-engine/internal/llm/providers"
)

// summaryCharBudget approximates the ~2000-token summary truncation
// (spec.md §4.3) at roughly 4 chars/token.
const summaryCharBudget = 8000

// editor is the shared shape behind Planner and Editor: summarize, prompt
// for a change set, post-process times, pre-validate locks, apply.
type editor struct {
	BaseAgent
	store    docstore.Store
	engine   *changeengine.Engine
	provider providers.LLMProvider
	replan   bool // true for Planner (REPLAN_TODAY), false for targeted edits
}

func (e *editor) run(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	return e.Execute(ctx, req, func(ctx context.Context, req TaskRequest, emit func(int, string, string)) (*TaskResult, error) {
		doc, err := e.store.Get(ctx, req.ItineraryID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, itinerary.NewError(itinerary.ErrItineraryNotFound, "itinerary not found", nil)
		}

		emit(30, "edit:summarize", "building itinerary summary")
		summary := summarizeItinerary(doc, req.Day, e.replan)
		prompt := e.buildPrompt(summary, req)

		result, err := callModel(ctx, e.provider, prompt, decoder.Schema{
			Required:   []string{"ops", "reason"},
			Properties: map[string]string{"ops": "array", "reason": "string"},
		}, dayDateFor(doc, req.Day))
		if err != nil {
			return nil, err
		}

		ops, err := opsFromModel(result.Data["ops"])
		if err != nil {
			return nil, itinerary.WrapError(itinerary.ErrModelUnparseable, "model change set did not match the op schema", err)
		}
		reason, _ := result.Data["reason"].(string)

		emit(70, "edit:validate", fmt.Sprintf("validating %d ops", len(ops)))

		if locked := lockedTargets(doc, ops); len(locked) > 0 {
			cs := itinerary.ChangeSet{
				Agent:       e.ID(),
				Reason:      fmt.Sprintf("declined: node(s) %s are locked; %s", strings.Join(locked, ", "), reason),
				Preferences: itinerary.DefaultPreferences(),
			}
			applyResult, err := e.engine.ApplyWithDoc(ctx, doc, cs)
			if err != nil {
				return nil, err
			}
			return &TaskResult{Message: cs.Reason, ChangeSet: &cs, ApplyResult: &applyResult.Diff}, nil
		}

		cs := itinerary.ChangeSet{
			Scope:       scopeFor(req),
			Day:         req.Day,
			Ops:         ops,
			Agent:       e.ID(),
			Reason:      reason,
			Preferences: itinerary.DefaultPreferences(),
		}
		applyResult, err := e.engine.ApplyWithDoc(ctx, doc, cs)
		if err != nil {
			return nil, err
		}

		return &TaskResult{
			Message:     reason,
			ChangeSet:   &cs,
			ApplyResult: &applyResult.Diff,
		}, nil
	})
}

func scopeFor(req TaskRequest) itinerary.Scope {
	if req.Day > 0 {
		return itinerary.ScopeDay
	}
	return itinerary.ScopeTrip
}

func (e *editor) buildPrompt(summary string, req TaskRequest) string {
	var b strings.Builder
	if e.replan {
		b.WriteString("Replan the day below from scratch, keeping any locked nodes untouched. ")
	} else {
		b.WriteString("Edit the itinerary below to satisfy the request, touching only what's necessary. ")
	}
	b.WriteString("Respond with JSON {\"ops\": [...], \"reason\": \"...\"}. ")
	b.WriteString("Each op has \"op\" (insert|delete|move|replace|update), \"id\" for the target node, ")
	b.WriteString("\"after\"/\"node\" for insert, \"partial\" for update, \"toDay\"/\"startTime\"/\"afterNode\" for move. ")
	b.WriteString("Use only the node ids shown below; do not invent ids.\n\n")
	b.WriteString(summary)
	if req.ChatMessage != "" {
		b.WriteString("\n\nRequest: ")
		b.WriteString(req.ChatMessage)
	}
	return b.String()
}

// summarizeItinerary renders a truncated, id-bearing summary of the
// itinerary (or one day of it) for the prompt.
func summarizeItinerary(doc *itinerary.Itinerary, onlyDay int, replan bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Destination: %s (%s to %s), budget tier %s\n", doc.Destination, doc.StartDate, doc.EndDate, doc.BudgetTier)
	for _, d := range doc.Days {
		if onlyDay > 0 && d.DayNumber != onlyDay {
			continue
		}
		fmt.Fprintf(&b, "Day %d (%s):\n", d.DayNumber, d.Date)
		for _, n := range d.Nodes {
			lock := ""
			if n.Locked {
				lock = " [locked]"
			}
			fmt.Fprintf(&b, "  - %s: %s (%s)%s\n", n.ID, n.Title, n.Type, lock)
		}
		if b.Len() > summaryCharBudget {
			break
		}
	}
	s := b.String()
	if len(s) > summaryCharBudget {
		s = s[:summaryCharBudget] + "\n...(truncated)"
	}
	return s
}

func dayDateFor(doc *itinerary.Itinerary, dayNumber int) string {
	for _, d := range doc.Days {
		if d.DayNumber == dayNumber {
			return d.Date
		}
	}
	if len(doc.Days) > 0 {
		return doc.Days[0].Date
	}
	return ""
}

// opsFromModel round-trips the decoder's generic JSON value back through
// encoding/json into the typed ChangeOperation shape.
func opsFromModel(raw interface{}) ([]itinerary.ChangeOperation, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var ops []itinerary.ChangeOperation
	if err := json.Unmarshal(b, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// lockedTargets returns the ids of any locked nodes the ops would touch.
func lockedTargets(doc *itinerary.Itinerary, ops []itinerary.ChangeOperation) []string {
	locked := make(map[string]bool)
	for _, d := range doc.Days {
		for _, n := range d.Nodes {
			if n.Locked {
				locked[n.ID] = true
			}
		}
	}
	seen := map[string]bool{}
	var out []string
	for _, op := range ops {
		for _, id := range []string{op.ID, op.After, op.From, op.To} {
			if id != "" && locked[id] && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// PlannerAgent handles REPLAN_TODAY: regenerate a day's plan wholesale.
type PlannerAgent struct{ *editor }

func NewPlannerAgent(store docstore.Store, engine *changeengine.Engine, provider providers.LLMProvider, bus *eventbus.Bus) *PlannerAgent {
	e := &editor{store: store, engine: engine, provider: provider, replan: true}
	e.BaseAgent = NewBaseAgent("planner-agent", KindPlanner, Capabilities{
		SupportedTasks: []string{"plan"}, Priority: 10, ChatEnabled: true,
	}, bus, store, engine)
	return &PlannerAgent{e}
}

func (a *PlannerAgent) Run(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	return a.run(ctx, req)
}

// EditorAgent handles targeted chat edits (move/insert/delete/replace).
type EditorAgent struct{ *editor }

func NewEditorAgent(store docstore.Store, engine *changeengine.Engine, provider providers.LLMProvider, bus *eventbus.Bus) *EditorAgent {
	e := &editor{store: store, engine: engine, provider: provider, replan: false}
	e.BaseAgent = NewBaseAgent("editor-agent", KindEditor, Capabilities{
		SupportedTasks: []string{"edit"}, Priority: 10, ChatEnabled: true,
	}, bus, store, engine)
	return &EditorAgent{e}
}

func (a *EditorAgent) Run(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	return a.run(ctx, req)
}
