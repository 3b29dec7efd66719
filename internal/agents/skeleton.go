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

// placeholderTitles gives the Skeleton Planner generic titles when the
// model call is unavailable — the pipeline's only stage that cannot
// degrade to "keep existing nodes" since there are no existing nodes yet.
var placeholderTitles = map[itinerary.NodeType]string{
	itinerary.NodeTypeAttraction:    "Morning Activity",
	itinerary.NodeTypeMeal:          "Local Meal",
	itinerary.NodeTypeTransport:     "Transit",
	itinerary.NodeTypeAccommodation: "Overnight Stay",
}

var skeletonDayCycle = []itinerary.NodeType{
	itinerary.NodeTypeAttraction,
	itinerary.NodeTypeMeal,
	itinerary.NodeTypeAttraction,
	itinerary.NodeTypeMeal,
	itinerary.NodeTypeTransport,
}

// SkeletonAgent generates 4-7 placeholder nodes per day, one day at a
// time, persisting each day immediately so subscribers observe incremental
// progress (spec.md §4.3).
type SkeletonAgent struct {
	BaseAgent
	store    docstore.Store
	engine   *changeengine.Engine
	provider providers.LLMProvider
}

// NewSkeletonAgent constructs the Skeleton Planner.
func NewSkeletonAgent(store docstore.Store, engine *changeengine.Engine, provider providers.LLMProvider, bus *eventbus.Bus) *SkeletonAgent {
	return &SkeletonAgent{
		BaseAgent: NewBaseAgent("skeleton-agent", KindSkeleton, Capabilities{
			SupportedTasks: []string{"skeleton"},
			Priority:       1,
		}, bus, store, engine),
		store:    store,
		engine:   engine,
		provider: provider,
	}
}

func (a *SkeletonAgent) Run(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	return a.Execute(ctx, req, func(ctx context.Context, req TaskRequest, emit func(int, string, string)) (*TaskResult, error) {
		doc, err := a.store.Get(ctx, req.ItineraryID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, itinerary.NewError(itinerary.ErrItineraryNotFound, "itinerary not found", nil)
		}

		total := len(doc.Days)
		for i, day := range doc.Days {
			emit(10+int(float64(i)/float64(total)*80), "skeleton:day", fmt.Sprintf("generating day %d", day.DayNumber))

			nodes := a.generateDay(ctx, day)
			ops := make([]itinerary.ChangeOperation, 0, len(nodes))
			after := ""
			for _, n := range nodes {
				node := n
				ops = append(ops, itinerary.ChangeOperation{Op: itinerary.OpInsert, After: after, Node: &node})
				after = node.ID
			}

			cs := itinerary.ChangeSet{
				Scope:       itinerary.ScopeDay,
				Day:         day.DayNumber,
				Ops:         ops,
				Agent:       a.ID(),
				Reason:      fmt.Sprintf("skeleton: seeded day %d", day.DayNumber),
				Preferences: itinerary.DefaultPreferences(),
			}
			result, err := a.engine.ApplyWithDoc(ctx, doc, cs)
			if err != nil {
				return nil, err
			}
			doc, err = a.store.Get(ctx, req.ItineraryID)
			if err != nil {
				return nil, err
			}
			_ = result
		}

		return &TaskResult{Message: fmt.Sprintf("skeleton generated for %d days", total)}, nil
	})
}

// generateDay builds the 4-7 placeholder nodes for one day. The model call
// is best-effort: the skeleton stage is the one pipeline stage whose
// failure aborts generate() (spec.md §4.4), so a model failure here falls
// back to a fixed cycle of generic placeholders rather than propagating.
func (a *SkeletonAgent) generateDay(ctx context.Context, day itinerary.Day) []itinerary.Node {
	if a.provider != nil {
		if nodes, ok := a.generateDayFromModel(ctx, day); ok {
			return nodes
		}
	}
	return a.fallbackDay(day)
}

func (a *SkeletonAgent) generateDayFromModel(ctx context.Context, day itinerary.Day) ([]itinerary.Node, bool) {
	prompt := fmt.Sprintf(
		"Produce a JSON array \"nodes\" of 4 to 7 placeholder itinerary stops for day %d (%s). "+
			"Each item has type (attraction|meal|transport|accommodation), title, startTime (HH:mm), durationMin.",
		day.DayNumber, day.Date)
	result, err := callModel(ctx, a.provider, prompt, decoder.Schema{Required: []string{"nodes"}}, day.Date)
	if err != nil || result == nil || !result.OK {
		return nil, false
	}
	rawNodes, ok := result.Data["nodes"].([]interface{})
	if !ok || len(rawNodes) == 0 {
		return nil, false
	}

	nodes := make([]itinerary.Node, 0, len(rawNodes))
	for i, raw := range rawNodes {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		nt := itinerary.NodeType(stringField(m, "type", "attraction"))
		title := stringField(m, "title", placeholderTitles[nt])
		node := itinerary.Node{
			ID:     fmt.Sprintf("day%d_node%d", day.DayNumber, i+1),
			Type:   nt,
			Title:  title,
			Status: itinerary.NodeStatusPlanned,
		}
		if st, ok := m["startTime"].(int64); ok {
			node.Timing.StartTime = st
		}
		if dur, ok := m["durationMin"].(int); ok {
			node.Timing.DurationMin = dur
		}
		nodes = append(nodes, node)
	}
	if len(nodes) < 4 {
		return nil, false
	}
	return nodes, true
}

func (a *SkeletonAgent) fallbackDay(day itinerary.Day) []itinerary.Node {
	nodes := make([]itinerary.Node, 0, len(skeletonDayCycle))
	for i, nt := range skeletonDayCycle {
		nodes = append(nodes, itinerary.Node{
			ID:     fmt.Sprintf("day%d_node%d", day.DayNumber, i+1),
			Type:   nt,
			Title:  placeholderTitles[nt],
			Status: itinerary.NodeStatusPlanned,
		})
	}
	return nodes
}

func stringField(m map[string]interface{}, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
