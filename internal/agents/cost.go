package agents

import (
	"context"
	"fmt"
	"math"

	"github.com/exotic-travel-booking/itinerary-engine/internal/changeengine"
	"github.com/exotic-travel-booking/itinerary-engine/internal/docstore"
	"github.com/exotic-travel-booking/itinerary-engine/internal/eventbus"
	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
)

// budgetTierFactor is the Cost Estimator's per-tier multiplier (spec.md
// §4.3): budget 0.6, medium 1.0, luxury 2.0.
var budgetTierFactor = map[itinerary.BudgetTier]float64{
	itinerary.BudgetTierBudget: 0.6,
	itinerary.BudgetTierMedium: 1.0,
	itinerary.BudgetTierLuxury: 2.0,
}

// baseCostTable is keyed by "type_category" (category falls back to the
// bare type name when a node has no details.category yet).
var baseCostTable = map[string]float64{
	"attraction_museum":       25,
	"attraction_landmark":     15,
	"attraction_outdoor":      10,
	"attraction":              20,
	"meal_fine_dining":        80,
	"meal_casual":             25,
	"meal_street_food":        10,
	"meal":                    25,
	"transport_taxi":          20,
	"transport_public":        5,
	"transport_rental":        60,
	"transport":               15,
	"accommodation_hotel":     150,
	"accommodation_hostel":    40,
	"accommodation":           120,
}

// CostAgent applies the static cost table, no model call (spec.md §4.3).
type CostAgent struct {
	BaseAgent
	store  docstore.Store
	engine *changeengine.Engine
}

// NewCostAgent constructs the Cost Estimator.
func NewCostAgent(store docstore.Store, engine *changeengine.Engine, bus *eventbus.Bus) *CostAgent {
	return &CostAgent{
		BaseAgent: NewBaseAgent("cost-agent", KindCost, Capabilities{
			SupportedTasks: []string{"estimate_costs"}, Priority: 50,
		}, bus, store, engine),
		store:  store,
		engine: engine,
	}
}

func (a *CostAgent) Run(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	return a.Execute(ctx, req, func(ctx context.Context, req TaskRequest, emit func(int, string, string)) (*TaskResult, error) {
		doc, err := a.store.Get(ctx, req.ItineraryID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, itinerary.NewError(itinerary.ErrItineraryNotFound, "itinerary not found", nil)
		}

		factor := budgetTierFactor[doc.BudgetTier]
		if factor == 0 {
			factor = budgetTierFactor[itinerary.BudgetTierMedium]
		}

		var ops []itinerary.ChangeOperation
		for _, d := range doc.Days {
			for _, n := range d.Nodes {
				if n.Cost.Amount != 0 || n.Locked {
					continue // fill cost.amount only when absent, and never touch a locked node
				}
				amount := estimateCost(n, factor)
				ops = append(ops, itinerary.ChangeOperation{
					Op: itinerary.OpUpdate, ID: n.ID,
					Partial: map[string]interface{}{"cost": map[string]interface{}{"amount": amount, "currency": doc.Currency, "per": "person"}},
				})
			}
		}

		emit(40, "cost:estimate", fmt.Sprintf("pricing %d nodes", len(ops)))

		if len(ops) > 0 {
			cs := itinerary.ChangeSet{Ops: ops, Agent: a.ID(), Reason: "cost estimate", Preferences: itinerary.DefaultPreferences()}
			if _, err := a.engine.ApplyWithDoc(ctx, doc, cs); err != nil {
				return nil, err
			}
			doc, err = a.store.Get(ctx, req.ItineraryID)
			if err != nil {
				return nil, err
			}
		}

		if err := a.recomputeDayTotals(ctx, doc); err != nil {
			return nil, err
		}

		return &TaskResult{Message: fmt.Sprintf("priced %d nodes", len(ops))}, nil
	})
}

func estimateCost(n itinerary.Node, factor float64) float64 {
	key := string(n.Type)
	if n.Details.Category != "" {
		key = string(n.Type) + "_" + n.Details.Category
	}
	base, ok := baseCostTable[key]
	if !ok {
		base = baseCostTable[string(n.Type)]
	}
	return roundTo50(base * factor)
}

func roundTo50(v float64) float64 {
	return math.Round(v/50) * 50
}

// recomputeDayTotals sums each day's node costs into day.totalCost. Day
// totals are a derived field outside the change-op model (ops target
// nodes, not days), so they're written straight back through the store
// rather than round-tripped through a ChangeSet: this isn't itinerary
// content subject to diffing/undo, just a cached sum refreshed after costs
// change. The read-modify-write still goes out through the store directly,
// so it's serialized under the engine's per-id lock (spec.md §5) rather
// than racing a concurrent Apply for the same itinerary.
func (a *CostAgent) recomputeDayTotals(ctx context.Context, doc *itinerary.Itinerary) error {
	unlock := a.engine.Lock(doc.ID)
	defer unlock()

	doc, err := a.store.Get(ctx, doc.ID)
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}

	changed := false
	for i, d := range doc.Days {
		var total float64
		for _, n := range d.Nodes {
			total += n.Cost.Amount
		}
		if doc.Days[i].TotalCost != total {
			doc.Days[i].TotalCost = total
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return a.store.Set(ctx, doc.ID, doc)
}
