package agents

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/exotic-travel-booking/itinerary-engine/internal/changeengine"
	"github.com/exotic-travel-booking/itinerary-engine/internal/docstore"
	"github.com/exotic-travel-booking/itinerary-engine/internal/eventbus"
	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
	"github.com/exotic-travel-booking/itinerary-engine/internal/places"
)

// coordEpsilon is the near-zero threshold a Search hit's coordinates must
// clear to be trusted; (0,0) and noise around it reads as "no coordinate
// found" rather than the Gulf of Guinea.
const coordEpsilon = 1e-4

// transitMinutesPerKm is the coarse pacing estimate for transit nodes
// without a provider-reported duration: ~12 minutes per kilometer.
const transitMinutesPerKm = 12.0

// EnrichmentAgent fills in place search/details and synthesizes tips for
// nodes that don't already carry them (spec.md §4.3).
type EnrichmentAgent struct {
	BaseAgent
	store    docstore.Store
	engine   *changeengine.Engine
	provider places.Provider
}

// NewEnrichmentAgent constructs the Enrichment agent.
func NewEnrichmentAgent(store docstore.Store, engine *changeengine.Engine, provider places.Provider, bus *eventbus.Bus) *EnrichmentAgent {
	return &EnrichmentAgent{
		BaseAgent: NewBaseAgent("enrichment-agent", KindEnrichment, Capabilities{
			SupportedTasks: []string{"enrich"}, Priority: 20,
		}, bus, store, engine),
		store:    store,
		engine:   engine,
		provider: provider,
	}
}

func (a *EnrichmentAgent) Run(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	return a.Execute(ctx, req, func(ctx context.Context, req TaskRequest, emit func(int, string, string)) (*TaskResult, error) {
		doc, err := a.store.Get(ctx, req.ItineraryID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, itinerary.NewError(itinerary.ErrItineraryNotFound, "itinerary not found", nil)
		}

		var ops []itinerary.ChangeOperation
		var enriched, degraded int
		for _, d := range doc.Days {
			var prevCoords *itinerary.Coordinates
			for _, n := range d.Nodes {
				if n.Locked {
					continue
				}
				partial := a.enrichNode(ctx, n, prevCoords)
				if partial != nil {
					ops = append(ops, itinerary.ChangeOperation{Op: itinerary.OpUpdate, ID: n.ID, Partial: partial})
					enriched++
				} else if a.provider != nil {
					degraded++
				}
				if validCoords(n.Location.Coordinates) {
					c := n.Location.Coordinates
					prevCoords = &c
				}
			}
		}

		emit(60, "enrich:apply", fmt.Sprintf("enriched %d nodes, %d degraded", enriched, degraded))

		if len(ops) == 0 {
			return &TaskResult{Message: "nothing to enrich"}, nil
		}
		cs := itinerary.ChangeSet{Ops: ops, Agent: a.ID(), Reason: "enrichment", Preferences: itinerary.DefaultPreferences()}
		if _, err := a.engine.ApplyWithDoc(ctx, doc, cs); err != nil {
			return nil, err
		}

		return &TaskResult{Message: fmt.Sprintf("enriched %d nodes", enriched)}, nil
	})
}

// enrichNode returns the partial update for n, or nil if there is nothing
// to add (already enriched, or the provider degraded). Coordinate
// validation and tip synthesis still run even without a places provider.
func (a *EnrichmentAgent) enrichNode(ctx context.Context, n itinerary.Node, prev *itinerary.Coordinates) map[string]interface{} {
	partial := map[string]interface{}{}

	searchable := n.Type != itinerary.NodeTypeAccommodation && n.Type != itinerary.NodeTypeTransport
	if a.provider != nil && searchable && (n.Location.PlaceID == "" || !validCoords(n.Location.Coordinates)) {
		query := searchQuery(n)
		if res, err := a.provider.Search(ctx, query); err == nil && res != nil {
			loc := map[string]interface{}{
				"name":    res.Name,
				"address": res.Address,
				"placeId": res.PlaceID,
				"rating":  res.Rating,
			}
			if validCoords(itinerary.Coordinates{Lat: res.Lat, Lng: res.Lng}) {
				loc["coordinates"] = map[string]interface{}{"lat": res.Lat, "lng": res.Lng}
			} // else left unset: near-zero noise isn't a real coordinate
			partial["location"] = loc

			if details, err := a.provider.Details(ctx, res.PlaceID); err == nil && details != nil {
				reviews := make([]map[string]interface{}, 0, len(details.Reviews))
				for _, r := range details.Reviews {
					reviews = append(reviews, map[string]interface{}{"author": r.Author, "text": r.Text, "rating": r.Rating})
				}
				partial["details"] = map[string]interface{}{
					"rating":  details.Rating,
					"reviews": reviews,
				}
				if len(details.OpeningHours) > 0 {
					partial["tips"] = map[string]interface{}{"warnings": openingHourWarnings(n, details.OpeningHours)}
				}
			}
		}
	}

	if tips := pacingTips(n, prev); len(tips) > 0 {
		existing, _ := partial["tips"].(map[string]interface{})
		if existing == nil {
			existing = map[string]interface{}{}
		}
		travel, _ := existing["travel"].([]string)
		existing["travel"] = append(travel, tips...)
		partial["tips"] = existing
	}

	if len(partial) == 0 {
		return nil
	}
	return partial
}

// validCoords rejects the zero value and noise tight around it: a Search
// hit that resolved to (0,0) means "place not found", not the Gulf of
// Guinea, so it's treated the same as unset.
func validCoords(c itinerary.Coordinates) bool {
	if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
		return false
	}
	if math.Abs(c.Lat) < coordEpsilon && math.Abs(c.Lng) < coordEpsilon {
		return false
	}
	return true
}

// searchQuery synthesizes a places-provider query from a node's title and
// category when no richer text is available.
func searchQuery(n itinerary.Node) string {
	parts := []string{n.Title}
	if n.Details.Category != "" {
		parts = append(parts, n.Details.Category)
	}
	if n.Location.Name != "" && n.Location.Name != n.Title {
		parts = append(parts, n.Location.Name)
	}
	return strings.Join(parts, " ")
}

func openingHourWarnings(n itinerary.Node, hours []string) []string {
	if n.Timing.StartTime == 0 {
		return nil
	}
	return []string{fmt.Sprintf("check opening hours before arrival: %s", strings.Join(hours, ", "))}
}

// pacingTips adds a coarse transit-time estimate to a transport node that
// has no duration of its own. It does not look at the time gap between
// consecutive nodes, so nodes scheduled too close together or too far
// apart get no tip.
func pacingTips(n itinerary.Node, prev *itinerary.Coordinates) []string {
	var tips []string
	if n.Type == itinerary.NodeTypeTransport && n.Timing.DurationMin == 0 && prev != nil && validCoords(n.Location.Coordinates) {
		km := haversineKm(*prev, n.Location.Coordinates)
		est := int(math.Ceil(km * transitMinutesPerKm))
		if est > 0 {
			tips = append(tips, fmt.Sprintf("estimated transit time: ~%d min", est))
		}
	}
	return tips
}

// haversineKm is the great-circle distance between two coordinates.
func haversineKm(a, b itinerary.Coordinates) float64 {
	const earthRadiusKm = 6371.0
	lat1, lat2 := a.Lat*math.Pi/180, b.Lat*math.Pi/180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
