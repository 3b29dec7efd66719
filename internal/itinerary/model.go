// Package itinerary defines the versioned itinerary document model: the
// aggregate root (Itinerary), its Days and Nodes, the append-only Revision
// history, and the ChangeSet/ChangeOperation/Diff types the change engine
// operates on.
package itinerary

import "time"

// BudgetTier drives the Cost Estimator's per-category multiplier.
type BudgetTier string

const (
	BudgetTierBudget BudgetTier = "budget"
	BudgetTierMedium BudgetTier = "medium"
	BudgetTierLuxury BudgetTier = "luxury"
)

// Scope selects whether a ChangeSet targets the whole trip or a single day.
type Scope string

const (
	ScopeTrip Scope = "trip"
	ScopeDay  Scope = "day"
)

// NodeType enumerates the kinds of itinerary node.
type NodeType string

const (
	NodeTypeAttraction   NodeType = "attraction"
	NodeTypeMeal         NodeType = "meal"
	NodeTypeAccommodation NodeType = "accommodation"
	NodeTypeTransport    NodeType = "transport"
)

// NodeStatus is the node lifecycle state.
type NodeStatus string

const (
	NodeStatusPlanned    NodeStatus = "planned"
	NodeStatusInProgress NodeStatus = "in_progress"
	NodeStatusSkipped    NodeStatus = "skipped"
	NodeStatusCancelled  NodeStatus = "cancelled"
	NodeStatusCompleted  NodeStatus = "completed"
)

// nodeStatusTransitions is the state machine from spec.md §4.3: planned ->
// {in_progress, skipped, cancelled}; in_progress -> {completed, cancelled};
// completed/cancelled/skipped are terminal.
var nodeStatusTransitions = map[NodeStatus]map[NodeStatus]bool{
	NodeStatusPlanned: {
		NodeStatusInProgress: true,
		NodeStatusSkipped:    true,
		NodeStatusCancelled:  true,
	},
	NodeStatusInProgress: {
		NodeStatusCompleted: true,
		NodeStatusCancelled: true,
	},
	NodeStatusCompleted: {},
	NodeStatusCancelled: {},
	NodeStatusSkipped:   {},
}

// CanTransitionTo reports whether prev -> next is a legal node status
// transition. The zero value of prev ("") is treated as an entry point into
// "planned" only, for nodes that have never had a status written.
func CanTransitionTo(prev, next NodeStatus) bool {
	if prev == "" {
		return next == NodeStatusPlanned
	}
	if prev == next {
		return false
	}
	allowed, ok := nodeStatusTransitions[prev]
	if !ok {
		return false
	}
	return allowed[next]
}

// IsTerminal reports whether status has no outgoing transitions.
func IsTerminal(status NodeStatus) bool {
	allowed, ok := nodeStatusTransitions[status]
	return ok && len(allowed) == 0
}

// AgentState is the lifecycle state an agent publishes for itself.
type AgentState string

const (
	AgentStateQueued    AgentState = "queued"
	AgentStateRunning   AgentState = "running"
	AgentStateCompleted AgentState = "completed"
	AgentStateFailed    AgentState = "failed"
)

// AgentStatusRecord is the persisted, last-known status of a named agent on
// an itinerary — the concrete shape behind Itinerary.Agents[name].
type AgentStatusRecord struct {
	State     AgentState `json:"state"`
	Progress  int        `json:"progress"`
	Message   string     `json:"message,omitempty"`
	Step      string     `json:"step,omitempty"`
	UpdatedAt int64      `json:"updatedAt"`
}

// Party describes trip headcount; carried next to destination/dates. The
// agents in this repository do not read it when sizing or pricing nodes.
type Party struct {
	Adults    int   `json:"adults"`
	Children  int   `json:"children,omitempty"`
	ChildAges []int `json:"childAges,omitempty"`
}

// Settings holds per-itinerary policy defaults.
type Settings struct {
	AutoApply    bool  `json:"autoApply"`
	DefaultScope Scope `json:"defaultScope"`
}

// Coordinates is a lat/lng pair.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Location is the place-shaped payload attached to a node.
type Location struct {
	Name             string      `json:"name"`
	Address          string      `json:"address,omitempty"`
	Coordinates      Coordinates `json:"coordinates"`
	PlaceID          string      `json:"placeId,omitempty"`
	Photos           []string    `json:"photos,omitempty"`
	Rating           float64     `json:"rating,omitempty"`
	UserRatingsTotal int         `json:"userRatingsTotal,omitempty"`
	PriceLevel       int         `json:"priceLevel,omitempty"`
}

// Timing holds a node's scheduled window, in epoch-ms. Zero means unset.
type Timing struct {
	StartTime   int64 `json:"startTime,omitempty"`
	EndTime     int64 `json:"endTime,omitempty"`
	DurationMin int   `json:"durationMin,omitempty"`
}

// Cost is a node's price, in the trip's currency unless overridden.
type Cost struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
	Per      string  `json:"per,omitempty"` // "person", "group", ...
}

// Details carries enrichment and descriptive data.
type Details struct {
	Rating      float64  `json:"rating,omitempty"`
	Category    string   `json:"category,omitempty"`
	Description string   `json:"description,omitempty"`
	Reviews     []Review `json:"reviews,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Review is a single de-duplicated (by author) place review.
type Review struct {
	Author string  `json:"author"`
	Text   string  `json:"text,omitempty"`
	Rating float64 `json:"rating,omitempty"`
}

// Tips are synthesized advisory strings attached by the Enrichment agent.
type Tips struct {
	Warnings []string `json:"warnings,omitempty"`
	Travel   []string `json:"travel,omitempty"`
	General  []string `json:"general,omitempty"`
}

// Links are outbound references attached to a node.
type Links struct {
	Booking string `json:"booking,omitempty"`
	Website string `json:"website,omitempty"`
	Reviews string `json:"reviews,omitempty"`
}

// Node is an atomic itinerary item.
type Node struct {
	ID        string                 `json:"id"`
	Type      NodeType               `json:"type"`
	Title     string                 `json:"title"`
	Location  Location               `json:"location"`
	Timing    Timing                 `json:"timing"`
	Cost      Cost                   `json:"cost"`
	Details   Details                `json:"details"`
	Labels    []string               `json:"labels,omitempty"`
	Tips      Tips                   `json:"tips,omitempty"`
	Links     Links                  `json:"links,omitempty"`
	Locked    bool                   `json:"locked"`
	Status    NodeStatus             `json:"status"`
	UpdatedBy string                 `json:"updatedBy,omitempty"`
	UpdatedAt int64                  `json:"updatedAt,omitempty"`
	AgentData map[string]interface{} `json:"agentData,omitempty"`
}

// Edge connects two nodes within a day, optionally carrying transit info.
type Edge struct {
	From    string      `json:"from"`
	To      string      `json:"to"`
	Transit interface{} `json:"transit,omitempty"`
}

// Day is one calendar day of the trip.
type Day struct {
	DayNumber int      `json:"dayNumber"`
	Date      string   `json:"date"` // ISO-8601 date
	Location  string   `json:"location,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	TotalCost float64  `json:"totalCost,omitempty"`
	Nodes     []Node   `json:"nodes"`
	Edges     []Edge   `json:"edges,omitempty"`
}

// Itinerary is the aggregate root. Single-writer per id through the change
// engine; never deleted by the core.
type Itinerary struct {
	ID          string                       `json:"id"`
	Version     int                          `json:"version"`
	UserID      string                       `json:"userId"`
	Destination string                       `json:"destination"`
	StartDate   string                       `json:"startDate"`
	EndDate     string                       `json:"endDate"`
	Themes      []string                     `json:"themes,omitempty"`
	Currency    string                       `json:"currency,omitempty"`
	Party       Party                        `json:"party,omitempty"`
	BudgetTier  BudgetTier                   `json:"budgetTier,omitempty"`
	Days        []Day                        `json:"days"`
	Settings    Settings                     `json:"settings"`
	Agents      map[string]AgentStatusRecord `json:"agents,omitempty"`
	CreatedAt   int64                        `json:"createdAt"`
	UpdatedAt   int64                        `json:"updatedAt"`
}

// Clone returns a deep copy of the itinerary, safe to hand to a caller as a
// "working copy" or a revision snapshot.
func (it *Itinerary) Clone() *Itinerary {
	if it == nil {
		return nil
	}
	out := *it
	out.Themes = append([]string(nil), it.Themes...)
	out.Party.ChildAges = append([]int(nil), it.Party.ChildAges...)
	out.Days = make([]Day, len(it.Days))
	for i, d := range it.Days {
		out.Days[i] = d.clone()
	}
	if it.Agents != nil {
		out.Agents = make(map[string]AgentStatusRecord, len(it.Agents))
		for k, v := range it.Agents {
			out.Agents[k] = v
		}
	}
	return &out
}

func (d Day) clone() Day {
	out := d
	out.Nodes = make([]Node, len(d.Nodes))
	for i, n := range d.Nodes {
		out.Nodes[i] = n.clone()
	}
	out.Edges = append([]Edge(nil), d.Edges...)
	return out
}

func (n Node) clone() Node {
	out := n
	out.Labels = append([]string(nil), n.Labels...)
	out.Location.Photos = append([]string(nil), n.Location.Photos...)
	out.Details.Reviews = append([]Review(nil), n.Details.Reviews...)
	out.Details.Tags = append([]string(nil), n.Details.Tags...)
	out.Tips.Warnings = append([]string(nil), n.Tips.Warnings...)
	out.Tips.Travel = append([]string(nil), n.Tips.Travel...)
	out.Tips.General = append([]string(nil), n.Tips.General...)
	if n.AgentData != nil {
		out.AgentData = make(map[string]interface{}, len(n.AgentData))
		for k, v := range n.AgentData {
			out.AgentData[k] = v
		}
	}
	return out
}

// FindNode locates a node by id anywhere in the document, returning its day
// index, node index, and whether it was found.
func (it *Itinerary) FindNode(id string) (dayIdx, nodeIdx int, found bool) {
	for di := range it.Days {
		for ni := range it.Days[di].Nodes {
			if it.Days[di].Nodes[ni].ID == id {
				return di, ni, true
			}
		}
	}
	return 0, 0, false
}

// Now returns the current time in epoch-ms. A package variable so tests can
// stub it; the production default is wall-clock.
var Now = func() int64 { return time.Now().UnixMilli() }

// DateRange returns every ISO-8601 date from start to end, inclusive. An
// unparseable or empty range yields a single-day slice so callers always
// get at least one Day to seed.
func DateRange(start, end string) []string {
	s, err1 := time.Parse("2006-01-02", start)
	e, err2 := time.Parse("2006-01-02", end)
	if err1 != nil || err2 != nil || e.Before(s) {
		if start != "" {
			return []string{start}
		}
		return []string{s.Format("2006-01-02")}
	}
	var dates []string
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format("2006-01-02"))
	}
	return dates
}
