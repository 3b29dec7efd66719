package changeengine

import "github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"

// diffTracker accumulates added/removed/updated node changes while ops
// execute against a working copy, then renders them into an itinerary.Diff.
type diffTracker struct {
	addedNodes   []itinerary.NodeChange
	removedNodes []itinerary.NodeChange
	updatedNodes map[string]*itinerary.NodeChange
	order        []string
}

func newDiffTracker() *diffTracker {
	return &diffTracker{updatedNodes: make(map[string]*itinerary.NodeChange)}
}

func (t *diffTracker) added(nodeID string, day int, title string) {
	t.addedNodes = append(t.addedNodes, itinerary.NodeChange{NodeID: nodeID, Day: day, Title: title})
}

func (t *diffTracker) removed(nodeID string, day int, title string) {
	t.removedNodes = append(t.removedNodes, itinerary.NodeChange{NodeID: nodeID, Day: day, Title: title})
}

func (t *diffTracker) updated(nodeID string, day int, title string, fields ...string) {
	if existing, ok := t.updatedNodes[nodeID]; ok {
		existing.Fields = mergeFields(existing.Fields, fields)
		if title != "" {
			existing.Title = title
		}
		return
	}
	t.updatedNodes[nodeID] = &itinerary.NodeChange{NodeID: nodeID, Day: day, Title: title, Fields: fields}
	t.order = append(t.order, nodeID)
}

func mergeFields(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, f := range existing {
		seen[f] = true
	}
	for _, f := range add {
		if !seen[f] {
			existing = append(existing, f)
			seen[f] = true
		}
	}
	return existing
}

func (t *diffTracker) diff() itinerary.Diff {
	updated := make([]itinerary.NodeChange, 0, len(t.order))
	for _, id := range t.order {
		updated = append(updated, *t.updatedNodes[id])
	}
	return itinerary.Diff{
		Added:   t.addedNodes,
		Removed: t.removedNodes,
		Updated: updated,
	}
}
