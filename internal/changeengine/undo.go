package changeengine

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/exotic-travel-booking/itinerary-engine/internal/eventbus"
	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
)

// Undo rolls the document to version-1 by applying the inverse of the last
// revision's diff, recording a new forward revision — history is never
// rewound in place (spec.md §4.1).
func (e *Engine) Undo(ctx context.Context, id string) (*ApplyResult, error) {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "changeengine.undo")
	defer span.End()
	span.SetAttributes(attribute.String("itinerary.id", id))

	doc, err := e.store.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if doc == nil {
		return nil, itinerary.NewError(itinerary.ErrItineraryNotFound, "itinerary not found", nil)
	}

	lastRev, err := e.lastRevision(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if lastRev == nil {
		return nil, itinerary.NewError(itinerary.ErrNodeNotFound, "no revision history to undo", nil)
	}

	restored := lastRev.Snapshot.Clone()
	restored.Version = doc.Version + 1
	restored.UpdatedAt = itinerary.Now()

	invDiff := invertDiff(lastRev.Diff)
	invDiff.ToVersion = restored.Version

	rev := itinerary.Revision{
		RevisionID:    uuid.NewString(),
		ItineraryID:   id,
		VersionNumber: doc.Version,
		CreatedBy:     "system:undo",
		CreatedAt:     itinerary.Now(),
		Description:   "undo",
		ChangeCount:   len(invDiff.Added) + len(invDiff.Removed) + len(invDiff.Updated),
		Snapshot:      *doc,
		Diff:          invDiff,
	}

	if err := e.persistWithRetry(ctx, id, restored, rev); err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.bus.Publish(eventbus.Event{
		Family:      eventbus.FamilyPatch,
		Type:        "patch_applied",
		ItineraryID: id,
		Payload:     map[string]interface{}{"toVersion": restored.Version, "diff": invDiff},
	})

	return &ApplyResult{ToVersion: restored.Version, Diff: invDiff}, nil
}

// Rollback writes a new revision whose state equals the snapshot recorded
// at targetVersion (spec.md §4.1). Like an ordinary apply, the written
// revision's VersionNumber is the current head version, whose state it
// snapshots, and the document moves to head+1.
func (e *Engine) Rollback(ctx context.Context, id string, targetVersion int) (*ApplyResult, error) {
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "changeengine.rollback")
	defer span.End()
	span.SetAttributes(attribute.String("itinerary.id", id), attribute.Int("target_version", targetVersion))

	doc, err := e.store.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if doc == nil {
		return nil, itinerary.NewError(itinerary.ErrItineraryNotFound, "itinerary not found", nil)
	}

	var target *itinerary.Itinerary
	if targetVersion == doc.Version {
		target = doc.Clone()
	} else {
		targetRev, err := e.store.GetRevisionByVersion(ctx, id, targetVersion)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if targetRev == nil {
			return nil, itinerary.NewError(itinerary.ErrNodeNotFound, "no revision recorded at target version", map[string]interface{}{"targetVersion": targetVersion})
		}
		target = targetRev.Snapshot.Clone()
	}

	restored := target.Clone()
	restored.Version = doc.Version + 1
	restored.UpdatedAt = itinerary.Now()

	diff := diffDocuments(doc, restored)
	diff.ToVersion = restored.Version

	rev := itinerary.Revision{
		RevisionID:    uuid.NewString(),
		ItineraryID:   id,
		VersionNumber: doc.Version,
		CreatedBy:     "system:rollback",
		CreatedAt:     itinerary.Now(),
		Description:   "rollback",
		ChangeCount:   len(diff.Added) + len(diff.Removed) + len(diff.Updated),
		Snapshot:      *doc,
		Diff:          diff,
	}

	if err := e.persistWithRetry(ctx, id, restored, rev); err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.bus.Publish(eventbus.Event{
		Family:      eventbus.FamilyPatch,
		Type:        "patch_applied",
		ItineraryID: id,
		Payload:     map[string]interface{}{"toVersion": restored.Version, "diff": diff},
	})

	return &ApplyResult{ToVersion: restored.Version, Diff: diff}, nil
}

func (e *Engine) lastRevision(ctx context.Context, id string) (*itinerary.Revision, error) {
	revs, err := e.store.ListRevisions(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(revs) == 0 {
		return nil, nil
	}
	last := revs[len(revs)-1]
	return &last, nil
}

// invertDiff swaps added/removed (an undo of an insert is a removal and
// vice versa) and keeps updated as-is — reverting a field change is still
// an update to that same node.
func invertDiff(d itinerary.Diff) itinerary.Diff {
	return itinerary.Diff{
		Added:   append([]itinerary.NodeChange(nil), d.Removed...),
		Removed: append([]itinerary.NodeChange(nil), d.Added...),
		Updated: append([]itinerary.NodeChange(nil), d.Updated...),
	}
}

// diffDocuments compares two full documents node-by-node, used by rollback
// where there is no single ChangeSet to read a diff from.
func diffDocuments(oldDoc, newDoc *itinerary.Itinerary) itinerary.Diff {
	oldNodes := nodeIndex(oldDoc)
	newNodes := nodeIndex(newDoc)

	var diff itinerary.Diff
	for id, n := range newNodes {
		if _, ok := oldNodes[id]; !ok {
			diff.Added = append(diff.Added, itinerary.NodeChange{NodeID: id, Day: n.day, Title: n.node.Title})
		}
	}
	for id, n := range oldNodes {
		if _, ok := newNodes[id]; !ok {
			diff.Removed = append(diff.Removed, itinerary.NodeChange{NodeID: id, Day: n.day, Title: n.node.Title})
		}
	}
	for id, n := range newNodes {
		old, ok := oldNodes[id]
		if !ok {
			continue
		}
		if old.node.UpdatedAt != n.node.UpdatedAt || old.node.Title != n.node.Title {
			diff.Updated = append(diff.Updated, itinerary.NodeChange{NodeID: id, Day: n.day, Title: n.node.Title, Fields: []string{"*"}})
		}
	}
	return diff
}

type indexedNode struct {
	day  int
	node itinerary.Node
}

func nodeIndex(doc *itinerary.Itinerary) map[string]indexedNode {
	out := make(map[string]indexedNode)
	for _, d := range doc.Days {
		for _, n := range d.Nodes {
			out[n.ID] = indexedNode{day: d.DayNumber, node: n}
		}
	}
	return out
}
