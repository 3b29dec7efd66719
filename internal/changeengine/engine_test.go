package changeengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exotic-travel-booking/itinerary-engine/internal/docstore"
	"github.com/exotic-travel-booking/itinerary-engine/internal/eventbus"
	"github.com/exotic-travel-booking/itinerary-engine/internal/idempotency"
	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
)

func seedDoc(t *testing.T, store docstore.Store, id string) *itinerary.Itinerary {
	t.Helper()
	doc := &itinerary.Itinerary{
		ID:      id,
		Version: 1,
		Days: []itinerary.Day{
			{
				DayNumber: 1,
				Nodes: []itinerary.Node{
					{ID: "day1_node1", Type: itinerary.NodeTypeAttraction, Title: "Morning Activity", Status: itinerary.NodeStatusPlanned},
					{ID: "day1_node2", Type: itinerary.NodeTypeMeal, Title: "Lunch", Status: itinerary.NodeStatusPlanned},
				},
			},
			{
				DayNumber: 2,
				Nodes: []itinerary.Node{
					{ID: "day2_node1", Type: itinerary.NodeTypeAttraction, Title: "Day 2 Activity", Status: itinerary.NodeStatusPlanned},
				},
			},
		},
	}
	require.NoError(t, store.Set(context.Background(), id, doc))
	return doc
}

func newTestEngine() (*Engine, docstore.Store) {
	store := docstore.NewMemoryStore()
	bus := eventbus.New()
	idem := idempotency.New(idempotency.NewMemoryStore())
	return New(store, bus, idem), store
}

// Invariant 1: version bumps by exactly 1 and exactly one revision appended.
func TestApplyBumpsVersionAndAppendsOneRevision(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine()
	seedDoc(t, store, "it1")

	cs := itinerary.ChangeSet{
		Ops: []itinerary.ChangeOperation{
			{Op: itinerary.OpUpdate, ID: "day1_node1", Partial: map[string]interface{}{"title": "Updated"}},
		},
		Preferences: itinerary.DefaultPreferences(),
	}

	result, err := engine.Apply(ctx, "it1", cs)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ToVersion)

	revs, err := store.ListRevisions(ctx, "it1")
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, 1, revs[0].VersionNumber)

	doc, err := store.Get(ctx, "it1")
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version)
}

// Invariant 3: propose never mutates persisted state and is repeatable.
func TestProposeDoesNotMutateAndIsRepeatable(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine()
	seedDoc(t, store, "it1")

	cs := itinerary.ChangeSet{
		Ops: []itinerary.ChangeOperation{
			{Op: itinerary.OpDelete, ID: "day1_node2"},
		},
	}

	r1, err := engine.Propose(ctx, "it1", cs)
	require.NoError(t, err)
	r2, err := engine.Propose(ctx, "it1", cs)
	require.NoError(t, err)

	assert.Equal(t, r1.Diff, r2.Diff)

	doc, err := store.Get(ctx, "it1")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version)
	assert.Len(t, doc.Days[0].Nodes, 2, "propose must not persist the delete")
}

// Invariant 4: locked nodes reject agent-sourced ops, version unchanged.
func TestLockedNodeRejectsAgentOp(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine()
	seedDoc(t, store, "it1")

	doc, _ := store.Get(ctx, "it1")
	doc.Days[0].Nodes[0].Locked = true
	require.NoError(t, store.Set(ctx, "it1", doc))

	cs := itinerary.ChangeSet{
		Agent: "activity-agent",
		Ops: []itinerary.ChangeOperation{
			{Op: itinerary.OpDelete, ID: "day1_node1"},
		},
		Preferences: itinerary.Preferences{RespectLocks: true, UserFirst: false},
	}

	_, err := engine.Apply(ctx, "it1", cs)
	require.Error(t, err)
	kind, ok := itinerary.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, itinerary.ErrNodeLocked, kind)

	after, _ := store.Get(ctx, "it1")
	assert.Equal(t, 1, after.Version)
}

// A zero-value Preferences — what an agent-sourced ChangeSet actually
// carries unless it explicitly opts out — still rejects a locked node. This
// closes the gap where RespectLocks only got exercised when a test manually
// set it, which never would have caught a call site that forgot to.
func TestLockedNodeRejectsAgentOpWithZeroValuePreferences(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine()
	seedDoc(t, store, "it1")

	doc, _ := store.Get(ctx, "it1")
	doc.Days[0].Nodes[0].Locked = true
	require.NoError(t, store.Set(ctx, "it1", doc))

	cs := itinerary.ChangeSet{
		Agent: "activity-agent",
		Ops: []itinerary.ChangeOperation{
			{Op: itinerary.OpDelete, ID: "day1_node1"},
		},
	}

	_, err := engine.Apply(ctx, "it1", cs)
	require.Error(t, err)
	kind, ok := itinerary.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, itinerary.ErrNodeLocked, kind)

	after, _ := store.Get(ctx, "it1")
	assert.Equal(t, 1, after.Version)
}

// Invariant 5 (half): a stale baseVersion fails VERSION_CONFLICT.
func TestVersionConflict(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine()
	seedDoc(t, store, "it1")

	stale := 0
	cs := itinerary.ChangeSet{
		BaseVersion: &stale,
		Ops: []itinerary.ChangeOperation{
			{Op: itinerary.OpDelete, ID: "day1_node1"},
		},
	}

	_, err := engine.Apply(ctx, "it1", cs)
	require.Error(t, err)
	kind, ok := itinerary.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, itinerary.ErrVersionConflict, kind)
}

func TestNoOpsFails(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine()
	seedDoc(t, store, "it1")

	_, err := engine.Apply(ctx, "it1", itinerary.ChangeSet{})
	require.Error(t, err)
	kind, _ := itinerary.KindOf(err)
	assert.Equal(t, itinerary.ErrNoOps, kind)
}

// Invariant 2 + scenario S4: apply, apply, undo restores the pre-last-apply
// snapshot and the undo diff is the inverse of the last apply's diff.
func TestUndoRoundTrip(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine()
	seedDoc(t, store, "it1")

	_, err := engine.Apply(ctx, "it1", itinerary.ChangeSet{
		Ops: []itinerary.ChangeOperation{{Op: itinerary.OpUpdate, ID: "day1_node1", Partial: map[string]interface{}{"title": "A"}}},
	})
	require.NoError(t, err)
	docAtV2, err := store.Get(ctx, "it1")
	require.NoError(t, err)

	applyB, err := engine.Apply(ctx, "it1", itinerary.ChangeSet{
		Ops: []itinerary.ChangeOperation{{Op: itinerary.OpDelete, ID: "day1_node2"}},
	})
	require.NoError(t, err)

	undoResult, err := engine.Undo(ctx, "it1")
	require.NoError(t, err)
	assert.Equal(t, 4, undoResult.ToVersion)

	docAtV4, err := store.Get(ctx, "it1")
	require.NoError(t, err)
	assert.Equal(t, docAtV2.Days, docAtV4.Days, "version 4 must deep-equal version 2")

	revs, err := store.ListRevisions(ctx, "it1")
	require.NoError(t, err)
	assert.Len(t, revs, 3)

	assert.ElementsMatch(t, applyB.Diff.Removed, undoResult.Diff.Added)
}

func TestRollbackToEarlierVersion(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine()
	seedDoc(t, store, "it1")

	_, err := engine.Apply(ctx, "it1", itinerary.ChangeSet{
		Ops: []itinerary.ChangeOperation{{Op: itinerary.OpDelete, ID: "day1_node2"}},
	})
	require.NoError(t, err)

	result, err := engine.Rollback(ctx, "it1", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ToVersion)

	doc, err := store.Get(ctx, "it1")
	require.NoError(t, err)
	assert.Len(t, doc.Days[0].Nodes, 2, "day1_node2 should have been restored")
}

// Invariant 6: repeated idempotency-keyed applies within TTL are a single
// side effect and byte-equal response.
func TestIdempotentApplyIsSingleSideEffect(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine()
	seedDoc(t, store, "it1")

	cs := itinerary.ChangeSet{
		IdempotencyKey: "k1",
		Ops:            []itinerary.ChangeOperation{{Op: itinerary.OpDelete, ID: "day1_node2"}},
	}

	r1, err := engine.Apply(ctx, "it1", cs)
	require.NoError(t, err)
	r2, err := engine.Apply(ctx, "it1", cs)
	require.NoError(t, err)

	assert.Equal(t, r1, r2)

	doc, err := store.Get(ctx, "it1")
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version, "the second call must replay, not re-apply")
}

// Scenario S3: a reason-only change set (e.g. the Editor declining to
// re-propose a move onto a locked node) applies with no version bump and no
// new revision.
func TestZeroOpsChangeSetPerformsNoVersionBump(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine()
	seedDoc(t, store, "it1")

	cs := itinerary.ChangeSet{
		Agent:  "editor-agent",
		Reason: "day1_node1 is locked; leaving it where it is",
	}

	result, err := engine.Apply(ctx, "it1", cs)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ToVersion)
	assert.Empty(t, result.Diff.Added)
	assert.Empty(t, result.Diff.Removed)
	assert.Empty(t, result.Diff.Updated)

	doc, err := store.Get(ctx, "it1")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version)

	revs, err := store.ListRevisions(ctx, "it1")
	require.NoError(t, err)
	assert.Empty(t, revs, "a no-op apply must not append a revision")
}

func TestInsertGeneratesIDAndSplicesAfterTarget(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine()
	seedDoc(t, store, "it1")

	newNode := itinerary.Node{Type: itinerary.NodeTypeAttraction, Title: "Inserted"}
	result, err := engine.Apply(ctx, "it1", itinerary.ChangeSet{
		Ops: []itinerary.ChangeOperation{{Op: itinerary.OpInsert, After: "day1_node1", Node: &newNode}},
	})
	require.NoError(t, err)
	require.Len(t, result.Diff.Added, 1)
	assert.NotEmpty(t, result.Diff.Added[0].NodeID)

	doc, err := store.Get(ctx, "it1")
	require.NoError(t, err)
	require.Len(t, doc.Days[0].Nodes, 3)
	assert.Equal(t, "Inserted", doc.Days[0].Nodes[1].Title)
}

func TestInsertAfterMissingNodeFails(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine()
	seedDoc(t, store, "it1")

	newNode := itinerary.Node{Type: itinerary.NodeTypeAttraction, Title: "Inserted"}
	_, err := engine.Apply(ctx, "it1", itinerary.ChangeSet{
		Ops: []itinerary.ChangeOperation{{Op: itinerary.OpInsert, After: "does-not-exist", Node: &newNode}},
	})
	require.Error(t, err)
	kind, _ := itinerary.KindOf(err)
	assert.Equal(t, itinerary.ErrAfterNotFound, kind)
}

// A day-scoped insert with no After target prepends into the change set's
// own day, not always day 1 — exercised by agents (e.g. the Skeleton
// agent) that seed one day at a time starting from an empty day.
func TestInsertWithNoAfterTargetsItsOwnDay(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine()
	seedDoc(t, store, "it1")

	newNode := itinerary.Node{Type: itinerary.NodeTypeAttraction, Title: "Day 2 Seed"}
	_, err := engine.Apply(ctx, "it1", itinerary.ChangeSet{
		Scope: itinerary.ScopeDay,
		Day:   2,
		Ops:   []itinerary.ChangeOperation{{Op: itinerary.OpInsert, Node: &newNode}},
	})
	require.NoError(t, err)

	doc, err := store.Get(ctx, "it1")
	require.NoError(t, err)
	assert.Len(t, doc.Days[0].Nodes, 2, "day 1 must be untouched by a day-2-scoped insert")
	require.Len(t, doc.Days[1].Nodes, 2)
	assert.Equal(t, "Day 2 Seed", doc.Days[1].Nodes[0].Title)
}

func TestMoveToAnotherDayAppendsWithoutAfterNode(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine()
	seedDoc(t, store, "it1")

	toDay := 2
	_, err := engine.Apply(ctx, "it1", itinerary.ChangeSet{
		Ops: []itinerary.ChangeOperation{{Op: itinerary.OpMove, ID: "day1_node1", ToDay: &toDay}},
	})
	require.NoError(t, err)

	doc, err := store.Get(ctx, "it1")
	require.NoError(t, err)
	assert.Len(t, doc.Days[0].Nodes, 1)
	require.Len(t, doc.Days[1].Nodes, 2)
	assert.Equal(t, "day1_node1", doc.Days[1].Nodes[1].ID, "appended at the end of the destination day")
}
