package itinerary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionTo(t *testing.T) {
	assert.True(t, CanTransitionTo("", NodeStatusPlanned))
	assert.False(t, CanTransitionTo("", NodeStatusCompleted))

	assert.True(t, CanTransitionTo(NodeStatusPlanned, NodeStatusInProgress))
	assert.True(t, CanTransitionTo(NodeStatusPlanned, NodeStatusSkipped))
	assert.True(t, CanTransitionTo(NodeStatusPlanned, NodeStatusCancelled))
	assert.False(t, CanTransitionTo(NodeStatusPlanned, NodeStatusCompleted))

	assert.True(t, CanTransitionTo(NodeStatusInProgress, NodeStatusCompleted))
	assert.True(t, CanTransitionTo(NodeStatusInProgress, NodeStatusCancelled))
	assert.False(t, CanTransitionTo(NodeStatusInProgress, NodeStatusPlanned))

	for _, terminal := range []NodeStatus{NodeStatusCompleted, NodeStatusCancelled, NodeStatusSkipped} {
		assert.True(t, IsTerminal(terminal))
		assert.False(t, CanTransitionTo(terminal, NodeStatusPlanned))
	}
}

func TestItineraryCloneIsDeep(t *testing.T) {
	it := &Itinerary{
		ID:      "it1",
		Version: 1,
		Days: []Day{
			{
				DayNumber: 1,
				Nodes: []Node{
					{ID: "day1_node1", Labels: []string{"a"}},
				},
			},
		},
		Agents: map[string]AgentStatusRecord{
			"skeleton": {State: AgentStateCompleted},
		},
	}

	clone := it.Clone()
	require.Equal(t, it.Days[0].Nodes[0].ID, clone.Days[0].Nodes[0].ID)

	clone.Days[0].Nodes[0].Labels[0] = "mutated"
	clone.Agents["skeleton"] = AgentStatusRecord{State: AgentStateFailed}

	assert.Equal(t, "a", it.Days[0].Nodes[0].Labels[0], "mutating the clone must not affect the original")
	assert.Equal(t, AgentStateCompleted, it.Agents["skeleton"].State)
}

func TestFindNode(t *testing.T) {
	it := &Itinerary{
		Days: []Day{
			{DayNumber: 1, Nodes: []Node{{ID: "day1_node1"}, {ID: "day1_node2"}}},
			{DayNumber: 2, Nodes: []Node{{ID: "day2_node1"}}},
		},
	}

	di, ni, found := it.FindNode("day2_node1")
	require.True(t, found)
	assert.Equal(t, 1, di)
	assert.Equal(t, 0, ni)

	_, _, found = it.FindNode("missing")
	assert.False(t, found)
}

func TestErrorWrapping(t *testing.T) {
	cause := assert.AnError
	err := WrapError(ErrWriteConflict, "storage busy", cause)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrWriteConflict, kind)
	assert.ErrorIs(t, err, cause)
}
