package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exotic-travel-booking/itinerary-engine/internal/booking"
	"github.com/exotic-travel-booking/itinerary-engine/internal/changeengine"
	"github.com/exotic-travel-booking/itinerary-engine/internal/docstore"
	"github.com/exotic-travel-booking/itinerary-engine/internal/eventbus"
	"github.com/exotic-travel-booking/itinerary-engine/internal/idempotency"
	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
	"github.com/exotic-travel-booking/itinerary-engine/internal/payment"
)

func seedDoc(t *testing.T, store docstore.Store, id string) *itinerary.Itinerary {
	t.Helper()
	doc := &itinerary.Itinerary{
		ID:          id,
		Version:     1,
		Destination: "Lisbon",
		BudgetTier:  itinerary.BudgetTierMedium,
		Days: []itinerary.Day{
			{
				DayNumber: 1,
				Date:      "2026-08-01",
				Nodes: []itinerary.Node{
					{ID: "day1_node1", Type: itinerary.NodeTypeAttraction, Title: "Morning Activity", Status: itinerary.NodeStatusPlanned},
					{ID: "day1_node2", Type: itinerary.NodeTypeMeal, Title: "Lunch", Status: itinerary.NodeStatusPlanned,
						Cost: itinerary.Cost{Amount: 20, Currency: "USD"}},
				},
			},
		},
	}
	require.NoError(t, store.Set(context.Background(), id, doc))
	return doc
}

func newTestDeps() (docstore.Store, *eventbus.Bus, *changeengine.Engine) {
	store := docstore.NewMemoryStore()
	bus := eventbus.New()
	idem := idempotency.New(idempotency.NewMemoryStore())
	engine := changeengine.New(store, bus, idem)
	return store, bus, engine
}

// Registry dispatch picks the lowest-priority agent supporting a task type,
// filters by ChatEnabled when requireChat is set, and errors on an unknown
// task type (spec.md §4.2).
func TestRegistryDispatch(t *testing.T) {
	_, bus, engine := newTestDeps()
	store := docstore.NewMemoryStore()
	reg := NewRegistry()
	reg.Register(NewCostAgent(store, engine, bus))
	reg.Register(NewExplainerAgent(store, nil, bus))

	a, err := reg.Dispatch("estimate_costs", false)
	require.NoError(t, err)
	assert.Equal(t, "cost-agent", a.ID())

	_, err = reg.Dispatch("estimate_costs", true)
	require.Error(t, err, "CostAgent isn't ChatEnabled")
	kind, ok := itinerary.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, itinerary.ErrAgentCannotHandle, kind)

	a, err = reg.Dispatch("explain", true)
	require.NoError(t, err)
	assert.Equal(t, "explainer-agent", a.ID())

	_, err = reg.Dispatch("no-such-task", false)
	require.Error(t, err)
}

// BaseAgent.Execute publishes queued/running/completed over the bus and
// persists last-known state onto Itinerary.Agents via persistStatus,
// bypassing the change engine (no version bump) (spec.md §4.2).
func TestBaseAgentLifecyclePersistsStatusWithoutVersionBump(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	bus := eventbus.New()
	seedDoc(t, store, "it1")

	sub := bus.Subscribe("it1")
	defer sub.Unsubscribe()

	base := NewBaseAgent("test-agent", KindCost, Capabilities{SupportedTasks: []string{"noop"}}, bus, store, nil)
	_, err := base.Execute(ctx, TaskRequest{ItineraryID: "it1", TaskType: "noop"},
		func(ctx context.Context, req TaskRequest, emit func(int, string, string)) (*TaskResult, error) {
			emit(50, "step", "halfway")
			return &TaskResult{Message: "done"}, nil
		})
	require.NoError(t, err)

	doc, err := store.Get(ctx, "it1")
	require.NoError(t, err)
	require.Contains(t, doc.Agents, "test-agent")
	assert.Equal(t, itinerary.AgentStateCompleted, doc.Agents["test-agent"].State)
	assert.Equal(t, 1, doc.Version, "persisting agent status must not bump the itinerary version")

	var statuses []string
	for {
		select {
		case ev := <-sub.Events():
			payload := ev.Payload.(map[string]interface{})
			statuses = append(statuses, payload["status"].(string))
		default:
			goto done
		}
	}
done:
	assert.Contains(t, statuses, "queued")
	assert.Contains(t, statuses, "running")
	assert.Contains(t, statuses, "completed")
}

// Execute publishes failed and records the error when the task type isn't
// in the agent's capabilities, without invoking the body.
func TestBaseAgentRejectsUnsupportedTaskType(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore()
	seedDoc(t, store, "it1")
	base := NewBaseAgent("test-agent", KindCost, Capabilities{SupportedTasks: []string{"noop"}}, nil, store, nil)

	called := false
	_, err := base.Execute(ctx, TaskRequest{ItineraryID: "it1", TaskType: "other"},
		func(ctx context.Context, req TaskRequest, emit func(int, string, string)) (*TaskResult, error) {
			called = true
			return &TaskResult{}, nil
		})
	require.Error(t, err)
	assert.False(t, called)

	doc, err := store.Get(ctx, "it1")
	require.NoError(t, err)
	assert.Equal(t, itinerary.AgentStateFailed, doc.Agents["test-agent"].State)
}

// CostAgent estimates a cost for every node missing one and recomputes each
// day's TotalCost from its node costs (spec.md §4.3).
func TestCostAgentEstimatesAndRecomputesDayTotals(t *testing.T) {
	ctx := context.Background()
	store, bus, engine := newTestDeps()
	doc := &itinerary.Itinerary{
		ID: "it1", Version: 1, BudgetTier: itinerary.BudgetTierMedium,
		Days: []itinerary.Day{{
			DayNumber: 1,
			Nodes: []itinerary.Node{
				{ID: "day1_node1", Type: itinerary.NodeTypeAccommodation, Status: itinerary.NodeStatusPlanned},
				{ID: "day1_node2", Type: itinerary.NodeTypeMeal, Status: itinerary.NodeStatusPlanned,
					Cost: itinerary.Cost{Amount: 20, Currency: "USD"}},
			},
		}},
	}
	require.NoError(t, store.Set(ctx, "it1", doc))

	agent := NewCostAgent(store, engine, bus)
	_, err := agent.Run(ctx, TaskRequest{ItineraryID: "it1", TaskType: "estimate_costs"})
	require.NoError(t, err)

	after, err := store.Get(ctx, "it1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, after.Days[0].Nodes[0].Cost.Amount, "estimated from the base accommodation rate at the medium tier")
	assert.Equal(t, 20.0, after.Days[0].Nodes[1].Cost.Amount, "already-priced node is left untouched")

	var sum float64
	for _, n := range after.Days[0].Nodes {
		sum += n.Cost.Amount
	}
	assert.Equal(t, sum, after.Days[0].TotalCost)
}

// SkeletonAgent degrades to the fixed placeholder cycle when no model
// provider is configured, still seeding one day at a time through the
// change engine (spec.md §4.3, §4.4).
func TestSkeletonAgentFallsBackWithoutProvider(t *testing.T) {
	ctx := context.Background()
	store, bus, engine := newTestDeps()
	doc := &itinerary.Itinerary{
		ID:      "it1",
		Version: 1,
		Days:    []itinerary.Day{{DayNumber: 1, Date: "2026-08-01"}},
	}
	require.NoError(t, store.Set(ctx, "it1", doc))

	agent := NewSkeletonAgent(store, engine, nil, bus)
	_, err := agent.Run(ctx, TaskRequest{ItineraryID: "it1", TaskType: "skeleton"})
	require.NoError(t, err)

	after, err := store.Get(ctx, "it1")
	require.NoError(t, err)
	require.Len(t, after.Days[0].Nodes, len(skeletonDayCycle))
	assert.Equal(t, placeholderTitles[skeletonDayCycle[0]], after.Days[0].Nodes[0].Title)
}

// BookingAgent refuses to book a locked node without charging or booking.
func TestBookingAgentRejectsLockedNode(t *testing.T) {
	ctx := context.Background()
	store, bus, engine := newTestDeps()
	seedDoc(t, store, "it1")

	doc, _ := store.Get(ctx, "it1")
	doc.Days[0].Nodes[1].Locked = true
	require.NoError(t, store.Set(ctx, "it1", doc))

	agent := NewBookingAgent(store, engine, booking.NewMock(), payment.NewMock(), bus)
	_, err := agent.Run(ctx, TaskRequest{ItineraryID: "it1", TaskType: "book", NodeID: "day1_node2"})
	require.Error(t, err)
	kind, ok := itinerary.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, itinerary.ErrNodeLocked, kind)
}

// failingBookingGateway always charges (via the real payment.Mock) but
// fails the booking itself, exercising the refund-on-booking-failure path -
// the built-in booking.Mock always succeeds so this must be hand-rolled.
type failingBookingGateway struct{}

func (failingBookingGateway) Book(ctx context.Context, req booking.Request) (*booking.Result, error) {
	return nil, itinerary.NewError(itinerary.ErrModelUnavailable, "downstream gateway unavailable", nil)
}

func (failingBookingGateway) Cancel(ctx context.Context, confirmationID string) error { return nil }

// refundTrackingPaymentGateway wraps payment.Mock to record whether Refund
// was called and with which transaction id.
type refundTrackingPaymentGateway struct {
	*payment.Mock
	refunded string
}

func (p *refundTrackingPaymentGateway) Refund(ctx context.Context, transactionID string) error {
	p.refunded = transactionID
	return p.Mock.Refund(ctx, transactionID)
}

// BookingAgent charges first; when the booking itself then fails, it
// refunds the charge and records the cancelled/refunded outcome on the
// node rather than failing silently (spec.md §4.3).
func TestBookingAgentRefundsOnBookingFailure(t *testing.T) {
	ctx := context.Background()
	store, bus, engine := newTestDeps()
	seedDoc(t, store, "it1")

	payer := &refundTrackingPaymentGateway{Mock: payment.NewMock()}
	agent := NewBookingAgent(store, engine, failingBookingGateway{}, payer, bus)

	_, err := agent.Run(ctx, TaskRequest{ItineraryID: "it1", TaskType: "book", NodeID: "day1_node2"})
	require.Error(t, err)
	assert.Equal(t, "txn_day1_node2", payer.refunded, "the charge for this node must be refunded")

	doc, err := store.Get(ctx, "it1")
	require.NoError(t, err)
	node := doc.Days[0].Nodes[1]
	bookingData, _ := node.AgentData["booking"].(map[string]interface{})
	require.NotNil(t, bookingData)
	assert.Equal(t, string(payment.StatusRefunded), bookingData["paymentStatus"])
	assert.Equal(t, string(booking.StatusCancelled), bookingData["bookingStatus"])
}

// BookingAgent records a confirmation and payment/booking status on the
// node, and advances the node out of planned status on success.
func TestBookingAgentConfirmsAndRecordsDetails(t *testing.T) {
	ctx := context.Background()
	store, bus, engine := newTestDeps()
	seedDoc(t, store, "it1")

	agent := NewBookingAgent(store, engine, booking.NewMock(), payment.NewMock(), bus)
	result, err := agent.Run(ctx, TaskRequest{ItineraryID: "it1", TaskType: "book", NodeID: "day1_node2"})
	require.NoError(t, err)
	require.NotNil(t, result.ChangeSet)

	doc, err := store.Get(ctx, "it1")
	require.NoError(t, err)
	node := doc.Days[0].Nodes[1]
	bookingData, _ := node.AgentData["booking"].(map[string]interface{})
	require.NotNil(t, bookingData)
	assert.Equal(t, "conf_day1_node2", bookingData["confirmationId"])
	assert.Equal(t, string(booking.StatusConfirmed), bookingData["bookingStatus"])
}
