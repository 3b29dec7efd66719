package agents

import (
	"context"
	"fmt"

	"github.com/exotic-travel-booking/itinerary-engine/internal/booking"
	"github.com/exotic-travel-booking/itinerary-engine/internal/changeengine"
	"github.com/exotic-travel-booking/itinerary-engine/internal/docstore"
	"github.com/exotic-travel-booking/itinerary-engine/internal/eventbus"
	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
	"github.com/exotic-travel-booking/itinerary-engine/internal/payment"
)

// BookingAgent routes a node to the matching booking gateway, charges
// payment first, and refunds if the booking itself then fails (spec.md
// §4.3).
type BookingAgent struct {
	BaseAgent
	store   docstore.Store
	engine  *changeengine.Engine
	bookers booking.Gateway
	payer   payment.Gateway
}

// NewBookingAgent constructs the Booking agent.
func NewBookingAgent(store docstore.Store, engine *changeengine.Engine, bookers booking.Gateway, payer payment.Gateway, bus *eventbus.Bus) *BookingAgent {
	return &BookingAgent{
		BaseAgent: NewBaseAgent("booking-agent", KindBooking, Capabilities{
			SupportedTasks: []string{"book"}, Priority: 10, ChatEnabled: true,
		}, bus, store, engine),
		store:   store,
		engine:  engine,
		bookers: bookers,
		payer:   payer,
	}
}

func (a *BookingAgent) Run(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	return a.Execute(ctx, req, func(ctx context.Context, req TaskRequest, emit func(int, string, string)) (*TaskResult, error) {
		doc, err := a.store.Get(ctx, req.ItineraryID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, itinerary.NewError(itinerary.ErrItineraryNotFound, "itinerary not found", nil)
		}

		node, day, err := findNode(doc, req.NodeID)
		if err != nil {
			return nil, err
		}
		if node.Locked {
			return nil, itinerary.NewError(itinerary.ErrNodeLocked, fmt.Sprintf("node %s is locked", node.ID), nil)
		}

		bookingType := booking.Type(req.BookingType)
		if bookingType == "" {
			bookingType = inferBookingType(node.Type)
		}

		emit(30, "book:charge", "charging payment")
		charge, err := a.payer.Charge(ctx, payment.ChargeRequest{
			NodeID:   node.ID,
			Amount:   node.Cost.Amount,
			Currency: node.Cost.Currency,
			Method:   "default",
		})
		if err != nil || charge.Status != payment.StatusPaid {
			return nil, itinerary.WrapError(itinerary.ErrPaymentFailed, "payment failed", err)
		}

		emit(60, "book:reserve", fmt.Sprintf("booking %s", bookingType))
		result, bookErr := a.bookers.Book(ctx, booking.Request{
			BookingType: bookingType,
			NodeID:      node.ID,
			PlaceID:     node.Location.PlaceID,
			StartDate:   day.Date,
			Guests:      1,
			TotalPrice:  node.Cost.Amount,
			Currency:    node.Cost.Currency,
		})

		if bookErr != nil || result == nil || result.Status != booking.StatusConfirmed {
			emit(80, "book:refund", "booking failed after payment, refunding")
			_ = a.payer.Refund(ctx, charge.TransactionID)
			entry := map[string]interface{}{
				"bookingType":    string(bookingType),
				"paymentStatus":  string(payment.StatusRefunded),
				"bookingStatus":  string(booking.StatusCancelled),
				"transactionId":  charge.TransactionID,
			}
			cs := itinerary.ChangeSet{
				Ops: []itinerary.ChangeOperation{{
					Op: itinerary.OpUpdate, ID: node.ID,
					Partial: map[string]interface{}{"agentData": map[string]interface{}{"booking": entry}},
				}},
				Agent:       a.ID(),
				Reason:      "booking failed after payment; refunded",
				Preferences: itinerary.DefaultPreferences(),
			}
			if _, err := a.engine.ApplyWithDoc(ctx, doc, cs); err != nil {
				return nil, err
			}
			return nil, itinerary.WrapError(itinerary.ErrBookingFailed, "booking failed, payment refunded", bookErr)
		}

		entry := map[string]interface{}{
			"bookingType":    string(bookingType),
			"confirmationId": result.ConfirmationID,
			"paymentStatus":  string(charge.Status),
			"bookingStatus":  string(result.Status),
			"transactionId":  charge.TransactionID,
			"details":        result.Details,
		}
		partial := map[string]interface{}{"agentData": map[string]interface{}{"booking": entry}}
		if itinerary.CanTransitionTo(node.Status, itinerary.NodeStatusInProgress) {
			// Confirmed booking means reserved, not yet experienced.
			partial["status"] = string(itinerary.NodeStatusInProgress)
		}
		cs := itinerary.ChangeSet{
			Ops: []itinerary.ChangeOperation{{
				Op: itinerary.OpUpdate, ID: node.ID, Partial: partial,
			}},
			Agent:       a.ID(),
			Reason:      fmt.Sprintf("booked %s: %s", bookingType, result.ConfirmationID),
			Preferences: itinerary.DefaultPreferences(),
		}
		applyResult, err := a.engine.ApplyWithDoc(ctx, doc, cs)
		if err != nil {
			return nil, err
		}

		return &TaskResult{
			Message:     cs.Reason,
			ChangeSet:   &cs,
			ApplyResult: &applyResult.Diff,
		}, nil
	})
}

func inferBookingType(nt itinerary.NodeType) booking.Type {
	switch nt {
	case itinerary.NodeTypeAccommodation:
		return booking.TypeHotel
	case itinerary.NodeTypeTransport:
		return booking.TypeFlight
	default:
		return booking.TypeActivity
	}
}

func findNode(doc *itinerary.Itinerary, nodeID string) (itinerary.Node, itinerary.Day, error) {
	for _, d := range doc.Days {
		for _, n := range d.Nodes {
			if n.ID == nodeID {
				return n, d, nil
			}
		}
	}
	return itinerary.Node{}, itinerary.Day{}, itinerary.NewError(itinerary.ErrNodeNotFound, fmt.Sprintf("node %s not found", nodeID), nil)
}
