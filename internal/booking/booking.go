// Package booking is the out-of-scope hotel/flight/activity booking
// gateway collaborator boundary the Booking agent routes to (spec.md
// §4.3). Status constants are adapted from the teacher's
// models.Booking (SQL row) to a plain request/response pair exchanged
// with an out-of-scope gateway.
package booking

import "context"

// Status mirrors the teacher's BookingStatus* constants.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Type selects which downstream gateway a Request routes to.
type Type string

const (
	TypeHotel    Type = "hotel"
	TypeFlight   Type = "flight"
	TypeActivity Type = "activity"
)

// Request is what the Booking agent sends to a gateway once payment has
// succeeded; every booking type is charged before it is booked.
type Request struct {
	BookingType Type
	NodeID      string
	PlaceID     string
	StartDate   string
	EndDate     string
	Guests      int
	TotalPrice  float64
	Currency    string
}

// Result is the gateway's response.
type Result struct {
	ConfirmationID string
	Status         Status
	Details        map[string]interface{}
}

// Gateway is the collaborator interface; a real implementation would call
// out to hotel/flight/activity booking APIs. Out of scope per spec.md §1 —
// this repo only ever constructs the Mock below.
type Gateway interface {
	Book(ctx context.Context, req Request) (*Result, error)
	Cancel(ctx context.Context, confirmationID string) error
}

// Mock is a deterministic Gateway that always confirms.
type Mock struct{}

// NewMock constructs a deterministic booking.Gateway.
func NewMock() *Mock { return &Mock{} }

func (m *Mock) Book(ctx context.Context, req Request) (*Result, error) {
	return &Result{
		ConfirmationID: "conf_" + req.NodeID,
		Status:         StatusConfirmed,
		Details: map[string]interface{}{
			"bookingType": req.BookingType,
			"nodeId":      req.NodeID,
		},
	}, nil
}

func (m *Mock) Cancel(ctx context.Context, confirmationID string) error {
	return nil
}
