package checkout

import (
	"github.com/google/uuid"

	"github.com/nprasetio/go-checkout-orders/internal/orders"
	"github.com/nprasetio/go-checkout-orders/internal/stock"
)

// Stage inputs/outputs. Each stage takes its predecessor's serialized
// output, so a stage retry never depends on in-memory state from an
// earlier stage.

// CheckoutRequest is the pipeline's entry payload, built when the HTTP
// layer accepts a checkout submission.
type CheckoutRequest struct {
	AttemptID uuid.UUID    `json:"attempt_id"`
	UserID    uuid.UUID    `json:"user_id"`
	CartID    uuid.UUID    `json:"cart_id"`
	Draft     orders.Draft `json:"draft"`
}

// ValidatedLine is the advisory per-line snapshot produced by the
// validation stage. Available is nil when inventory is not tracked.
// It is not a reservation: deduction may still lose the race.
type ValidatedLine struct {
	UnitType  string    `json:"unit_type"`
	UnitID    uuid.UUID `json:"unit_id"`
	Quantity  int       `json:"quantity"`
	Available *int      `json:"available,omitempty"`
}

type ValidateOutput struct {
	AttemptID uuid.UUID       `json:"attempt_id"`
	UserID    uuid.UUID       `json:"user_id"`
	CartID    uuid.UUID       `json:"cart_id"`
	Draft     orders.Draft    `json:"draft"`
	Lines     []ValidatedLine `json:"lines"`
}

type CreateOutput struct {
	AttemptID   uuid.UUID       `json:"attempt_id"`
	UserID      uuid.UUID       `json:"user_id"`
	CartID      uuid.UUID       `json:"cart_id"`
	OrderID     uuid.UUID       `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	Lines       []ValidatedLine `json:"lines"`
}

type DeductOutput struct {
	AttemptID   uuid.UUID `json:"attempt_id"`
	UserID      uuid.UUID `json:"user_id"`
	CartID      uuid.UUID `json:"cart_id"`
	OrderID     uuid.UUID `json:"order_id"`
	OrderNumber string    `json:"order_number"`
}

type ConfirmOutput struct {
	OrderID     uuid.UUID `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	Status      string    `json:"status"` // "completed"
}

func (l ValidatedLine) deduction() stock.Deduction {
	return stock.Deduction{UnitType: l.UnitType, UnitID: l.UnitID, Quantity: l.Quantity}
}
