package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types appended to the order's event log.
const (
	EventCreated          = "created"
	EventConfirmed        = "confirmed"
	EventConfirmationSent = "confirmation_sent"
	EventCancelled        = "cancelled"
	EventPaymentReceived  = "payment_received"
	EventPaymentFailed    = "payment_failed"
)

type Address struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Company    string `json:"company,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// Order is an immutable historical record once created: addresses are
// denormalized copies, item prices are frozen at order time.
type Order struct {
	ID                uuid.UUID       `json:"id"`
	OrderNumber       string          `json:"order_number"`
	UserID            uuid.UUID       `json:"user_id"`
	CheckoutAttemptID uuid.UUID       `json:"checkout_attempt_id"`
	Status            Status          `json:"status"`
	PaymentStatus     PaymentStatus   `json:"payment_status"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	TaxAmount         decimal.Decimal `json:"tax_amount"`
	ShippingAmount    decimal.Decimal `json:"shipping_amount"`
	DiscountAmount    decimal.Decimal `json:"discount_amount"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	Shipping          Address         `json:"shipping_address"`
	Billing           Address         `json:"billing_address"`
	Notes             string          `json:"notes,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`

	Items []OrderItem `json:"items,omitempty"`
}

type OrderItem struct {
	ID          int64           `json:"id"`
	OrderID     uuid.UUID       `json:"order_id"`
	ProductID   uuid.UUID       `json:"product_id"`
	VariantID   *uuid.UUID      `json:"variant_id,omitempty"`
	ProductName string          `json:"product_name"`
	VariantName string          `json:"variant_name,omitempty"`
	SKU         string          `json:"sku"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"` // frozen at creation, never re-derived
}

type StatusHistory struct {
	ID        int64      `json:"id"`
	OrderID   uuid.UUID  `json:"order_id"`
	FieldName string     `json:"field_name"` // "status" or "payment_status"
	From      string     `json:"from_value"`
	To        string     `json:"to_value"`
	Notes     string     `json:"notes,omitempty"`
	ChangedBy *uuid.UUID `json:"changed_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type OrderEvent struct {
	ID        int64          `json:"id"`
	OrderID   uuid.UUID      `json:"order_id"`
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Draft carries the customer-entered checkout payload through the
// pipeline until the create stage materializes an Order from it.
// Monetary amounts are computed there from the cart's current contents.
type Draft struct {
	Shipping Address `json:"shipping_address"`
	Billing  Address `json:"billing_address"`
	Notes    string  `json:"notes,omitempty"`
}
