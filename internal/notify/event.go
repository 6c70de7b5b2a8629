package notify

import "time"

type Scope string

const (
	ScopeOrder      Scope = "order"
	ScopeUserOrders Scope = "user-orders"
)

// Event message types pushed to subscribers.
const (
	TypeOrderStatus       = "order_status"        // snapshot on connect / get_status
	TypeOrderStatusUpdate = "order_status_update" // order scope
	TypeOrderEvent        = "order_event"         // order scope
	TypeNewOrder          = "new_order"           // user scope
	TypeOrderUpdate       = "order_update"        // user scope
	TypeCheckoutFailed    = "checkout_failed"     // user scope, terminal pipeline failure
)

type Event struct {
	Type        string    `json:"type"`
	OrderID     string    `json:"order_id,omitempty"`
	OrderNumber string    `json:"order_number,omitempty"`
	AttemptID   string    `json:"attempt_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	EventType   string    `json:"event_type,omitempty"`
	TotalAmount string    `json:"total_amount,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
