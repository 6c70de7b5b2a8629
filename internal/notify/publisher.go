package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher is the pipeline's fire-and-forget side of the fan-out. Every
// method logs publish failures and returns nothing: a missed
// notification must never fail a pipeline stage.
type Publisher struct {
	Broker Broker
	Log    *zap.Logger
}

func (p *Publisher) publish(ctx context.Context, sc Scope, id string, ev Event) {
	ev.Timestamp = time.Now().UTC()
	if err := p.Broker.Publish(ctx, sc, id, ev); err != nil {
		p.Log.Warn("notify publish", zap.String("scope", string(sc)), zap.String("id", id), zap.Error(err))
	}
}

// OrderStatus pushes a status change to the order's group and mirrors it
// to the owner's user group.
func (p *Publisher) OrderStatus(ctx context.Context, orderID, userID uuid.UUID, status, message string) {
	p.publish(ctx, ScopeOrder, orderID.String(), Event{
		Type: TypeOrderStatusUpdate, OrderID: orderID.String(), Status: status, Message: message,
	})
	p.publish(ctx, ScopeUserOrders, userID.String(), Event{
		Type: TypeOrderUpdate, OrderID: orderID.String(), Status: status, Message: message,
	})
}

// OrderEvent pushes a named business event to the order's group.
func (p *Publisher) OrderEvent(ctx context.Context, orderID uuid.UUID, eventType, message string) {
	p.publish(ctx, ScopeOrder, orderID.String(), Event{
		Type: TypeOrderEvent, OrderID: orderID.String(), EventType: eventType, Message: message,
	})
}

// NewOrder tells the user's group that an order of theirs now exists.
func (p *Publisher) NewOrder(ctx context.Context, userID, orderID uuid.UUID, orderNumber, totalAmount string) {
	p.publish(ctx, ScopeUserOrders, userID.String(), Event{
		Type: TypeNewOrder, OrderID: orderID.String(), OrderNumber: orderNumber, TotalAmount: totalAmount,
	})
}

// CheckoutFailed reports a terminal pipeline failure; there may be no
// order yet, so it is addressed to the user group with the attempt id.
func (p *Publisher) CheckoutFailed(ctx context.Context, userID, attemptID uuid.UUID, orderID string, message string) {
	p.publish(ctx, ScopeUserOrders, userID.String(), Event{
		Type: TypeCheckoutFailed, AttemptID: attemptID.String(), OrderID: orderID, Message: message,
	})
}
