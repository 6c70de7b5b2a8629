package checkout

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nprasetio/go-checkout-orders/internal/cart"
	"github.com/nprasetio/go-checkout-orders/internal/notify"
	"github.com/nprasetio/go-checkout-orders/internal/orders"
	"github.com/nprasetio/go-checkout-orders/internal/stock"
	"github.com/nprasetio/go-checkout-orders/internal/users"
)

// Collaborator contracts consumed by the stages. The concrete
// implementations live in cart, orders and users; tests swap in
// in-memory fakes.

type CartStore interface {
	Lines(ctx context.Context, cartID uuid.UUID) ([]cart.Line, error)
	Clear(ctx context.Context, cartID uuid.UUID) error
}

type OrderStore interface {
	CreateFromCart(ctx context.Context, in orders.CreateInput) (*orders.Order, bool, error)
	DeductAndConfirm(ctx context.Context, orderID uuid.UUID, lines []stock.Deduction) error
	ByID(ctx context.Context, id uuid.UUID) (*orders.Order, error)
	AppendEvent(ctx context.Context, orderID uuid.UUID, eventType, message string, metadata map[string]any) error
}

type UserDirectory interface {
	ByID(ctx context.Context, id uuid.UUID) (*users.User, error)
}

// Pipeline holds the four stage implementations. Each stage is
// idempotent given its predecessor's output: redelivery or retry of any
// single stage cannot duplicate an order or deduct stock twice.
type Pipeline struct {
	Carts  CartStore
	Orders OrderStore
	Users  UserDirectory
	Notify *notify.Publisher
	Log    *zap.Logger
}

// Validate re-checks every cart line against live product state: the
// product must be purchasable, in stock, and have enough quantity. The
// first violation aborts with a ValidationError; the output is an
// advisory snapshot, not a reservation.
func (p *Pipeline) Validate(ctx context.Context, req CheckoutRequest) (*ValidateOutput, error) {
	p.Log.Info("validating inventory",
		zap.String("attempt_id", req.AttemptID.String()),
		zap.String("cart_id", req.CartID.String()))

	lines, err := p.Carts.Lines(ctx, req.CartID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, &ValidationError{Reason: "cart is empty"}
	}

	out := &ValidateOutput{
		AttemptID: req.AttemptID,
		UserID:    req.UserID,
		CartID:    req.CartID,
		Draft:     req.Draft,
	}
	for _, l := range lines {
		if l.ProductStatus != "active" {
			return nil, &ValidationError{Reason: fmt.Sprintf("product %s is no longer available", l.ProductName)}
		}
		switch {
		case l.VariantID != nil:
			if l.Stock <= 0 {
				return nil, &ValidationError{Reason: fmt.Sprintf("product variant %s is out of stock", l.VariantName)}
			}
			if l.Quantity > l.Stock {
				return nil, &ValidationError{Reason: fmt.Sprintf("only %d items available for %s", l.Stock, l.VariantName)}
			}
			avail := l.Stock
			out.Lines = append(out.Lines, ValidatedLine{
				UnitType: stock.UnitVariant, UnitID: *l.VariantID, Quantity: l.Quantity, Available: &avail,
			})
		default:
			if l.TrackInventory && l.Stock <= 0 {
				return nil, &ValidationError{Reason: fmt.Sprintf("product %s is out of stock", l.ProductName)}
			}
			if l.TrackInventory && l.Quantity > l.Stock {
				return nil, &ValidationError{Reason: fmt.Sprintf("only %d items available for %s", l.Stock, l.ProductName)}
			}
			vl := ValidatedLine{UnitType: stock.UnitProduct, UnitID: l.ProductID, Quantity: l.Quantity}
			if l.TrackInventory {
				avail := l.Stock
				vl.Available = &avail
			}
			out.Lines = append(out.Lines, vl)
		}
	}

	p.Log.Info("inventory validated",
		zap.String("attempt_id", req.AttemptID.String()),
		zap.Int("lines", len(out.Lines)))
	return out, nil
}

// CreateOrder re-materializes the user, then builds the order and its
// items from the cart's current contents inside one transaction keyed by
// the attempt id.
func (p *Pipeline) CreateOrder(ctx context.Context, in ValidateOutput) (*CreateOutput, error) {
	user, err := p.Users.ByID(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	o, existed, err := p.Orders.CreateFromCart(ctx, orders.CreateInput{
		AttemptID: in.AttemptID,
		UserID:    user.ID,
		CartID:    in.CartID,
		Draft:     in.Draft,
	})
	if err != nil {
		return nil, err
	}

	if existed {
		p.Log.Info("order already created for attempt, skipping insert",
			zap.String("attempt_id", in.AttemptID.String()),
			zap.String("order_number", o.OrderNumber))
	} else {
		p.Log.Info("order created",
			zap.String("order_id", o.ID.String()),
			zap.String("order_number", o.OrderNumber))
		p.Notify.NewOrder(ctx, o.UserID, o.ID, o.OrderNumber, o.TotalAmount.String())
		p.Notify.OrderStatus(ctx, o.ID, o.UserID, string(o.Status), "Order "+o.OrderNumber+" created")
	}

	return &CreateOutput{
		AttemptID:   in.AttemptID,
		UserID:      in.UserID,
		CartID:      in.CartID,
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		Lines:       in.Lines,
	}, nil
}

// DeductStock reduces every validated line under one transaction: a
// single losing line rolls back all deductions already applied within
// the stage. Full success advances the order pending -> confirmed.
func (p *Pipeline) DeductStock(ctx context.Context, in CreateOutput) (*DeductOutput, error) {
	deductions := make([]stock.Deduction, 0, len(in.Lines))
	for _, l := range in.Lines {
		deductions = append(deductions, l.deduction())
	}

	if err := p.Orders.DeductAndConfirm(ctx, in.OrderID, deductions); err != nil {
		return nil, err
	}

	p.Log.Info("stock deducted",
		zap.String("order_number", in.OrderNumber),
		zap.Int("lines", len(deductions)))
	p.Notify.OrderStatus(ctx, in.OrderID, in.UserID, string(orders.StatusConfirmed),
		"Order "+in.OrderNumber+" confirmed")
	p.Notify.OrderEvent(ctx, in.OrderID, orders.EventConfirmed,
		"Order "+in.OrderNumber+" confirmed and stock deducted")

	return &DeductOutput{
		AttemptID:   in.AttemptID,
		UserID:      in.UserID,
		CartID:      in.CartID,
		OrderID:     in.OrderID,
		OrderNumber: in.OrderNumber,
	}, nil
}

// SendConfirmation is the terminal, read-only stage: it renders the
// confirmation (logged, not sent), clears the fulfilled cart and appends
// the confirmation_sent event. A failure here never rolls back stock or
// order creation, and a retry re-runs only this stage.
func (p *Pipeline) SendConfirmation(ctx context.Context, in DeductOutput) (*ConfirmOutput, error) {
	o, err := p.Orders.ByID(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	user, err := p.Users.ByID(ctx, o.UserID)
	if err != nil {
		return nil, err
	}

	items := make([]string, 0, len(o.Items))
	totalItems := 0
	for _, it := range o.Items {
		items = append(items, fmt.Sprintf("%s x%d = %s", it.ProductName, it.Quantity, it.TotalPrice.String()))
		totalItems += it.Quantity
	}
	// email delivery is stubbed: the rendered confirmation is logged
	p.Log.Info("order confirmation",
		zap.String("order_number", o.OrderNumber),
		zap.String("customer", user.FullName()),
		zap.String("email", user.Email),
		zap.Int("total_items", totalItems),
		zap.String("total_amount", o.TotalAmount.String()),
		zap.Strings("items", items))

	if err := p.Carts.Clear(ctx, in.CartID); err != nil {
		return nil, err
	}

	if err := p.Orders.AppendEvent(ctx, o.ID, orders.EventConfirmationSent,
		fmt.Sprintf("Confirmation email sent for order %s", o.OrderNumber),
		map[string]any{"email_sent": true}); err != nil {
		return nil, err
	}
	p.Notify.OrderEvent(ctx, o.ID, orders.EventConfirmationSent,
		"Confirmation sent for order "+o.OrderNumber)

	return &ConfirmOutput{OrderID: o.ID, OrderNumber: o.OrderNumber, Status: "completed"}, nil
}
