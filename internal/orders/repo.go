package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/nprasetio/go-checkout-orders/internal/audit"
	"github.com/nprasetio/go-checkout-orders/internal/auth"
	"github.com/nprasetio/go-checkout-orders/internal/cart"
	"github.com/nprasetio/go-checkout-orders/internal/postgres"
	"github.com/nprasetio/go-checkout-orders/internal/stock"
)

const pgUniqueViolation = "23505"

var minTotal = decimal.RequireFromString("0.01")

type Repo struct{ DB *pgxpool.Pool }

type CreateInput struct {
	AttemptID uuid.UUID
	UserID    uuid.UUID
	CartID    uuid.UUID
	Draft     Draft
}

// CreateFromCart materializes the order inside one transaction: it locks
// the cart row, builds the order and its items from the cart's current
// contents, and appends the "created" event. The checkout attempt id is
// the idempotency key: a retry after a partial commit finds the existing
// order instead of inserting a duplicate.
func (r *Repo) CreateFromCart(ctx context.Context, in CreateInput) (*Order, bool, error) {
	if o, err := r.byAttempt(ctx, in.AttemptID); err == nil {
		return o, true, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	if err := cart.LockIn(ctx, tx, in.CartID); err != nil {
		return nil, false, err
	}
	lines, err := cart.LinesIn(ctx, tx, in.CartID)
	if err != nil {
		return nil, false, err
	}
	if len(lines) == 0 {
		return nil, false, ErrEmptyCart
	}

	o := &Order{
		ID:                uuid.New(),
		OrderNumber:       NewOrderNumber(),
		UserID:            in.UserID,
		CheckoutAttemptID: in.AttemptID,
		Status:            StatusPending,
		PaymentStatus:     PaymentPending,
		TaxAmount:         decimal.Zero,
		ShippingAmount:    decimal.Zero,
		DiscountAmount:    decimal.Zero,
		Shipping:          in.Draft.Shipping,
		Billing:           in.Draft.Billing,
		Notes:             in.Draft.Notes,
	}
	for _, l := range lines {
		lineTotal := l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
		o.Subtotal = o.Subtotal.Add(lineTotal)
		o.Items = append(o.Items, OrderItem{
			OrderID:     o.ID,
			ProductID:   l.ProductID,
			VariantID:   l.VariantID,
			ProductName: l.ProductName,
			VariantName: l.VariantName,
			SKU:         l.SKU,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			TotalPrice:  lineTotal,
		})
	}
	o.TotalAmount = o.Subtotal.Add(o.TaxAmount).Add(o.ShippingAmount).Sub(o.DiscountAmount)
	if o.TotalAmount.LessThan(minTotal) {
		return nil, false, ErrTotalTooSmall
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO orders (
			id, order_number, user_id, checkout_attempt_id, status, payment_status,
			subtotal, tax_amount, shipping_amount, discount_amount, total_amount,
			shipping_first_name, shipping_last_name, shipping_company,
			shipping_line1, shipping_line2, shipping_city, shipping_state,
			shipping_postal_code, shipping_country, shipping_phone,
			billing_first_name, billing_last_name, billing_company,
			billing_line1, billing_line2, billing_city, billing_state,
			billing_postal_code, billing_country, billing_phone, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,
		        $12,$13,$14,$15,$16,$17,$18,$19,$20,$21,
		        $22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)
		RETURNING created_at, updated_at`,
		o.ID, o.OrderNumber, o.UserID, o.CheckoutAttemptID, o.Status, o.PaymentStatus,
		o.Subtotal, o.TaxAmount, o.ShippingAmount, o.DiscountAmount, o.TotalAmount,
		o.Shipping.FirstName, o.Shipping.LastName, o.Shipping.Company,
		o.Shipping.Line1, o.Shipping.Line2, o.Shipping.City, o.Shipping.State,
		o.Shipping.PostalCode, o.Shipping.Country, o.Shipping.Phone,
		o.Billing.FirstName, o.Billing.LastName, o.Billing.Company,
		o.Billing.Line1, o.Billing.Line2, o.Billing.City, o.Billing.State,
		o.Billing.PostalCode, o.Billing.Country, o.Billing.Phone, o.Notes,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		// a concurrent retry won the insert race on the attempt id
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			existing, lookupErr := r.byAttempt(ctx, in.AttemptID)
			if lookupErr == nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}

	for i := range o.Items {
		it := &o.Items[i]
		err := tx.QueryRow(ctx, `
			INSERT INTO order_items (order_id, product_id, variant_id, product_name, variant_name, sku, quantity, unit_price, total_price)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
			it.OrderID, it.ProductID, it.VariantID, it.ProductName, it.VariantName,
			it.SKU, it.Quantity, it.UnitPrice, it.TotalPrice).Scan(&it.ID)
		if err != nil {
			return nil, false, err
		}
	}

	if err := insertEvent(ctx, tx, o.ID, EventCreated,
		fmt.Sprintf("Order %s created successfully", o.OrderNumber),
		map[string]any{"cart_id": in.CartID.String()}); err != nil {
		return nil, false, err
	}

	if err := audit.Insert(ctx, tx, audit.Entry{
		ModelName: "Order",
		ObjectID:  o.ID.String(),
		Action:    audit.ActionCreate,
		Actor:     auth.ActorFromContext(ctx),
		Metadata: map[string]any{
			"order_number": o.OrderNumber,
			"user_id":      o.UserID.String(),
			"total_amount": o.TotalAmount.String(),
			"status":       string(o.Status),
		},
	}); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return o, false, nil
}

// DeductAndConfirm runs the stock-deduction stage's transactional scope:
// all lines reduce or none do, the order advances pending -> confirmed
// only on full success, and a stock_change audit row is written per unit.
// Already-confirmed orders short-circuit so a redelivered stage message
// cannot deduct twice.
func (r *Repo) DeductAndConfirm(ctx context.Context, orderID uuid.UUID, lines []stock.Deduction) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status Status
	var orderNumber string
	err = tx.QueryRow(ctx, `SELECT status, order_number FROM orders WHERE id=$1 FOR UPDATE`, orderID).
		Scan(&status, &orderNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == StatusConfirmed {
		return nil
	}
	if !CanTransition(status, StatusConfirmed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, StatusConfirmed)
	}

	actor := auth.ActorFromContext(ctx)
	for _, d := range lines {
		before, after, err := stock.ReduceIn(ctx, tx, d.UnitType, d.UnitID, d.Quantity)
		if err != nil {
			return err
		}
		if before == after {
			continue // inventory not tracked for this unit
		}
		if err := audit.Insert(ctx, tx, audit.Entry{
			ModelName: modelFor(d.UnitType),
			ObjectID:  d.UnitID.String(),
			Action:    audit.ActionStockChange,
			FieldName: "stock_quantity",
			OldValue:  fmt.Sprint(before),
			NewValue:  fmt.Sprint(after),
			Actor:     actor,
			Metadata: map[string]any{
				"order_id":          orderID.String(),
				"reason":            "order_created",
				"quantity_deducted": d.Quantity,
			},
		}); err != nil {
			return err
		}
	}

	if err := setFieldIn(ctx, tx, orderID, "status", string(status), string(StatusConfirmed), "", actor); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, orderID, EventConfirmed,
		fmt.Sprintf("Order %s confirmed and stock deducted", orderNumber),
		map[string]any{"deductions": len(lines)}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Cancel flips the order to cancelled and compensates by restocking every
// item (variant stock when present, else product stock), all in one
// transaction. Illegal once shipped, delivered or refunded.
func (r *Repo) Cancel(ctx context.Context, orderID, userID uuid.UUID) (*Order, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var status Status
	var owner uuid.UUID
	var orderNumber string
	err = tx.QueryRow(ctx, `SELECT status, user_id, order_number FROM orders WHERE id=$1 FOR UPDATE`, orderID).
		Scan(&status, &owner, &orderNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if userID != uuid.Nil && owner != userID {
		return nil, ErrForbidden
	}
	if !CanBeCancelled(status) {
		return nil, fmt.Errorf("%w: cannot cancel order in status %s", ErrInvalidTransition, status)
	}

	actor := auth.ActorFromContext(ctx)
	if err := setFieldIn(ctx, tx, orderID, "status", string(status), string(StatusCancelled), "cancelled by user", actor); err != nil {
		return nil, err
	}

	// stock only came off once the order reached confirmed; earlier
	// statuses have nothing to compensate
	var restocks []stock.Deduction
	if status == StatusConfirmed {
		rows, err := tx.Query(ctx, `SELECT product_id, variant_id, quantity FROM order_items WHERE order_id=$1`, orderID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var productID uuid.UUID
			var variantID *uuid.UUID
			var qty int
			if err := rows.Scan(&productID, &variantID, &qty); err != nil {
				rows.Close()
				return nil, err
			}
			if variantID != nil {
				restocks = append(restocks, stock.Deduction{UnitType: stock.UnitVariant, UnitID: *variantID, Quantity: qty})
			} else {
				restocks = append(restocks, stock.Deduction{UnitType: stock.UnitProduct, UnitID: productID, Quantity: qty})
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	for _, rs := range restocks {
		if err := stock.IncreaseIn(ctx, tx, rs.UnitType, rs.UnitID, rs.Quantity); err != nil {
			return nil, err
		}
		if err := audit.Insert(ctx, tx, audit.Entry{
			ModelName: modelFor(rs.UnitType),
			ObjectID:  rs.UnitID.String(),
			Action:    audit.ActionStockChange,
			FieldName: "stock_quantity",
			Actor:     actor,
			Metadata: map[string]any{
				"order_id":           orderID.String(),
				"reason":             "order_cancelled",
				"quantity_restocked": rs.Quantity,
			},
		}); err != nil {
			return nil, err
		}
	}

	if err := insertEvent(ctx, tx, orderID, EventCancelled,
		fmt.Sprintf("Order %s cancelled", orderNumber), nil); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r.ByID(ctx, orderID)
}

// SetStatus moves the order through the status machine, appending a
// status-history row and an audit row. Concurrent transitions serialize
// on the order's row lock.
func (r *Repo) SetStatus(ctx context.Context, orderID uuid.UUID, to Status, notes string) (*Order, error) {
	err := r.transition(ctx, orderID, "status", string(to), notes, func(cur string) error {
		if !CanTransition(Status(cur), to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, to)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.ByID(ctx, orderID)
}

// SetPaymentStatus is the payment collaborator's entry point; it never
// touches the fulfillment status axis.
func (r *Repo) SetPaymentStatus(ctx context.Context, orderID uuid.UUID, to PaymentStatus, notes string) (*Order, error) {
	err := r.transition(ctx, orderID, "payment_status", string(to), notes, func(cur string) error {
		if !CanTransitionPayment(PaymentStatus(cur), to) {
			return fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, cur, to)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.ByID(ctx, orderID)
}

func (r *Repo) transition(ctx context.Context, orderID uuid.UUID, field, to, notes string, guard func(cur string) error) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var cur string
	err = tx.QueryRow(ctx, `SELECT `+field+` FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := guard(cur); err != nil {
		return err
	}
	if err := setFieldIn(ctx, tx, orderID, field, cur, to, notes, auth.ActorFromContext(ctx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// setFieldIn updates one status axis plus its history and audit rows.
func setFieldIn(ctx context.Context, q postgres.Querier, orderID uuid.UUID, field, from, to, notes string, actor *uuid.UUID) error {
	if _, err := q.Exec(ctx, `UPDATE orders SET `+field+` = $2, updated_at = now() WHERE id=$1`, orderID, to); err != nil {
		return err
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO order_status_history (order_id, field_name, from_value, to_value, notes, changed_by)
		VALUES ($1,$2,$3,$4,$5,$6)`, orderID, field, from, to, notes, actor); err != nil {
		return err
	}
	return audit.Insert(ctx, q, audit.Entry{
		ModelName: "Order",
		ObjectID:  orderID.String(),
		Action:    audit.ActionStatusChange,
		FieldName: field,
		OldValue:  from,
		NewValue:  to,
		Actor:     actor,
	})
}

// AppendEvent adds one row to the order's event log.
func (r *Repo) AppendEvent(ctx context.Context, orderID uuid.UUID, eventType, message string, metadata map[string]any) error {
	return insertEvent(ctx, r.DB, orderID, eventType, message, metadata)
}

func insertEvent(ctx context.Context, q postgres.Querier, orderID uuid.UUID, eventType, message string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := q.Exec(ctx, `
		INSERT INTO order_events (order_id, event_type, message, metadata)
		VALUES ($1,$2,$3,$4)`, orderID, eventType, message, metadata)
	return err
}

const orderColumns = `
	id, order_number, user_id, checkout_attempt_id, status, payment_status,
	subtotal, tax_amount, shipping_amount, discount_amount, total_amount,
	shipping_first_name, shipping_last_name, shipping_company,
	shipping_line1, shipping_line2, shipping_city, shipping_state,
	shipping_postal_code, shipping_country, shipping_phone,
	billing_first_name, billing_last_name, billing_company,
	billing_line1, billing_line2, billing_city, billing_state,
	billing_postal_code, billing_country, billing_phone,
	notes, created_at, updated_at`

func (r *Repo) ByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return r.one(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
}

func (r *Repo) ByIDForUser(ctx context.Context, id, userID uuid.UUID) (*Order, error) {
	o, err := r.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrForbidden
	}
	return o, nil
}

func (r *Repo) byAttempt(ctx context.Context, attemptID uuid.UUID) (*Order, error) {
	return r.one(ctx, `SELECT `+orderColumns+` FROM orders WHERE checkout_attempt_id=$1`, attemptID)
}

func (r *Repo) one(ctx context.Context, sql string, arg any) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, sql, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	items, err := r.ItemsOf(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return o, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.UserID, &o.CheckoutAttemptID, &o.Status, &o.PaymentStatus,
		&o.Subtotal, &o.TaxAmount, &o.ShippingAmount, &o.DiscountAmount, &o.TotalAmount,
		&o.Shipping.FirstName, &o.Shipping.LastName, &o.Shipping.Company,
		&o.Shipping.Line1, &o.Shipping.Line2, &o.Shipping.City, &o.Shipping.State,
		&o.Shipping.PostalCode, &o.Shipping.Country, &o.Shipping.Phone,
		&o.Billing.FirstName, &o.Billing.LastName, &o.Billing.Company,
		&o.Billing.Line1, &o.Billing.Line2, &o.Billing.City, &o.Billing.State,
		&o.Billing.PostalCode, &o.Billing.Country, &o.Billing.Phone,
		&o.Notes, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *Repo) ItemsOf(ctx context.Context, orderID uuid.UUID) ([]OrderItem, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, product_id, variant_id, product_name, variant_name, sku, quantity, unit_price, total_price
		FROM order_items WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.VariantID,
			&it.ProductName, &it.VariantName, &it.SKU, &it.Quantity, &it.UnitPrice, &it.TotalPrice); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// HistoryOf returns every recorded transition of both status axes,
// oldest first.
func (r *Repo) HistoryOf(ctx context.Context, orderID uuid.UUID) ([]StatusHistory, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, field_name, from_value, to_value, notes, changed_by, created_at
		FROM order_status_history WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusHistory
	for rows.Next() {
		var h StatusHistory
		if err := rows.Scan(&h.ID, &h.OrderID, &h.FieldName, &h.From, &h.To,
			&h.Notes, &h.ChangedBy, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// EventsOf returns the order's business event log, oldest first.
func (r *Repo) EventsOf(ctx context.Context, orderID uuid.UUID) ([]OrderEvent, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, event_type, message, metadata, created_at
		FROM order_events WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderEvent
	for rows.Next() {
		var e OrderEvent
		if err := rows.Scan(&e.ID, &e.OrderID, &e.EventType, &e.Message,
			&e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListRecentByUser backs the user-scope snapshot: the subscriber's
// latest orders, newest first.
func (r *Repo) ListRecentByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_number, status, payment_status, total_amount, created_at
		FROM orders WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o := Order{UserID: userID}
		if err := rows.Scan(&o.ID, &o.OrderNumber, &o.Status, &o.PaymentStatus, &o.TotalAmount, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func modelFor(unitType string) string {
	if unitType == stock.UnitVariant {
		return "ProductVariant"
	}
	return "Product"
}
