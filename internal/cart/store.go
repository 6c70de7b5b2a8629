package cart

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/nprasetio/go-checkout-orders/internal/postgres"
)

var ErrNotFound = errors.New("cart not found")

// Line is one cart row joined with the live product/variant state it
// points at. Stock and status are read fresh on every call: the snapshot
// taken at checkout start is advisory, never a reservation.
type Line struct {
	ProductID      uuid.UUID
	VariantID      *uuid.UUID
	ProductName    string
	VariantName    string
	SKU            string
	UnitPrice      decimal.Decimal
	Quantity       int
	ProductStatus  string
	TrackInventory bool
	Stock          int
}

type Store struct{ DB *pgxpool.Pool }

// Owner returns the user owning the cart.
func (s *Store) Owner(ctx context.Context, cartID uuid.UUID) (uuid.UUID, error) {
	var owner uuid.UUID
	err := s.DB.QueryRow(ctx, `SELECT user_id FROM carts WHERE id=$1`, cartID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, err
	}
	return owner, nil
}

func (s *Store) Lines(ctx context.Context, cartID uuid.UUID) ([]Line, error) {
	return LinesIn(ctx, s.DB, cartID)
}

// LinesIn reads the cart's current contents through q, so the create
// stage can reuse it inside its own transaction.
func LinesIn(ctx context.Context, q postgres.Querier, cartID uuid.UUID) ([]Line, error) {
	rows, err := q.Query(ctx, `
		SELECT ci.product_id, ci.variant_id, p.name,
		       COALESCE(v.name, ''), COALESCE(v.sku, p.sku),
		       COALESCE(v.price, p.price), ci.quantity,
		       p.status, p.track_inventory,
		       COALESCE(v.stock_quantity, p.stock_quantity)
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		LEFT JOIN product_variants v ON v.id = ci.variant_id
		WHERE ci.cart_id = $1
		ORDER BY ci.id`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ProductID, &l.VariantID, &l.ProductName,
			&l.VariantName, &l.SKU, &l.UnitPrice, &l.Quantity,
			&l.ProductStatus, &l.TrackInventory, &l.Stock); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LockIn takes a row lock on the cart for the duration of the enclosing
// transaction. The create stage holds it while materializing the order so
// a concurrent cart edit cannot interleave.
func LockIn(ctx context.Context, q postgres.Querier, cartID uuid.UUID) error {
	var id uuid.UUID
	err := q.QueryRow(ctx, `SELECT id FROM carts WHERE id=$1 FOR UPDATE`, cartID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Clear deletes every line of the cart. Called by the confirmation stage
// once the order is fulfilled.
func (s *Store) Clear(ctx context.Context, cartID uuid.UUID) error {
	_, err := s.DB.Exec(ctx, `DELETE FROM cart_items WHERE cart_id=$1`, cartID)
	return err
}
