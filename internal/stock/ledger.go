package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nprasetio/go-checkout-orders/internal/postgres"
)

// Unit kinds tracked by the ledger.
const (
	UnitProduct = "product"
	UnitVariant = "variant"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnitNotFound      = errors.New("stock unit not found")
)

// InsufficientStockError carries the losing line of a deduction race.
// errors.Is(err, ErrInsufficientStock) holds for it.
type InsufficientStockError struct {
	UnitType  string
	UnitID    uuid.UUID
	Required  int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s %s: required %d, available %d",
		e.UnitType, e.UnitID, e.Required, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Ledger is the authoritative per-unit available-quantity counter.
// Mutations lock the unit's row for the read-modify-write, so two
// concurrent deductions against one unit serialize and never both
// succeed past the combined available quantity.
type Ledger struct{ DB *pgxpool.Pool }

// Reduce atomically decrements one unit in its own transaction.
func (l *Ledger) Reduce(ctx context.Context, unitType string, unitID uuid.UUID, qty int) error {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, _, err := ReduceIn(ctx, tx, unitType, unitID, qty); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Increase restocks one unit. Always succeeds for an existing unit;
// used for compensation when a deducted order is cancelled.
func (l *Ledger) Increase(ctx context.Context, unitType string, unitID uuid.UUID, qty int) error {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := IncreaseIn(ctx, tx, unitType, unitID, qty); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Available reports the current quantity and whether inventory is
// tracked at all for the unit. Advisory: a caller may still lose the
// race at deduction time.
func (l *Ledger) Available(ctx context.Context, unitType string, unitID uuid.UUID) (int, bool, error) {
	var qty int
	tracked := true
	var err error
	switch unitType {
	case UnitVariant:
		err = l.DB.QueryRow(ctx,
			`SELECT stock_quantity FROM product_variants WHERE id=$1`, unitID).Scan(&qty)
	case UnitProduct:
		err = l.DB.QueryRow(ctx,
			`SELECT stock_quantity, track_inventory FROM products WHERE id=$1`, unitID).Scan(&qty, &tracked)
	default:
		return 0, false, fmt.Errorf("unknown unit type %q", unitType)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, ErrUnitNotFound
	}
	if err != nil {
		return 0, false, err
	}
	return qty, tracked, nil
}

func (l *Ledger) IsInStock(ctx context.Context, unitType string, unitID uuid.UUID) (bool, error) {
	qty, tracked, err := l.Available(ctx, unitType, unitID)
	if err != nil {
		return false, err
	}
	if !tracked {
		return true, nil
	}
	return qty > 0, nil
}

// ReduceIn locks the unit row, checks the quantity and decrements, all
// through q so multi-line stages can span one transaction across lines.
// Returns the before/after quantities for audit entries. Products with
// track_inventory off are a no-op.
func ReduceIn(ctx context.Context, q postgres.Querier, unitType string, unitID uuid.UUID, qty int) (before, after int, err error) {
	table, tracked, err := lockUnit(ctx, q, unitType, unitID, &before)
	if err != nil {
		return 0, 0, err
	}
	if !tracked {
		return before, before, nil
	}
	if before < qty {
		return 0, 0, &InsufficientStockError{UnitType: unitType, UnitID: unitID, Required: qty, Available: before}
	}
	_, err = q.Exec(ctx, `UPDATE `+table+` SET stock_quantity = stock_quantity - $2, updated_at = now() WHERE id=$1`, unitID, qty)
	if err != nil {
		return 0, 0, err
	}
	return before, before - qty, nil
}

// IncreaseIn adds qty back to the unit through q.
func IncreaseIn(ctx context.Context, q postgres.Querier, unitType string, unitID uuid.UUID, qty int) error {
	var before int
	table, tracked, err := lockUnit(ctx, q, unitType, unitID, &before)
	if err != nil {
		return err
	}
	if !tracked {
		return nil
	}
	_, err = q.Exec(ctx, `UPDATE `+table+` SET stock_quantity = stock_quantity + $2, updated_at = now() WHERE id=$1`, unitID, qty)
	return err
}

func lockUnit(ctx context.Context, q postgres.Querier, unitType string, unitID uuid.UUID, qty *int) (table string, tracked bool, err error) {
	tracked = true
	switch unitType {
	case UnitVariant:
		table = "product_variants"
		err = q.QueryRow(ctx, `SELECT stock_quantity FROM product_variants WHERE id=$1 FOR UPDATE`, unitID).Scan(qty)
	case UnitProduct:
		table = "products"
		err = q.QueryRow(ctx, `SELECT stock_quantity, track_inventory FROM products WHERE id=$1 FOR UPDATE`, unitID).Scan(qty, &tracked)
	default:
		return "", false, fmt.Errorf("unknown unit type %q", unitType)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, ErrUnitNotFound
	}
	return table, tracked, err
}
