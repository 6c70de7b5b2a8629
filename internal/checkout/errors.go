package checkout

import (
	"errors"

	"github.com/nprasetio/go-checkout-orders/internal/cart"
	"github.com/nprasetio/go-checkout-orders/internal/orders"
	"github.com/nprasetio/go-checkout-orders/internal/stock"
	"github.com/nprasetio/go-checkout-orders/internal/users"
)

// ValidationError is a business-rule rejection: terminal for the
// attempt, reported to the user, never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// IsTerminal classifies a stage error. Business-rule failures abort the
// attempt immediately; everything else is treated as transient
// infrastructure trouble and retried up to the bound.
func IsTerminal(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	return errors.Is(err, stock.ErrInsufficientStock) ||
		errors.Is(err, stock.ErrUnitNotFound) ||
		errors.Is(err, orders.ErrInvalidTransition) ||
		errors.Is(err, orders.ErrNotFound) ||
		errors.Is(err, orders.ErrEmptyCart) ||
		errors.Is(err, orders.ErrTotalTooSmall) ||
		errors.Is(err, cart.ErrNotFound) ||
		errors.Is(err, users.ErrNotFound)
}

func IsTransient(err error) bool {
	return err != nil && !IsTerminal(err)
}
