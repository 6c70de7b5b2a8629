package orders

import "errors"

var (
	ErrNotFound          = errors.New("order not found")
	ErrForbidden         = errors.New("order does not belong to user")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrEmptyCart         = errors.New("cart is empty")
	ErrTotalTooSmall     = errors.New("order total must be at least 0.01")
)
