package orders

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusConfirmed  Status = "confirmed"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true, StatusConfirmed: true, StatusCancelled: true},
	StatusProcessing: {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed:  {StatusShipped: true, StatusCancelled: true},
	StatusShipped:    {StatusDelivered: true},
	StatusDelivered:  {StatusRefunded: true},
	StatusCancelled:  {},
	StatusRefunded:   {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// PaymentStatus is an independent axis: it is set by the payment
// collaborator and never derived from Status.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentProcessing        PaymentStatus = "processing"
	PaymentPaid              PaymentStatus = "paid"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

var validNextPayment = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentPending:           {PaymentProcessing: true, PaymentPaid: true, PaymentFailed: true},
	PaymentProcessing:        {PaymentPaid: true, PaymentFailed: true},
	PaymentPaid:              {PaymentRefunded: true, PaymentPartiallyRefunded: true},
	PaymentFailed:            {PaymentProcessing: true},
	PaymentPartiallyRefunded: {PaymentRefunded: true},
	PaymentRefunded:          {},
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	return validNextPayment[from][to]
}

// CanBeCancelled mirrors the guard inside Cancel: callers use it to
// decide whether to offer cancellation at all.
func CanBeCancelled(s Status) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusConfirmed:
		return true
	}
	return false
}
