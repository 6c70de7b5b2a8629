package redisx

import "time"

const (
	// Idempotent checkout submission: idem:checkout:{client-key} -> attempt_id
	KeyIdemCheckout = "idem:checkout:%s"

	// Cache order status: order_status:{order_id} -> {"status":"...","payment_status":"..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup stage event processing: dedup:{stage}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Pub/sub channel per broadcast group: notify:{scope}:{id}
	KeyNotifyChannel = "notify:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
