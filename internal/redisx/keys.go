package redisx

import "time"

const (
	// idem:order:create:{external_id} -> order_id
	KeyIdemOrderCreate = "idem:order:create:%s"

	// order_status:{order_id} -> {"status": "...", "updated_at": "..."}
	KeyOrderStatus = "order_status:%s"

	// dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// hash saga:{order_id}:{storefront_id}
	KeySaga = "saga:%s"

	// set of saga ids not yet completed or compensated
	KeySagaPending = "saga:pending"

	// lock:alloc:{kind}:{product_key}:{customer}
	KeyAllocLock = "lock:alloc:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
	TTLSaga        = 48 * time.Hour
)
