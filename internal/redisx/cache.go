package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type StatusEntry struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusCache is a read-through cache of order status. Misses and Redis
// errors both return ok=false; the database stays the source of truth.
type StatusCache struct {
	RDB *redis.Client
}

func (c *StatusCache) Get(ctx context.Context, orderID string) (StatusEntry, bool) {
	var e StatusEntry
	s, err := c.RDB.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Result()
	if err != nil || s == "" {
		return e, false
	}
	if json.Unmarshal([]byte(s), &e) != nil {
		return e, false
	}
	return e, true
}

func (c *StatusCache) Set(ctx context.Context, orderID string, e StatusEntry) {
	b, _ := json.Marshal(e)
	_ = c.RDB.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), b, TTLStatusCache).Err()
}

func (c *StatusCache) Drop(ctx context.Context, orderID string) {
	_ = c.RDB.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Err()
}

// Idempotency remembers which order an external id created.
type Idempotency struct {
	RDB *redis.Client
}

func (i *Idempotency) Lookup(ctx context.Context, externalID string) (string, bool) {
	id, err := i.RDB.Get(ctx, fmt.Sprintf(KeyIdemOrderCreate, externalID)).Result()
	if errors.Is(err, redis.Nil) || err != nil {
		return "", false
	}
	return id, true
}

func (i *Idempotency) Remember(ctx context.Context, externalID, orderID string) {
	_ = i.RDB.Set(ctx, fmt.Sprintf(KeyIdemOrderCreate, externalID), orderID, TTLIdempotency).Err()
}

func (i *Idempotency) Forget(ctx context.Context, externalID string) {
	_ = i.RDB.Del(ctx, fmt.Sprintf(KeyIdemOrderCreate, externalID)).Err()
}
