package redisx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-prepaid-orders/internal/inventory"
	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

// SagaLog keeps each saga in a hash and the ids of unfinished ones in a set.
type SagaLog struct {
	RDB *redis.Client
}

var _ inventory.SagaLog = (*SagaLog)(nil)

func (l *SagaLog) Save(ctx context.Context, s inventory.Saga) error {
	key := fmt.Sprintf(KeySaga, s.ID)
	pipe := l.RDB.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"order_id":           s.OrderID,
		"storefront_id":      s.StorefrontID,
		"warehouse_id":       s.WarehouseID,
		"movement_id":        s.MovementID,
		"quantity":           s.Quantity,
		"storefront_removed": s.StorefrontRemoved,
		"step":               string(s.Step),
		"updated_at":         s.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, TTLSaga)
	if s.Step.Terminal() {
		pipe.SRem(ctx, KeySagaPending, s.ID)
	} else {
		pipe.SAdd(ctx, KeySagaPending, s.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: save saga %s: %v", store.ErrUnavailable, s.ID, err)
	}
	return nil
}

func (l *SagaLog) Pending(ctx context.Context) ([]inventory.Saga, error) {
	ids, err := l.RDB.SMembers(ctx, KeySagaPending).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list sagas: %v", store.ErrUnavailable, err)
	}

	out := make([]inventory.Saga, 0, len(ids))
	for _, id := range ids {
		h, err := l.RDB.HGetAll(ctx, fmt.Sprintf(KeySaga, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: load saga %s: %v", store.ErrUnavailable, id, err)
		}
		if len(h) == 0 {
			// hash expired
			_ = l.RDB.SRem(ctx, KeySagaPending, id).Err()
			continue
		}
		s, err := decodeSaga(id, h)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeSaga(id string, h map[string]string) (inventory.Saga, error) {
	s := inventory.Saga{
		ID:           id,
		OrderID:      h["order_id"],
		StorefrontID: h["storefront_id"],
		WarehouseID:  h["warehouse_id"],
		MovementID:   h["movement_id"],
		Step:         inventory.SagaStep(h["step"]),
	}
	var err error
	if s.Quantity, err = strconv.ParseInt(h["quantity"], 10, 64); err != nil {
		return s, fmt.Errorf("saga %s: quantity: %w", id, err)
	}
	if s.StorefrontRemoved, err = strconv.ParseInt(h["storefront_removed"], 10, 64); err != nil {
		return s, fmt.Errorf("saga %s: storefront_removed: %w", id, err)
	}
	if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, h["updated_at"]); err != nil {
		return s, fmt.Errorf("saga %s: updated_at: %w", id, err)
	}
	return s, nil
}
