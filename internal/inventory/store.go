package inventory

import (
	"context"
	"time"
)

// Store persists the two stock counters and the movement log.
type Store interface {
	// CreatePair stores w (may be nil) and s in one write.
	CreatePair(ctx context.Context, w *WarehouseItem, s *StorefrontItem) error
	GetStorefront(ctx context.Context, id string) (*StorefrontItem, error)
	GetWarehouse(ctx context.Context, id string) (*WarehouseItem, error)
	ListStorefront(ctx context.Context) ([]*StorefrontItem, error)
	ListWarehouse(ctx context.Context) ([]*WarehouseItem, error)

	// AddStorefront adds delta to the storefront count, clamping at zero, and
	// stamps last_order_sync_at. It returns the counts before and after.
	AddStorefront(ctx context.Context, id string, delta int64, at time.Time) (before, after int64, err error)
	// AddWarehouse is AddStorefront for the warehouse count.
	AddWarehouse(ctx context.Context, id string, delta int64, at time.Time) (before, after int64, err error)
	// SetStorefrontStock overwrites the storefront count only while it still
	// equals expected, and stamps last_synced_at. ErrConflict otherwise.
	SetStorefrontStock(ctx context.Context, id string, expected, stock int64, at time.Time) error

	// RecordMovement returns ErrAlreadyExists for a second out movement of
	// the same order and storefront item.
	RecordMovement(ctx context.Context, m Movement) error
	DeleteMovement(ctx context.Context, id string) error
	DeleteOrderMovements(ctx context.Context, orderID string) (int64, error)
	ListOrderMovements(ctx context.Context, orderID string) ([]Movement, error)
}
