package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

var (
	ErrInvalidInput          = errors.New("inventory: invalid input")
	ErrPartialReconciliation = errors.New("inventory: partial reconciliation failure")
	ErrProductNotFound       = store.ErrNotFound
)

// WarehouseItem holds the authoritative count.
type WarehouseItem struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Stock        int64      `json:"stock"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// StorefrontItem is the count shown to buyers. WarehouseID is empty when the
// item is not linked to a warehouse item.
type StorefrontItem struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	WarehouseID     string     `json:"warehouse_id,omitempty"`
	Stock           int64      `json:"stock"`
	OnSale          bool       `json:"on_sale"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
	LastOrderSyncAt *time.Time `json:"last_order_sync_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (s *StorefrontItem) Linked() bool { return s.WarehouseID != "" }

type Direction string

const (
	DirectionOut    Direction = "out"
	DirectionIn     Direction = "in"
	DirectionAdjust Direction = "adjust"
)

// Movement is one audit row per stock change.
type Movement struct {
	ID           string    `json:"id"`
	OrderID      string    `json:"order_id,omitempty"`
	StorefrontID string    `json:"storefront_id,omitempty"`
	WarehouseID  string    `json:"warehouse_id,omitempty"`
	Direction    Direction `json:"direction"`
	Quantity     int64     `json:"quantity"`
	Note         string    `json:"note,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Item is one order line as the reconciler sees it. ProductID is the
// storefront item id.
type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

type ItemOutcome string

const (
	OutcomeOK        ItemOutcome = "ok"
	OutcomeFloored   ItemOutcome = "floored"
	OutcomeDuplicate ItemOutcome = "duplicate"
	OutcomeFailed    ItemOutcome = "failed"
)

type ItemResult struct {
	ProductID        string      `json:"product_id"`
	Quantity         int64       `json:"quantity"`
	Outcome          ItemOutcome `json:"outcome"`
	StorefrontBefore int64       `json:"storefront_before"`
	StorefrontAfter  int64       `json:"storefront_after"`
	WarehouseID      string      `json:"warehouse_id,omitempty"`
	WarehouseBefore  int64       `json:"warehouse_before,omitempty"`
	WarehouseAfter   int64       `json:"warehouse_after,omitempty"`
	Warning          string      `json:"warning,omitempty"`
	Error            string      `json:"error,omitempty"`
}

type DecrementReport struct {
	OrderID string       `json:"order_id"`
	Success bool         `json:"success"`
	Items   []ItemResult `json:"per_item"`
}

type ResyncOutcome string

const (
	ResyncSynced   ResyncOutcome = "synced"
	ResyncInSync   ResyncOutcome = "in_sync"
	ResyncUnlinked ResyncOutcome = "unlinked"
	ResyncFailed   ResyncOutcome = "failed"
)

type ResyncItem struct {
	StorefrontID string        `json:"storefront_id"`
	WarehouseID  string        `json:"warehouse_id,omitempty"`
	Outcome      ResyncOutcome `json:"outcome"`
	OldStock     int64         `json:"old_stock"`
	NewStock     int64         `json:"new_stock"`
	Error        string        `json:"error,omitempty"`
}

type ReconciliationReport struct {
	RunID        string       `json:"run_id"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
	SyncedCount  int          `json:"synced_count"`
	ErrorCount   int          `json:"error_count"`
	InSyncCount  int          `json:"in_sync_count"`
	SkippedCount int          `json:"skipped_count"`
	Items        []ResyncItem `json:"items"`
}

// Err is ErrPartialReconciliation when any pair failed.
func (r *ReconciliationReport) Err() error {
	if r.ErrorCount == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d of %d items", ErrPartialReconciliation, r.ErrorCount, len(r.Items))
}

type ProductSpec struct {
	Name   string `json:"name"`
	Stock  int64  `json:"stock"`
	OnSale bool   `json:"on_sale"`
	// Unlinked creates only the storefront item.
	Unlinked bool `json:"unlinked,omitempty"`
}

type StatusReport struct {
	WarehouseItems  int               `json:"warehouse_items"`
	StorefrontItems int               `json:"storefront_items"`
	Linked          int               `json:"linked"`
	Unlinked        int               `json:"unlinked"`
	OutOfSync       int               `json:"out_of_sync"`
	PendingSagas    int               `json:"pending_sagas"`
	LowStock        []*StorefrontItem `json:"low_stock"`
	RecentSyncs     []*StorefrontItem `json:"recent_syncs"`
}
