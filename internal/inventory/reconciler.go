package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ariefcatur/go-prepaid-orders/internal/events"
	"github.com/ariefcatur/go-prepaid-orders/internal/metrics"
	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

const recentSyncLimit = 5

// ReportArchiver stores a serialized resync report under key.
type ReportArchiver interface {
	Archive(ctx context.Context, key string, body []byte) error
}

// Reconciler owns every write to the storefront and warehouse counters.
type Reconciler struct {
	store    Store
	sagas    SagaLog
	archiver ReportArchiver
	events   *events.Emitter
	policy   store.Policy
	logger   *slog.Logger
	now      func() time.Time

	concurrency       int
	lowStockThreshold int64
}

type Option func(*Reconciler)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

func WithSagaLog(l SagaLog) Option {
	return func(r *Reconciler) { r.sagas = l }
}

func WithArchiver(a ReportArchiver) Option {
	return func(r *Reconciler) { r.archiver = a }
}

func WithEvents(e *events.Emitter) Option {
	return func(r *Reconciler) { r.events = e }
}

func WithRetryPolicy(p store.Policy) Option {
	return func(r *Reconciler) { r.policy = p }
}

// WithConcurrency bounds how many pairs a full resync works on at once.
func WithConcurrency(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithLowStockThreshold(n int64) Option {
	return func(r *Reconciler) { r.lowStockThreshold = n }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(s Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:             s,
		sagas:             NewMemorySagaLog(),
		policy:            store.DefaultPolicy(),
		logger:            slog.Default(),
		now:               func() time.Time { return time.Now().UTC() },
		concurrency:       8,
		lowStockThreshold: 10,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// once runs a write that is not safe to repeat: it gets the per-call timeout
// but no retry.
func (r *Reconciler) once(ctx context.Context, op func(ctx context.Context) error) error {
	p := r.policy
	p.MaxAttempts = 1
	return store.Do(ctx, p, op)
}

type Product struct {
	Storefront *StorefrontItem `json:"storefront"`
	Warehouse  *WarehouseItem  `json:"warehouse,omitempty"`
}

// RegisterProduct creates a storefront item, and unless spec.Unlinked a
// warehouse item it is linked to, both starting at spec.Stock.
func (r *Reconciler) RegisterProduct(ctx context.Context, spec ProductSpec) (*Product, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" || spec.Stock < 0 {
		return nil, fmt.Errorf("%w: name and non-negative stock required", ErrInvalidInput)
	}

	now := r.now()
	p := &Product{Storefront: &StorefrontItem{
		ID:        uuid.NewString(),
		Name:      name,
		Stock:     spec.Stock,
		OnSale:    spec.OnSale,
		UpdatedAt: now,
	}}
	if !spec.Unlinked {
		p.Warehouse = &WarehouseItem{ID: uuid.NewString(), Name: name, Stock: spec.Stock, UpdatedAt: now}
		p.Storefront.WarehouseID = p.Warehouse.ID
	}

	if err := r.once(ctx, func(ctx context.Context) error {
		return r.store.CreatePair(ctx, p.Warehouse, p.Storefront)
	}); err != nil {
		return nil, err
	}

	if p.Warehouse != nil && spec.Stock > 0 {
		r.recordMovement(ctx, Movement{
			WarehouseID: p.Warehouse.ID,
			Direction:   DirectionIn,
			Quantity:    spec.Stock,
			Note:        "initial stock",
			CreatedAt:   now,
		})
	}
	r.logger.Info("product registered", "storefront_id", p.Storefront.ID, "linked", p.Warehouse != nil, "stock", spec.Stock)
	return p, nil
}

// DecrementOnOrder takes each line's quantity off the storefront count and,
// for linked items, off the warehouse count. Lines are independent: a missing
// product fails its own line only. Counts clamp at zero with a warning.
func (r *Reconciler) DecrementOnOrder(ctx context.Context, orderID string, items []Item) (*DecrementReport, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("%w: order_id required", ErrInvalidInput)
	}

	rep := &DecrementReport{OrderID: orderID, Success: true, Items: make([]ItemResult, 0, len(items))}
	for _, it := range mergeItems(items) {
		res := r.decrementOne(ctx, orderID, it)
		if res.Outcome == OutcomeFailed {
			rep.Success = false
		}
		metrics.InventoryDecrements.WithLabelValues(string(res.Outcome)).Inc()
		rep.Items = append(rep.Items, res)
	}

	r.logger.Info("order stock decremented", "order_id", orderID, "items", len(rep.Items), "success", rep.Success)
	_ = r.events.Emit(ctx, events.TopicInventoryDecremented, events.EventInventoryDecremented, orderID, rep)
	return rep, nil
}

// mergeItems folds repeated product ids into one line, keeping first-seen order.
func mergeItems(items []Item) []Item {
	idx := make(map[string]int, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if i, ok := idx[it.ProductID]; ok && it.ProductID != "" {
			out[i].Quantity += it.Quantity
			continue
		}
		idx[it.ProductID] = len(out)
		out = append(out, it)
	}
	return out
}

func (r *Reconciler) decrementOne(ctx context.Context, orderID string, it Item) ItemResult {
	res := ItemResult{ProductID: it.ProductID, Quantity: it.Quantity}
	fail := func(err error) ItemResult {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		r.logger.Warn("order line not decremented", "order_id", orderID, "product_id", it.ProductID, "err", err)
		return res
	}

	if it.ProductID == "" || it.Quantity <= 0 {
		return fail(fmt.Errorf("%w: product_id and positive quantity required", ErrInvalidInput))
	}

	sf, err := store.Get(ctx, r.policy, func(ctx context.Context) (*StorefrontItem, error) {
		return r.store.GetStorefront(ctx, it.ProductID)
	})
	if err != nil {
		return fail(fmt.Errorf("storefront item %s: %w", it.ProductID, err))
	}
	res.WarehouseID = sf.WarehouseID

	now := r.now()
	mv := Movement{
		ID:           uuid.NewString(),
		OrderID:      orderID,
		StorefrontID: sf.ID,
		WarehouseID:  sf.WarehouseID,
		Direction:    DirectionOut,
		Quantity:     it.Quantity,
		Note:         "order",
		CreatedAt:    now,
	}
	err = r.once(ctx, func(ctx context.Context) error { return r.store.RecordMovement(ctx, mv) })
	if errors.Is(err, store.ErrAlreadyExists) {
		res.Outcome = OutcomeDuplicate
		res.StorefrontBefore, res.StorefrontAfter = sf.Stock, sf.Stock
		return res
	}
	if err != nil {
		return fail(fmt.Errorf("record movement: %w", err))
	}

	saga := Saga{
		ID:           orderID + ":" + sf.ID,
		OrderID:      orderID,
		StorefrontID: sf.ID,
		WarehouseID:  sf.WarehouseID,
		MovementID:   mv.ID,
		Quantity:     it.Quantity,
		Step:         SagaStarted,
		UpdatedAt:    now,
	}
	if err := r.sagas.Save(ctx, saga); err != nil {
		r.dropMovement(ctx, mv.ID)
		return fail(fmt.Errorf("saga log: %w", err))
	}

	var before, after int64
	err = r.once(ctx, func(ctx context.Context) error {
		var err error
		before, after, err = r.store.AddStorefront(ctx, sf.ID, -it.Quantity, now)
		return err
	})
	if err != nil {
		r.dropMovement(ctx, mv.ID)
		r.saveSaga(ctx, saga, SagaFailed)
		return fail(fmt.Errorf("storefront write: %w", err))
	}
	res.StorefrontBefore, res.StorefrontAfter = before, after
	if before < it.Quantity {
		res.Outcome = OutcomeFloored
		res.Warning = fmt.Sprintf("storefront stock %d below ordered %d, clamped at 0", before, it.Quantity)
		r.logger.Warn("storefront stock clamped", "order_id", orderID, "product_id", sf.ID, "stock", before, "quantity", it.Quantity)
	}
	saga.StorefrontRemoved = before - after
	r.saveSaga(ctx, saga, SagaStorefrontApplied)

	if sf.Linked() {
		var wb, wa int64
		err = r.once(ctx, func(ctx context.Context) error {
			var err error
			wb, wa, err = r.store.AddWarehouse(ctx, sf.WarehouseID, -it.Quantity, now)
			return err
		})
		if err != nil {
			if r.compensate(ctx, saga) {
				res.StorefrontAfter = res.StorefrontBefore
			}
			return fail(fmt.Errorf("warehouse write: %w", err))
		}
		res.WarehouseBefore, res.WarehouseAfter = wb, wa
		if wb < it.Quantity {
			res.Outcome = OutcomeFloored
			res.Warning = strings.TrimPrefix(res.Warning+"; "+fmt.Sprintf("warehouse stock %d below ordered %d, clamped at 0", wb, it.Quantity), "; ")
			r.logger.Warn("warehouse stock clamped", "order_id", orderID, "warehouse_id", sf.WarehouseID, "stock", wb, "quantity", it.Quantity)
		}
	}

	r.saveSaga(ctx, saga, SagaCompleted)
	if res.Outcome == "" {
		res.Outcome = OutcomeOK
	}
	return res
}

// compensate reverses the storefront step of a saga. When the reversal itself
// fails the saga stays pending for RecoverSagas.
func (r *Reconciler) compensate(ctx context.Context, s Saga) bool {
	if s.StorefrontRemoved > 0 {
		err := r.once(ctx, func(ctx context.Context) error {
			_, _, err := r.store.AddStorefront(ctx, s.StorefrontID, s.StorefrontRemoved, r.now())
			return err
		})
		if err != nil {
			r.logger.Error("storefront compensation failed", "saga_id", s.ID, "err", err)
			return false
		}
	}
	r.dropMovement(ctx, s.MovementID)
	r.saveSaga(ctx, s, SagaCompensated)
	r.logger.Warn("order line compensated", "saga_id", s.ID, "restored", s.StorefrontRemoved)
	return true
}

func (r *Reconciler) saveSaga(ctx context.Context, s Saga, step SagaStep) {
	s.Step = step
	s.UpdatedAt = r.now()
	if err := r.sagas.Save(ctx, s); err != nil {
		r.logger.Error("saga log write failed", "saga_id", s.ID, "step", step, "err", err)
	}
}

func (r *Reconciler) dropMovement(ctx context.Context, id string) {
	err := r.once(ctx, func(ctx context.Context) error { return r.store.DeleteMovement(ctx, id) })
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Error("movement cleanup failed", "movement_id", id, "err", err)
	}
}

func (r *Reconciler) recordMovement(ctx context.Context, m Movement) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := r.once(ctx, func(ctx context.Context) error { return r.store.RecordMovement(ctx, m) }); err != nil {
		r.logger.Warn("movement not recorded", "direction", m.Direction, "warehouse_id", m.WarehouseID, "err", err)
	}
}

// RecoverSagas settles sagas that have not moved for olderThan. A saga whose
// storefront step is known to have applied is compensated; one that never
// got that far is marked failed and its movement claim released.
func (r *Reconciler) RecoverSagas(ctx context.Context, olderThan time.Duration) (int, error) {
	pending, err := r.sagas.Pending(ctx)
	if err != nil {
		return 0, err
	}
	metrics.InventoryPendingSagas.Set(float64(len(pending)))

	cutoff := r.now().Add(-olderThan)
	settled := 0
	for _, s := range pending {
		if s.UpdatedAt.After(cutoff) {
			continue
		}
		switch s.Step {
		case SagaStorefrontApplied:
			if !r.compensate(ctx, s) {
				continue
			}
		case SagaStarted:
			r.dropMovement(ctx, s.MovementID)
			r.saveSaga(ctx, s, SagaFailed)
			r.logger.Warn("stale saga marked failed", "saga_id", s.ID)
		default:
			continue
		}
		settled++
	}
	return settled, nil
}

// AdjustWarehouse applies an external correction or stock-in to the
// authoritative count. The count clamps at zero.
func (r *Reconciler) AdjustWarehouse(ctx context.Context, id string, delta int64, note string) (*WarehouseItem, error) {
	if delta == 0 {
		return nil, fmt.Errorf("%w: delta must be non-zero", ErrInvalidInput)
	}
	now := r.now()
	var before, after int64
	err := r.once(ctx, func(ctx context.Context) error {
		var err error
		before, after, err = r.store.AddWarehouse(ctx, id, delta, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	dir := DirectionAdjust
	if delta > 0 {
		dir = DirectionIn
	}
	r.recordMovement(ctx, Movement{WarehouseID: id, Direction: dir, Quantity: delta, Note: note, CreatedAt: now})
	r.logger.Info("warehouse adjusted", "warehouse_id", id, "before", before, "after", after)

	return store.Get(ctx, r.policy, func(ctx context.Context) (*WarehouseItem, error) {
		return r.store.GetWarehouse(ctx, id)
	})
}

// DeleteOrderMovements drops the movement rows of a deleted order. Stock
// counts are left as they are.
func (r *Reconciler) DeleteOrderMovements(ctx context.Context, orderID string) (int64, error) {
	var n int64
	err := store.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		n, err = r.store.DeleteOrderMovements(ctx, orderID)
		return err
	})
	return n, err
}

func (r *Reconciler) OrderMovements(ctx context.Context, orderID string) ([]Movement, error) {
	return store.Get(ctx, r.policy, func(ctx context.Context) ([]Movement, error) {
		return r.store.ListOrderMovements(ctx, orderID)
	})
}

func (r *Reconciler) Status(ctx context.Context) (*StatusReport, error) {
	ws, err := store.Get(ctx, r.policy, r.store.ListWarehouse)
	if err != nil {
		return nil, err
	}
	ss, err := store.Get(ctx, r.policy, r.store.ListStorefront)
	if err != nil {
		return nil, err
	}

	stock := make(map[string]int64, len(ws))
	for _, w := range ws {
		stock[w.ID] = w.Stock
	}

	rep := &StatusReport{
		WarehouseItems:  len(ws),
		StorefrontItems: len(ss),
		LowStock:        []*StorefrontItem{},
		RecentSyncs:     []*StorefrontItem{},
	}
	for _, s := range ss {
		if s.Linked() {
			rep.Linked++
			if w, ok := stock[s.WarehouseID]; !ok || w != s.Stock {
				rep.OutOfSync++
			}
		} else {
			rep.Unlinked++
		}
		if s.OnSale && s.Stock <= r.lowStockThreshold {
			rep.LowStock = append(rep.LowStock, s)
		}
		if s.LastSyncedAt != nil {
			rep.RecentSyncs = append(rep.RecentSyncs, s)
		}
	}
	sort.Slice(rep.LowStock, func(i, j int) bool { return rep.LowStock[i].Stock < rep.LowStock[j].Stock })
	sort.Slice(rep.RecentSyncs, func(i, j int) bool {
		return rep.RecentSyncs[i].LastSyncedAt.After(*rep.RecentSyncs[j].LastSyncedAt)
	})
	if len(rep.RecentSyncs) > recentSyncLimit {
		rep.RecentSyncs = rep.RecentSyncs[:recentSyncLimit]
	}

	if pending, err := r.sagas.Pending(ctx); err == nil {
		rep.PendingSagas = len(pending)
		metrics.InventoryPendingSagas.Set(float64(len(pending)))
	} else {
		r.logger.Warn("saga log unavailable", "err", err)
	}
	return rep, nil
}
