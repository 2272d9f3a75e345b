package inventory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-prepaid-orders/internal/events"
	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

type tick struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tick) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestReconciler(t *testing.T, s Store, opts ...Option) *Reconciler {
	t.Helper()
	clock := &tick{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	base := []Option{
		WithClock(clock.now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetryPolicy(store.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, OpTimeout: time.Second}),
	}
	return NewReconciler(s, append(base, opts...)...)
}

func register(t *testing.T, r *Reconciler, name string, stock int64, linked bool) *Product {
	t.Helper()
	p, err := r.RegisterProduct(context.Background(), ProductSpec{Name: name, Stock: stock, OnSale: true, Unlinked: !linked})
	if err != nil {
		t.Fatalf("RegisterProduct(%s) error: %v", name, err)
	}
	return p
}

func counts(t *testing.T, s Store, p *Product) (storefront, warehouse int64) {
	t.Helper()
	ctx := context.Background()
	sf, err := s.GetStorefront(ctx, p.Storefront.ID)
	if err != nil {
		t.Fatalf("GetStorefront() error: %v", err)
	}
	if p.Warehouse == nil {
		return sf.Stock, -1
	}
	w, err := s.GetWarehouse(ctx, p.Warehouse.ID)
	if err != nil {
		t.Fatalf("GetWarehouse() error: %v", err)
	}
	return sf.Stock, w.Stock
}

func TestDecrementOnOrder_PartialTolerance(t *testing.T) {
	s := NewMemoryStore()
	r := newTestReconciler(t, s)
	a := register(t, r, "oolong", 10, true)

	rep, err := r.DecrementOnOrder(context.Background(), "o-1", []Item{
		{ProductID: a.Storefront.ID, Quantity: 2},
		{ProductID: "ghost", Quantity: 1},
	})
	if err != nil {
		t.Fatalf("DecrementOnOrder() error: %v", err)
	}
	if rep.Success {
		t.Error("Success = true, want false with a missing product")
	}
	if len(rep.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(rep.Items))
	}
	if rep.Items[0].Outcome != OutcomeOK {
		t.Errorf("first outcome = %s, want ok", rep.Items[0].Outcome)
	}
	if rep.Items[1].Outcome != OutcomeFailed || rep.Items[1].Error == "" {
		t.Errorf("second item = %+v, want failed with error", rep.Items[1])
	}

	sf, wh := counts(t, s, a)
	if sf != 8 || wh != 8 {
		t.Errorf("counts = %d/%d, want 8/8", sf, wh)
	}
}

func TestDecrementOnOrder_ClampsAtZero(t *testing.T) {
	s := NewMemoryStore()
	r := newTestReconciler(t, s)
	a := register(t, r, "oolong", 2, true)

	rep, err := r.DecrementOnOrder(context.Background(), "o-1", []Item{{ProductID: a.Storefront.ID, Quantity: 5}})
	if err != nil {
		t.Fatalf("DecrementOnOrder() error: %v", err)
	}
	it := rep.Items[0]
	if it.Outcome != OutcomeFloored || it.Warning == "" {
		t.Errorf("item = %+v, want floored with warning", it)
	}
	if !rep.Success {
		t.Error("Success = false, want true: clamping is not a failure")
	}
	if sf, wh := counts(t, s, a); sf != 0 || wh != 0 {
		t.Errorf("counts = %d/%d, want 0/0", sf, wh)
	}
}

func TestDecrementOnOrder_UnlinkedTouchesStorefrontOnly(t *testing.T) {
	s := NewMemoryStore()
	r := newTestReconciler(t, s)
	a := register(t, r, "sample", 4, false)

	rep, err := r.DecrementOnOrder(context.Background(), "o-1", []Item{{ProductID: a.Storefront.ID, Quantity: 1}})
	if err != nil {
		t.Fatalf("DecrementOnOrder() error: %v", err)
	}
	if rep.Items[0].WarehouseID != "" || rep.Items[0].WarehouseBefore != 0 {
		t.Errorf("item = %+v, want no warehouse write", rep.Items[0])
	}
	if sf, _ := counts(t, s, a); sf != 3 {
		t.Errorf("storefront = %d, want 3", sf)
	}
}

func TestDecrementOnOrder_SameOrderTwiceIsDuplicate(t *testing.T) {
	s := NewMemoryStore()
	r := newTestReconciler(t, s)
	a := register(t, r, "oolong", 10, true)
	items := []Item{{ProductID: a.Storefront.ID, Quantity: 3}}

	if _, err := r.DecrementOnOrder(context.Background(), "o-1", items); err != nil {
		t.Fatalf("DecrementOnOrder() error: %v", err)
	}
	rep, err := r.DecrementOnOrder(context.Background(), "o-1", items)
	if err != nil {
		t.Fatalf("second DecrementOnOrder() error: %v", err)
	}
	if rep.Items[0].Outcome != OutcomeDuplicate {
		t.Errorf("outcome = %s, want duplicate", rep.Items[0].Outcome)
	}
	if sf, wh := counts(t, s, a); sf != 7 || wh != 7 {
		t.Errorf("counts = %d/%d, want 7/7", sf, wh)
	}
}

func TestDecrementOnOrder_MergesRepeatedLines(t *testing.T) {
	s := NewMemoryStore()
	r := newTestReconciler(t, s)
	a := register(t, r, "oolong", 10, true)

	rep, err := r.DecrementOnOrder(context.Background(), "o-1", []Item{
		{ProductID: a.Storefront.ID, Quantity: 1},
		{ProductID: a.Storefront.ID, Quantity: 2},
	})
	if err != nil {
		t.Fatalf("DecrementOnOrder() error: %v", err)
	}
	if len(rep.Items) != 1 || rep.Items[0].Quantity != 3 {
		t.Errorf("items = %+v, want one line of 3", rep.Items)
	}
}

func TestDecrementOnOrder_RequiresOrderID(t *testing.T) {
	r := newTestReconciler(t, NewMemoryStore())
	if _, err := r.DecrementOnOrder(context.Background(), " ", nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

// failingWarehouse rejects warehouse writes while fail is set.
type failingWarehouse struct {
	*MemoryStore
	fail bool
}

func (f *failingWarehouse) AddWarehouse(ctx context.Context, id string, delta int64, at time.Time) (int64, int64, error) {
	if f.fail {
		return 0, 0, store.ErrNotFound
	}
	return f.MemoryStore.AddWarehouse(ctx, id, delta, at)
}

func TestDecrementOnOrder_WarehouseFailureCompensates(t *testing.T) {
	fs := &failingWarehouse{MemoryStore: NewMemoryStore()}
	sagas := NewMemorySagaLog()
	r := newTestReconciler(t, fs, WithSagaLog(sagas))
	a := register(t, r, "oolong", 10, true)
	items := []Item{{ProductID: a.Storefront.ID, Quantity: 3}}

	fs.fail = true
	rep, err := r.DecrementOnOrder(context.Background(), "o-1", items)
	if err != nil {
		t.Fatalf("DecrementOnOrder() error: %v", err)
	}
	if rep.Items[0].Outcome != OutcomeFailed {
		t.Errorf("outcome = %s, want failed", rep.Items[0].Outcome)
	}
	if sf, wh := counts(t, fs.MemoryStore, a); sf != 10 || wh != 10 {
		t.Errorf("counts = %d/%d, want 10/10 after compensation", sf, wh)
	}
	saga, ok := sagas.Get("o-1:" + a.Storefront.ID)
	if !ok || saga.Step != SagaCompensated {
		t.Errorf("saga = %+v, want compensated", saga)
	}

	// the movement claim was released, so the order can be retried
	fs.fail = false
	rep, err = r.DecrementOnOrder(context.Background(), "o-1", items)
	if err != nil {
		t.Fatalf("retry DecrementOnOrder() error: %v", err)
	}
	if rep.Items[0].Outcome != OutcomeOK {
		t.Errorf("retry outcome = %s, want ok", rep.Items[0].Outcome)
	}
	if sf, wh := counts(t, fs.MemoryStore, a); sf != 7 || wh != 7 {
		t.Errorf("counts = %d/%d, want 7/7", sf, wh)
	}
}

func TestReconciler_Convergence(t *testing.T) {
	s := NewMemoryStore()
	r := newTestReconciler(t, s)
	ctx := context.Background()
	a := register(t, r, "oolong", 10, true)

	if _, err := r.DecrementOnOrder(ctx, "o-1", []Item{{ProductID: a.Storefront.ID, Quantity: 3}}); err != nil {
		t.Fatalf("DecrementOnOrder() error: %v", err)
	}
	if sf, wh := counts(t, s, a); sf != 7 || wh != 7 {
		t.Fatalf("after order = %d/%d, want 7/7", sf, wh)
	}

	if _, err := r.AdjustWarehouse(ctx, a.Warehouse.ID, -2, "recount"); err != nil {
		t.Fatalf("AdjustWarehouse() error: %v", err)
	}
	if sf, wh := counts(t, s, a); sf != 7 || wh != 5 {
		t.Fatalf("after adjust = %d/%d, want 7/5", sf, wh)
	}

	rep, err := r.FullResync(ctx)
	if err != nil {
		t.Fatalf("FullResync() error: %v", err)
	}
	if rep.SyncedCount != 1 || rep.ErrorCount != 0 {
		t.Errorf("report = synced %d errors %d, want 1/0", rep.SyncedCount, rep.ErrorCount)
	}
	if sf, wh := counts(t, s, a); sf != 5 || wh != 5 {
		t.Errorf("after resync = %d/%d, want 5/5", sf, wh)
	}
}

func TestFullResync_IsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	r := newTestReconciler(t, s)
	ctx := context.Background()
	a := register(t, r, "oolong", 10, true)
	if _, err := r.AdjustWarehouse(ctx, a.Warehouse.ID, 5, "delivery"); err != nil {
		t.Fatalf("AdjustWarehouse() error: %v", err)
	}

	if _, err := r.FullResync(ctx); err != nil {
		t.Fatalf("FullResync() error: %v", err)
	}
	first, _ := s.GetStorefront(ctx, a.Storefront.ID)

	rep, err := r.FullResync(ctx)
	if err != nil {
		t.Fatalf("second FullResync() error: %v", err)
	}
	if rep.SyncedCount != 0 || rep.InSyncCount != 1 {
		t.Errorf("second run synced %d in_sync %d, want 0/1", rep.SyncedCount, rep.InSyncCount)
	}
	second, _ := s.GetStorefront(ctx, a.Storefront.ID)
	if !second.UpdatedAt.Equal(first.UpdatedAt) || second.Stock != 15 {
		t.Errorf("second run wrote the storefront: %+v", second)
	}
}

type recordingArchiver struct {
	keys []string
}

func (a *recordingArchiver) Archive(_ context.Context, key string, _ []byte) error {
	a.keys = append(a.keys, key)
	return nil
}

func TestFullResync_ReportsUnlinkedAndMissingWarehouse(t *testing.T) {
	s := NewMemoryStore()
	arch := &recordingArchiver{}
	r := newTestReconciler(t, s, WithArchiver(arch))
	ctx := context.Background()

	register(t, r, "sample", 3, false)
	orphan := &StorefrontItem{ID: "sf-orphan", Name: "orphan", WarehouseID: "wh-gone", Stock: 1}
	if err := s.CreatePair(ctx, nil, orphan); err != nil {
		t.Fatalf("CreatePair() error: %v", err)
	}

	rep, err := r.FullResync(ctx)
	if err != nil {
		t.Fatalf("FullResync() error: %v", err)
	}
	if rep.SkippedCount != 1 || rep.ErrorCount != 1 {
		t.Errorf("report = skipped %d errors %d, want 1/1", rep.SkippedCount, rep.ErrorCount)
	}
	if !errors.Is(rep.Err(), ErrPartialReconciliation) {
		t.Errorf("Err() = %v, want ErrPartialReconciliation", rep.Err())
	}
	if len(arch.keys) != 1 {
		t.Errorf("archived %d reports, want 1", len(arch.keys))
	}
}

func TestRecoverSagas_CompensatesStaleStorefrontStep(t *testing.T) {
	s := NewMemoryStore()
	sagas := NewMemorySagaLog()
	r := newTestReconciler(t, s, WithSagaLog(sagas))
	ctx := context.Background()
	a := register(t, r, "oolong", 10, true)

	// a crash after the storefront write left it 3 short
	if _, _, err := s.AddStorefront(ctx, a.Storefront.ID, -3, time.Now()); err != nil {
		t.Fatalf("AddStorefront() error: %v", err)
	}
	mv := Movement{ID: "mv-1", OrderID: "o-9", StorefrontID: a.Storefront.ID, Direction: DirectionOut, Quantity: 3}
	if err := s.RecordMovement(ctx, mv); err != nil {
		t.Fatalf("RecordMovement() error: %v", err)
	}
	stale := Saga{
		ID:                "o-9:" + a.Storefront.ID,
		OrderID:           "o-9",
		StorefrontID:      a.Storefront.ID,
		WarehouseID:       a.Warehouse.ID,
		MovementID:        mv.ID,
		Quantity:          3,
		StorefrontRemoved: 3,
		Step:              SagaStorefrontApplied,
		UpdatedAt:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := sagas.Save(ctx, stale); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	n, err := r.RecoverSagas(ctx, time.Minute)
	if err != nil {
		t.Fatalf("RecoverSagas() error: %v", err)
	}
	if n != 1 {
		t.Errorf("settled = %d, want 1", n)
	}
	if sf, _ := counts(t, s, a); sf != 10 {
		t.Errorf("storefront = %d, want 10", sf)
	}
	if got, _ := sagas.Get(stale.ID); got.Step != SagaCompensated {
		t.Errorf("saga step = %s, want compensated", got.Step)
	}
	if mvs, _ := s.ListOrderMovements(ctx, "o-9"); len(mvs) != 0 {
		t.Errorf("movements = %d, want 0", len(mvs))
	}
}

func TestStatus(t *testing.T) {
	s := NewMemoryStore()
	r := newTestReconciler(t, s, WithLowStockThreshold(5))
	ctx := context.Background()

	low := register(t, r, "low", 3, true)
	register(t, r, "plenty", 50, true)
	register(t, r, "loose", 1, false)
	if _, err := r.AdjustWarehouse(ctx, low.Warehouse.ID, 4, "delivery"); err != nil {
		t.Fatalf("AdjustWarehouse() error: %v", err)
	}
	if _, err := r.FullResync(ctx); err != nil {
		t.Fatalf("FullResync() error: %v", err)
	}

	st, err := r.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if st.Linked != 2 || st.Unlinked != 1 || st.WarehouseItems != 2 {
		t.Errorf("status counts = %+v", st)
	}
	if st.OutOfSync != 0 {
		t.Errorf("out of sync = %d, want 0", st.OutOfSync)
	}
	if len(st.LowStock) != 1 || st.LowStock[0].Name != "loose" {
		t.Errorf("low stock = %v, want only loose", st.LowStock)
	}
	if len(st.RecentSyncs) != 1 || st.RecentSyncs[0].ID != low.Storefront.ID {
		t.Errorf("recent syncs = %v, want the resynced item", st.RecentSyncs)
	}
}

func TestDeleteOrderMovements(t *testing.T) {
	s := NewMemoryStore()
	r := newTestReconciler(t, s)
	ctx := context.Background()
	a := register(t, r, "oolong", 10, true)
	if _, err := r.DecrementOnOrder(ctx, "o-1", []Item{{ProductID: a.Storefront.ID, Quantity: 1}}); err != nil {
		t.Fatalf("DecrementOnOrder() error: %v", err)
	}

	n, err := r.DeleteOrderMovements(ctx, "o-1")
	if err != nil {
		t.Fatalf("DeleteOrderMovements() error: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if sf, _ := counts(t, s, a); sf != 9 {
		t.Errorf("storefront = %d, want 9: stock is not restored", sf)
	}
}

func TestDecrementOnOrder_EmitsEvent(t *testing.T) {
	rec := &events.Recorder{}
	r := newTestReconciler(t, NewMemoryStore(), WithEvents(events.NewEmitter(rec, "test", nil)))
	a := register(t, r, "oolong", 10, true)

	if _, err := r.DecrementOnOrder(context.Background(), "o-1", []Item{{ProductID: a.Storefront.ID, Quantity: 1}}); err != nil {
		t.Fatalf("DecrementOnOrder() error: %v", err)
	}
	envs := rec.Envelopes(events.TopicInventoryDecremented)
	if len(envs) != 1 || envs[0].CorrelationID != "o-1" {
		t.Errorf("envelopes = %+v, want one for o-1", envs)
	}
}
