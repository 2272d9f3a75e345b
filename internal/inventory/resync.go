package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-prepaid-orders/internal/events"
	"github.com/ariefcatur/go-prepaid-orders/internal/metrics"
	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

// FullResync overwrites every linked storefront count that differs from its
// warehouse count. Pairs already equal are not written, so a second run
// without outside changes does nothing. Per-pair failures are reported, not
// returned; the error is only for failing to list the storefront.
func (r *Reconciler) FullResync(ctx context.Context) (*ReconciliationReport, error) {
	rep := &ReconciliationReport{RunID: uuid.NewString(), StartedAt: r.now()}

	items, err := store.Get(ctx, r.policy, r.store.ListStorefront)
	if err != nil {
		return nil, fmt.Errorf("inventory: list storefront: %w", err)
	}

	results := make([]ResyncItem, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, sf := range items {
		g.Go(func() error {
			results[i] = r.resyncOne(gctx, sf)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].StorefrontID < results[j].StorefrontID })
	rep.Items = results
	for _, it := range results {
		switch it.Outcome {
		case ResyncSynced:
			rep.SyncedCount++
		case ResyncInSync:
			rep.InSyncCount++
		case ResyncUnlinked:
			rep.SkippedCount++
		case ResyncFailed:
			rep.ErrorCount++
		}
		metrics.InventoryResyncItems.WithLabelValues(string(it.Outcome)).Inc()
	}
	rep.FinishedAt = r.now()
	metrics.InventoryResyncDuration.Observe(rep.FinishedAt.Sub(rep.StartedAt).Seconds())

	r.logger.Info("full resync finished",
		"run_id", rep.RunID,
		"synced", rep.SyncedCount,
		"in_sync", rep.InSyncCount,
		"skipped", rep.SkippedCount,
		"errors", rep.ErrorCount,
	)
	if rep.ErrorCount > 0 {
		r.archive(ctx, rep)
	}
	_ = r.events.Emit(ctx, events.TopicResyncCompleted, events.EventResyncCompleted, rep.RunID, rep)
	return rep, nil
}

func (r *Reconciler) resyncOne(ctx context.Context, sf *StorefrontItem) ResyncItem {
	out := ResyncItem{StorefrontID: sf.ID, WarehouseID: sf.WarehouseID, OldStock: sf.Stock, NewStock: sf.Stock}
	if !sf.Linked() {
		out.Outcome = ResyncUnlinked
		return out
	}
	fail := func(err error) ResyncItem {
		out.Outcome = ResyncFailed
		out.Error = err.Error()
		r.logger.Warn("resync item failed", "storefront_id", sf.ID, "warehouse_id", sf.WarehouseID, "err", err)
		return out
	}

	current := sf.Stock
	// one re-read when the storefront moved under us
	for attempt := 0; attempt < 2; attempt++ {
		w, err := store.Get(ctx, r.policy, func(ctx context.Context) (*WarehouseItem, error) {
			return r.store.GetWarehouse(ctx, sf.WarehouseID)
		})
		if err != nil {
			return fail(fmt.Errorf("warehouse item %s: %w", sf.WarehouseID, err))
		}

		out.OldStock = current
		if current == w.Stock {
			out.Outcome = ResyncInSync
			out.NewStock = current
			return out
		}

		err = store.Do(ctx, r.policy, func(ctx context.Context) error {
			return r.store.SetStorefrontStock(ctx, sf.ID, current, w.Stock, r.now())
		})
		if err == nil {
			out.Outcome = ResyncSynced
			out.NewStock = w.Stock
			return out
		}
		if !errors.Is(err, store.ErrConflict) {
			return fail(err)
		}

		fresh, err := store.Get(ctx, r.policy, func(ctx context.Context) (*StorefrontItem, error) {
			return r.store.GetStorefront(ctx, sf.ID)
		})
		if err != nil {
			return fail(err)
		}
		current = fresh.Stock
	}
	return fail(fmt.Errorf("storefront item kept changing: %w", store.ErrConflict))
}

func (r *Reconciler) archive(ctx context.Context, rep *ReconciliationReport) {
	if r.archiver == nil {
		return
	}
	body, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		r.logger.Error("resync report not archived", "run_id", rep.RunID, "err", err)
		return
	}
	key := fmt.Sprintf("resync/%s/%s.json", rep.StartedAt.Format(time.DateOnly), rep.RunID)
	if err := r.archiver.Archive(ctx, key, body); err != nil {
		r.logger.Error("resync report not archived", "run_id", rep.RunID, "key", key, "err", err)
		return
	}
	r.logger.Info("resync report archived", "run_id", rep.RunID, "key", key)
}
