package main

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-prepaid-orders/internal/inventory"
)

// serve runs the consumer and the schedule until ctx ends or the consumer
// fails, and returns only after both have stopped. A consumer failure stops
// the schedule too.
func serve(ctx context.Context, consume func(context.Context) error, schedule func(context.Context)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consume(gctx) })
	g.Go(func() error {
		schedule(gctx)
		return nil
	})
	return g.Wait()
}

// runSchedule recovers stale sagas and then runs a full resync on every tick.
// Recovery goes first so the resync sees settled counts.
func runSchedule(ctx context.Context, recon *inventory.Reconciler, every, staleAfter time.Duration, logger *slog.Logger) {
	if every <= 0 {
		logger.Info("scheduled resync disabled")
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if n, err := recon.RecoverSagas(ctx, staleAfter); err != nil {
			logger.Error("saga recovery failed", "err", err)
		} else if n > 0 {
			logger.Warn("recovered stale sagas", "count", n)
		}

		rep, err := recon.FullResync(ctx)
		if err != nil {
			logger.Error("scheduled resync failed", "err", err)
			continue
		}
		if err := rep.Err(); err != nil {
			logger.Warn("scheduled resync incomplete", "run_id", rep.RunID, "err", err)
		}
	}
}
