package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-prepaid-orders/internal/app"
	"github.com/ariefcatur/go-prepaid-orders/internal/config"
	"github.com/ariefcatur/go-prepaid-orders/internal/events"
	"github.com/ariefcatur/go-prepaid-orders/internal/inventory"
	kafkax "github.com/ariefcatur/go-prepaid-orders/internal/kafka"
	"github.com/ariefcatur/go-prepaid-orders/internal/redisx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		app.NewLogger("error", "prepaid-reconciler").Error("config", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.LogLevel, cfg.ServiceName+"-reconciler")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := app.New(cfg, logger)
	for _, open := range []func(context.Context) error{deps.OpenPostgres, deps.OpenRedis} {
		if err := open(ctx); err != nil {
			logger.Error("startup", "err", err)
			deps.Close()
			os.Exit(1)
		}
	}
	deps.StartProducer(ctx)

	recon, err := deps.Reconciler(ctx)
	if err != nil {
		logger.Error("startup", "err", err)
		deps.Close()
		os.Exit(1)
	}

	worker := &inventory.Worker{
		Reconciler: recon,
		Dedup:      &redisx.Dedup{RDB: deps.Redis, Service: "reconciler"},
		Logger:     logger,
	}
	cons := kafkax.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Group, events.TopicResyncRequested, cfg.Kafka.Workers, logger)

	done := make(chan error, 1)
	go func() {
		logger.Info("resync consumer started", "group", cfg.Kafka.Group, "topic", events.TopicResyncRequested)
		done <- serve(ctx,
			func(ctx context.Context) error { return cons.Start(ctx, worker.HandleResyncRequested) },
			func(ctx context.Context) {
				runSchedule(ctx, recon, cfg.Inventory.ResyncInterval, cfg.Inventory.SagaStaleAfter, logger)
			},
		)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		logger.Info("shutting down reconciler")
		cancel()
		err = <-done
	case err = <-done:
		cancel()
	}
	if err != nil {
		logger.Error("consumer exit", "err", err)
	}
	deps.Close()
}
