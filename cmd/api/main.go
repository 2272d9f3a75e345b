package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-prepaid-orders/internal/app"
	"github.com/ariefcatur/go-prepaid-orders/internal/config"
	"github.com/ariefcatur/go-prepaid-orders/internal/httpx"
	"github.com/ariefcatur/go-prepaid-orders/internal/orders"
	"github.com/ariefcatur/go-prepaid-orders/internal/redisx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		app.NewLogger("error", "prepaid-api").Error("config", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.LogLevel, cfg.ServiceName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := app.New(cfg, logger)
	for _, open := range []func(context.Context) error{deps.OpenPostgres, deps.OpenMongo, deps.OpenRedis} {
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
	alloc := deps.Allocator()
	svc := orders.NewService(&orders.Repo{DB: deps.PG}, alloc, recon,
		orders.WithLogger(logger.With("component", "orders")),
		orders.WithRetryPolicy(cfg.StorePolicy()),
		orders.WithEvents(deps.Emitter()),
	)

	router := httpx.NewRouter(httpx.RouterOptions{CorsAllowedOrigins: cfg.HTTP.CorsAllowedOrigins})
	(&httpx.LedgerHandler{Allocator: alloc, Recipients: svc, CallTimeout: cfg.HTTP.CallTimeout}).Register(router)
	(&httpx.InventoryHandler{
		Reconciler:    recon,
		Events:        deps.Emitter(),
		CallTimeout:   cfg.HTTP.CallTimeout,
		ResyncTimeout: cfg.HTTP.ResyncTimeout,
	}).Register(router)
	(&httpx.OrdersHandler{
		Service:     svc,
		Cache:       &redisx.StatusCache{RDB: deps.Redis},
		Idem:        &redisx.Idempotency{RDB: deps.Redis},
		CallTimeout: cfg.HTTP.CallTimeout,
	}).Register(router)

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("HTTP listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	deps.Close()
	cancel()
}
