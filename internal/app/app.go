// Package app wires configuration into the stores and services shared by the
// binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/ariefcatur/go-prepaid-orders/internal/archive"
	"github.com/ariefcatur/go-prepaid-orders/internal/config"
	"github.com/ariefcatur/go-prepaid-orders/internal/events"
	"github.com/ariefcatur/go-prepaid-orders/internal/inventory"
	kafkax "github.com/ariefcatur/go-prepaid-orders/internal/kafka"
	"github.com/ariefcatur/go-prepaid-orders/internal/ledger"
	"github.com/ariefcatur/go-prepaid-orders/internal/mongox"
	"github.com/ariefcatur/go-prepaid-orders/internal/postgres"
	"github.com/ariefcatur/go-prepaid-orders/internal/redisx"
)

func NewLogger(level, service string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})).With("service", service)
}

// Deps holds the open connections. Each Open* call is independent so a
// binary connects only to what it uses.
type Deps struct {
	Cfg    config.Config
	Logger *slog.Logger

	PG       *pgxpool.Pool
	Mongo    *mongo.Database
	Redis    *redis.Client
	Producer *kafkax.Producer

	closers []func()
}

func New(cfg config.Config, logger *slog.Logger) *Deps {
	return &Deps{Cfg: cfg, Logger: logger}
}

// OpenPostgres connects and runs the schema migrations.
func (d *Deps) OpenPostgres(ctx context.Context) error {
	db, err := postgres.Connect(ctx, d.Cfg.Postgres.DSN, d.Cfg.Postgres.MaxConns)
	if err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return err
	}
	d.PG = db
	d.closers = append(d.closers, db.Close)
	return nil
}

func (d *Deps) OpenMongo(ctx context.Context) error {
	db, err := mongox.Connect(ctx, d.Cfg.Mongo.URI, d.Cfg.Mongo.Database)
	if err != nil {
		return err
	}
	if err := (&ledger.Repo{DB: db}).Migrate(ctx); err != nil {
		_ = mongox.Close(context.Background(), db)
		return fmt.Errorf("mongo migrate: %w", err)
	}
	d.Mongo = db
	d.closers = append(d.closers, func() { _ = mongox.Close(context.Background(), db) })
	return nil
}

func (d *Deps) OpenRedis(ctx context.Context) error {
	rdb := redisx.New(d.Cfg.Redis.Addr, d.Cfg.Redis.Password, d.Cfg.Redis.DB)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping: %w", err)
	}
	d.Redis = rdb
	d.closers = append(d.closers, func() { _ = rdb.Close() })
	return nil
}

// StartProducer starts the async producer. Close flushes it.
func (d *Deps) StartProducer(ctx context.Context) {
	p := kafkax.NewProducer(d.Cfg.Kafka.Brokers, 1024, d.Logger)
	p.Start(ctx)
	d.Producer = p
	d.closers = append(d.closers, func() {
		p.Close()
		p.WaitClosed()
	})
}

// Emitter publishes through the producer when one was started and drops
// events otherwise.
func (d *Deps) Emitter() *events.Emitter {
	if d.Producer == nil {
		return events.NewEmitter(nil, d.Cfg.ServiceName, d.Logger)
	}
	return events.NewEmitter(d.Producer, d.Cfg.ServiceName, d.Logger)
}

// Reconciler needs OpenPostgres; Redis and the archive bucket are used when
// configured.
func (d *Deps) Reconciler(ctx context.Context) (*inventory.Reconciler, error) {
	opts := []inventory.Option{
		inventory.WithLogger(d.Logger.With("component", "inventory")),
		inventory.WithRetryPolicy(d.Cfg.StorePolicy()),
		inventory.WithConcurrency(d.Cfg.Inventory.Concurrency),
		inventory.WithLowStockThreshold(d.Cfg.Inventory.LowStockThreshold),
		inventory.WithEvents(d.Emitter()),
	}
	if d.Redis != nil {
		opts = append(opts, inventory.WithSagaLog(&redisx.SagaLog{RDB: d.Redis}))
	}
	if a := d.Cfg.Archive; a.Bucket != "" {
		arch, err := archive.NewS3Archiver(ctx, archive.Options{
			Bucket:    a.Bucket,
			Prefix:    a.Prefix,
			Endpoint:  a.Endpoint,
			Region:    a.Region,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, inventory.WithArchiver(arch))
	}
	return inventory.NewReconciler(&inventory.Repo{DB: d.PG}, opts...), nil
}

// Allocator needs OpenMongo; with Redis the per-customer lock is shared
// across replicas.
func (d *Deps) Allocator() *ledger.Allocator {
	opts := []ledger.Option{
		ledger.WithLogger(d.Logger.With("component", "ledger")),
		ledger.WithRetryPolicy(d.Cfg.StorePolicy()),
		ledger.WithConflictRetries(d.Cfg.Ledger.ConflictRetries),
		ledger.WithProductOnlyFallback(d.Cfg.Ledger.ProductOnlyFallback),
		ledger.WithMinPhoneSuffix(d.Cfg.Ledger.MinPhoneSuffix),
		ledger.WithCurrency(d.Cfg.Ledger.Currency),
		ledger.WithEvents(d.Emitter()),
	}
	if d.Redis != nil {
		opts = append(opts, ledger.WithLocker(&redisx.Locker{RDB: d.Redis, TTL: d.Cfg.Redis.LockTTL}))
	}
	return ledger.NewAllocator(&ledger.Repo{DB: d.Mongo}, opts...)
}

// Close releases everything in reverse order of opening.
func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}
