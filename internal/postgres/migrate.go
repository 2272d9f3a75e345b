package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrate creates the order and stock tables. Every statement is idempotent.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for i, stmt := range migrations() {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migration %d: %w", i, err)
		}
	}
	return nil
}

func migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS warehouse_stock (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			stock          BIGINT NOT NULL CHECK (stock >= 0),
			last_synced_at TIMESTAMPTZ,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS storefront_stock (
			id                 TEXT PRIMARY KEY,
			name               TEXT NOT NULL,
			warehouse_id       TEXT REFERENCES warehouse_stock(id) ON DELETE SET NULL,
			stock              BIGINT NOT NULL CHECK (stock >= 0),
			on_sale            BOOLEAN NOT NULL DEFAULT true,
			last_synced_at     TIMESTAMPTZ,
			last_order_sync_at TIMESTAMPTZ,
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS storefront_stock_last_synced ON storefront_stock (last_synced_at DESC NULLS LAST)`,
		`CREATE TABLE IF NOT EXISTS stock_movements (
			id            TEXT PRIMARY KEY,
			order_id      TEXT NOT NULL DEFAULT '',
			storefront_id TEXT NOT NULL DEFAULT '',
			warehouse_id  TEXT NOT NULL DEFAULT '',
			direction     TEXT NOT NULL,
			quantity      BIGINT NOT NULL,
			note          TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS stock_movements_order_out
			ON stock_movements (order_id, storefront_id) WHERE direction = 'out'`,
		`CREATE INDEX IF NOT EXISTS stock_movements_order ON stock_movements (order_id)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id              TEXT PRIMARY KEY,
			external_id     TEXT UNIQUE,
			customer_id     TEXT NOT NULL DEFAULT '',
			customer_phone  TEXT NOT NULL DEFAULT '',
			customer_name   TEXT NOT NULL DEFAULT '',
			recipient       JSONB NOT NULL DEFAULT '{}'::jsonb,
			items           JSONB NOT NULL,
			status          TEXT NOT NULL,
			payment_method  TEXT NOT NULL,
			total_cents     BIGINT NOT NULL DEFAULT 0,
			allocations     JSONB NOT NULL DEFAULT '[]'::jsonb,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS orders_status ON orders (status, created_at)`,
	}
}
