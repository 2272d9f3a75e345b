package inventory

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-prepaid-orders/internal/postgres"
	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

// Repo is the Postgres Store. Counter writes lock the row with FOR UPDATE so
// the clamp at zero sees the value it replaces.
type Repo struct{ DB *pgxpool.Pool }

var _ Store = (*Repo)(nil)

func (r *Repo) CreatePair(ctx context.Context, w *WarehouseItem, s *StorefrontItem) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return postgres.MapErr(err)
	}
	defer tx.Rollback(ctx)

	var warehouseID *string
	if w != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO warehouse_stock(id, name, stock, updated_at)
			VALUES ($1,$2,$3,$4)`, w.ID, w.Name, w.Stock, w.UpdatedAt); err != nil {
			return postgres.MapErr(err)
		}
		warehouseID = &w.ID
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO storefront_stock(id, name, warehouse_id, stock, on_sale, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, s.ID, s.Name, warehouseID, s.Stock, s.OnSale, s.UpdatedAt); err != nil {
		return postgres.MapErr(err)
	}
	return postgres.MapErr(tx.Commit(ctx))
}

const storefrontCols = `id, name, COALESCE(warehouse_id, ''), stock, on_sale, last_synced_at, last_order_sync_at, updated_at`

func scanStorefront(row pgx.Row) (*StorefrontItem, error) {
	var s StorefrontItem
	if err := row.Scan(&s.ID, &s.Name, &s.WarehouseID, &s.Stock, &s.OnSale, &s.LastSyncedAt, &s.LastOrderSyncAt, &s.UpdatedAt); err != nil {
		return nil, postgres.MapErr(err)
	}
	return &s, nil
}

func (r *Repo) GetStorefront(ctx context.Context, id string) (*StorefrontItem, error) {
	return scanStorefront(r.DB.QueryRow(ctx, `SELECT `+storefrontCols+` FROM storefront_stock WHERE id=$1`, id))
}

func (r *Repo) GetWarehouse(ctx context.Context, id string) (*WarehouseItem, error) {
	var w WarehouseItem
	err := r.DB.QueryRow(ctx, `
		SELECT id, name, stock, last_synced_at, updated_at
		FROM warehouse_stock WHERE id=$1`, id).
		Scan(&w.ID, &w.Name, &w.Stock, &w.LastSyncedAt, &w.UpdatedAt)
	if err != nil {
		return nil, postgres.MapErr(err)
	}
	return &w, nil
}

func (r *Repo) ListStorefront(ctx context.Context) ([]*StorefrontItem, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+storefrontCols+` FROM storefront_stock ORDER BY id`)
	if err != nil {
		return nil, postgres.MapErr(err)
	}
	defer rows.Close()

	var out []*StorefrontItem
	for rows.Next() {
		s, err := scanStorefront(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, postgres.MapErr(rows.Err())
}

func (r *Repo) ListWarehouse(ctx context.Context) ([]*WarehouseItem, error) {
	rows, err := r.DB.Query(ctx, `SELECT id, name, stock, last_synced_at, updated_at FROM warehouse_stock ORDER BY id`)
	if err != nil {
		return nil, postgres.MapErr(err)
	}
	defer rows.Close()

	var out []*WarehouseItem
	for rows.Next() {
		var w WarehouseItem
		if err := rows.Scan(&w.ID, &w.Name, &w.Stock, &w.LastSyncedAt, &w.UpdatedAt); err != nil {
			return nil, postgres.MapErr(err)
		}
		out = append(out, &w)
	}
	return out, postgres.MapErr(rows.Err())
}

func (r *Repo) AddStorefront(ctx context.Context, id string, delta int64, at time.Time) (int64, int64, error) {
	return r.addClamped(ctx, `storefront_stock`, `last_order_sync_at`, id, delta, at)
}

func (r *Repo) AddWarehouse(ctx context.Context, id string, delta int64, at time.Time) (int64, int64, error) {
	return r.addClamped(ctx, `warehouse_stock`, `last_synced_at`, id, delta, at)
}

// addClamped is only called with the two table names above.
func (r *Repo) addClamped(ctx context.Context, table, stampCol, id string, delta int64, at time.Time) (int64, int64, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, postgres.MapErr(err)
	}
	defer tx.Rollback(ctx)

	var before int64
	if err := tx.QueryRow(ctx, `SELECT stock FROM `+table+` WHERE id=$1 FOR UPDATE`, id).Scan(&before); err != nil {
		return 0, 0, postgres.MapErr(err)
	}
	after := max(before+delta, 0)
	if _, err := tx.Exec(ctx,
		`UPDATE `+table+` SET stock=$2, `+stampCol+`=$3, updated_at=$3 WHERE id=$1`,
		id, after, at); err != nil {
		return 0, 0, postgres.MapErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, postgres.MapErr(err)
	}
	return before, after, nil
}

func (r *Repo) SetStorefrontStock(ctx context.Context, id string, expected, stock int64, at time.Time) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE storefront_stock SET stock=$3, last_synced_at=$4, updated_at=$4
		WHERE id=$1 AND stock=$2`, id, expected, stock, at)
	if err != nil {
		return postgres.MapErr(err)
	}
	if ct.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM storefront_stock WHERE id=$1)`, id).Scan(&exists); err != nil {
		return postgres.MapErr(err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func (r *Repo) RecordMovement(ctx context.Context, m Movement) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO stock_movements(id, order_id, storefront_id, warehouse_id, direction, quantity, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.OrderID, m.StorefrontID, m.WarehouseID, string(m.Direction), m.Quantity, m.Note, m.CreatedAt)
	return postgres.MapErr(err)
}

func (r *Repo) DeleteMovement(ctx context.Context, id string) error {
	ct, err := r.DB.Exec(ctx, `DELETE FROM stock_movements WHERE id=$1`, id)
	if err != nil {
		return postgres.MapErr(err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *Repo) DeleteOrderMovements(ctx context.Context, orderID string) (int64, error) {
	ct, err := r.DB.Exec(ctx, `DELETE FROM stock_movements WHERE order_id=$1`, orderID)
	if err != nil {
		return 0, postgres.MapErr(err)
	}
	return ct.RowsAffected(), nil
}

func (r *Repo) ListOrderMovements(ctx context.Context, orderID string) ([]Movement, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, storefront_id, warehouse_id, direction, quantity, note, created_at
		FROM stock_movements WHERE order_id=$1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, postgres.MapErr(err)
	}
	defer rows.Close()

	var out []Movement
	for rows.Next() {
		var m Movement
		var dir string
		if err := rows.Scan(&m.ID, &m.OrderID, &m.StorefrontID, &m.WarehouseID, &dir, &m.Quantity, &m.Note, &m.CreatedAt); err != nil {
			return nil, postgres.MapErr(err)
		}
		m.Direction = Direction(dir)
		out = append(out, m)
	}
	return out, postgres.MapErr(rows.Err())
}
