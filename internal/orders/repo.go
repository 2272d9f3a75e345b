package orders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-prepaid-orders/internal/postgres"
	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

type Repo struct{ DB *pgxpool.Pool }

var _ Store = (*Repo)(nil)

const orderColumns = `id, COALESCE(external_id, ''), customer_id, customer_phone, customer_name,
	recipient, items, status, payment_method, total_cents, allocations, created_at, updated_at`

func (r *Repo) Create(ctx context.Context, o *Order) error {
	recipient, err := json.Marshal(o.Recipient)
	if err != nil {
		return err
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	allocs, err := json.Marshal(nonNil(o.Allocations))
	if err != nil {
		return err
	}

	var ext any
	if o.ExternalID != "" {
		ext = o.ExternalID
	}
	_, err = r.DB.Exec(ctx, `
		INSERT INTO orders(id, external_id, customer_id, customer_phone, customer_name,
			recipient, items, status, payment_method, total_cents, allocations, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		o.ID, ext, o.Customer.ID, o.Customer.Phone, o.Customer.Name,
		recipient, items, string(o.Status), string(o.PaymentMethod), o.TotalCents, allocs,
		o.CreatedAt, o.UpdatedAt,
	)
	return postgres.MapErr(err)
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                        Order
		status, method           string
		recipient, items, allocs []byte
	)
	if err := row.Scan(&o.ID, &o.ExternalID, &o.Customer.ID, &o.Customer.Phone, &o.Customer.Name,
		&recipient, &items, &status, &method, &o.TotalCents, &allocs, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, postgres.MapErr(err)
	}
	o.Status, o.PaymentMethod = Status(status), PaymentMethod(method)
	if err := json.Unmarshal(recipient, &o.Recipient); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(allocs, &o.Allocations); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *Repo) Get(ctx context.Context, id string) (*Order, error) {
	return scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
}

func (r *Repo) GetByExternalID(ctx context.Context, externalID string) (*Order, error) {
	return scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_id=$1`, externalID))
}

// UpdateStatus locks the row, checks the current status and writes the new
// one in a single transaction.
func (r *Repo) UpdateStatus(ctx context.Context, id string, from, to Status, allocs []AllocationRef, at time.Time) error {
	b, err := json.Marshal(nonNil(allocs))
	if err != nil {
		return err
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return postgres.MapErr(err)
	}
	defer tx.Rollback(ctx)

	var current string
	if err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, id).Scan(&current); err != nil {
		return postgres.MapErr(err)
	}
	if Status(current) != from {
		return store.ErrConflict
	}
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, allocations=$3, updated_at=$4 WHERE id=$1`,
		id, string(to), b, at); err != nil {
		return postgres.MapErr(err)
	}
	return postgres.MapErr(tx.Commit(ctx))
}

func (r *Repo) SetAllocations(ctx context.Context, id string, allocs []AllocationRef, at time.Time) error {
	b, err := json.Marshal(nonNil(allocs))
	if err != nil {
		return err
	}
	ct, err := r.DB.Exec(ctx, `UPDATE orders SET allocations=$2, updated_at=$3 WHERE id=$1`, id, b, at)
	if err != nil {
		return postgres.MapErr(err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *Repo) List(ctx context.Context, status Status, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE $1::text = '' OR status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, postgres.MapErr(err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, postgres.MapErr(rows.Err())
}

func (r *Repo) Delete(ctx context.Context, id string) error {
	ct, err := r.DB.Exec(ctx, `DELETE FROM orders WHERE id=$1`, id)
	if err != nil {
		return postgres.MapErr(err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nonNil(a []AllocationRef) []AllocationRef {
	if a == nil {
		return []AllocationRef{}
	}
	return a
}
