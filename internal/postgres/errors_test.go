package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

func TestMapErr(t *testing.T) {
	other := errors.New("syntax error")
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"no rows", pgx.ErrNoRows, store.ErrNotFound},
		{"wrapped no rows", fmt.Errorf("get: %w", pgx.ErrNoRows), store.ErrNotFound},
		{"unique", &pgconn.PgError{Code: "23505", ConstraintName: "orders_external_id_key"}, store.ErrAlreadyExists},
		{"other", other, other},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := MapErr(tc.in)
			if tc.want == nil {
				if got != nil {
					t.Fatalf("got %v, want nil", got)
				}
				return
			}
			if !errors.Is(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMapErrKeepsConstraintName(t *testing.T) {
	err := MapErr(&pgconn.PgError{Code: "23505", ConstraintName: "orders_external_id_key"})
	if !strings.Contains(err.Error(), "orders_external_id_key") {
		t.Fatalf("constraint name missing from %q", err)
	}
}
