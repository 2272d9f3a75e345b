package ledger

import (
	"errors"
	"fmt"

	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

var (
	ErrCustomerNotResolved = errors.New("ledger: customer not resolved")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidInput        = errors.New("ledger: invalid input")
	ErrCompensationFailed  = errors.New("ledger: allocation rollback failed")

	// Store-level kinds, re-exported so callers only import ledger.
	ErrRecordUpdateConflict = store.ErrConflict
	ErrStoreUnavailable     = store.ErrUnavailable
	ErrRecordNotFound       = store.ErrNotFound
)

// InsufficientBalanceError carries the shortfall so an operator can see it.
type InsufficientBalanceError struct {
	Kind       Kind
	ProductKey string
	Requested  int64
	Available  int64
	Currency   string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance: requested %s, available %s",
		FormatAmount(e.Kind, e.Requested, e.Currency),
		FormatAmount(e.Kind, e.Available, e.Currency))
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}
