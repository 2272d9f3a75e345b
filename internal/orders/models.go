package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-prepaid-orders/internal/inventory"
	"github.com/ariefcatur/go-prepaid-orders/internal/ledger"
	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

var (
	ErrInvalidInput      = errors.New("orders: invalid input")
	ErrInvalidTransition = errors.New("orders: invalid status transition")
	ErrOrderNotFound     = store.ErrNotFound
	ErrStatusConflict    = store.ErrConflict
)

type PaymentMethod string

const (
	PaymentStandard       PaymentMethod = "standard"
	PaymentPrepaidCash    PaymentMethod = "prepaid_cash"
	PaymentPrepaidProduct PaymentMethod = "prepaid_product"
)

func (p PaymentMethod) Valid() bool {
	return p == PaymentStandard || p == PaymentPrepaidCash || p == PaymentPrepaidProduct
}

func (p PaymentMethod) Prepaid() bool {
	return p == PaymentPrepaidCash || p == PaymentPrepaidProduct
}

// LineItem is one product on an order. ProductKey names the prepaid product
// credit the line draws on when the order is paid with product credit.
type LineItem struct {
	ProductID  string `json:"product_id"`
	Quantity   int64  `json:"quantity"`
	ProductKey string `json:"product_key,omitempty"`
}

// AllocationRef is what the ledger took for this order, kept so it can be
// refunded later.
type AllocationRef struct {
	AllocationID string                  `json:"allocation_id"`
	Kind         ledger.Kind             `json:"kind"`
	ProductKey   string                  `json:"product_key,omitempty"`
	Amount       int64                   `json:"amount"`
	Lines        []ledger.AllocationLine `json:"lines"`
}

func refOf(res *ledger.AllocationResult) AllocationRef {
	return AllocationRef{
		AllocationID: res.AllocationID,
		Kind:         res.Kind,
		ProductKey:   res.ProductKey,
		Amount:       res.Amount,
		Lines:        res.Lines,
	}
}

type Order struct {
	ID            string           `json:"id"`
	ExternalID    string           `json:"external_id,omitempty"`
	Customer      ledger.Customer  `json:"customer"`
	Recipient     ledger.Recipient `json:"recipient"`
	Items         []LineItem       `json:"items"`
	Status        Status           `json:"status"`
	PaymentMethod PaymentMethod    `json:"payment_method"`
	TotalCents    int64            `json:"total_cents"`
	Allocations   []AllocationRef  `json:"allocations"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func (o *Order) clone() *Order {
	out := *o
	out.Items = append([]LineItem(nil), o.Items...)
	out.Allocations = append([]AllocationRef(nil), o.Allocations...)
	return &out
}

type CreateRequest struct {
	ExternalID    string           `json:"external_id"`
	Customer      ledger.Customer  `json:"customer"`
	Recipient     ledger.Recipient `json:"recipient"`
	Items         []LineItem       `json:"items"`
	PaymentMethod PaymentMethod    `json:"payment_method"`
	TotalCents    int64            `json:"total_cents"`
}

func (r CreateRequest) validate() error {
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: items required", ErrInvalidInput)
	}
	method := r.PaymentMethod
	if method == "" {
		method = PaymentStandard
	}
	if !method.Valid() {
		return fmt.Errorf("%w: unknown payment_method %q", ErrInvalidInput, r.PaymentMethod)
	}
	for i, it := range r.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return fmt.Errorf("%w: items[%d].product_id required", ErrInvalidInput, i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: items[%d].quantity must be positive", ErrInvalidInput, i)
		}
		if method == PaymentPrepaidProduct && it.ProductKey == "" {
			return fmt.Errorf("%w: items[%d].product_key required for product credit", ErrInvalidInput, i)
		}
	}
	if r.TotalCents < 0 {
		return fmt.Errorf("%w: total_cents negative", ErrInvalidInput)
	}
	if method == PaymentPrepaidCash && r.TotalCents == 0 {
		return fmt.Errorf("%w: total_cents required for cash credit", ErrInvalidInput)
	}
	if method.Prepaid() && r.Customer.ID == "" && ledger.NormalizePhone(r.Customer.Phone) == "" {
		return fmt.Errorf("%w: customer_id or phone required for prepaid orders", ErrInvalidInput)
	}
	return nil
}

// TransitionResult is the outcome of a status change. Stock is set only when
// the order entered pending_shipment.
type TransitionResult struct {
	Order *Order                     `json:"order"`
	From  Status                     `json:"from"`
	Stock *inventory.DecrementReport `json:"stock,omitempty"`
}
