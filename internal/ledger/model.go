package ledger

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindCash         Kind = "cash"
	KindProductUnits Kind = "product_units"
)

func (k Kind) Valid() bool { return k == KindCash || k == KindProductUnits }

type Status string

const (
	StatusActive    Status = "active"
	StatusExhausted Status = "exhausted"
)

func statusFor(balance int64) Status {
	if balance == 0 {
		return StatusExhausted
	}
	return StatusActive
}

// Customer identifies the owner of a deposit, or the customer an allocation
// is made for.
type Customer struct {
	ID    string `json:"customer_id,omitempty"`
	Phone string `json:"phone,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Recipient is the delivery target recorded on a usage entry.
type Recipient struct {
	Name    string `json:"recipient_name"`
	Phone   string `json:"recipient_phone"`
	Address string `json:"recipient_address"`
}

func (r Recipient) complete() bool {
	return r.Name != "" && r.Phone != "" && r.Address != ""
}

// Record is one deposit of prepaid value. Amounts are minor units: cents for
// cash, units for product credit.
type Record struct {
	ID              string       `json:"id"`
	OperationID     string       `json:"operation_id,omitempty"`
	OwnerCustomerID string       `json:"owner_customer_id,omitempty"`
	OwnerPhone      string       `json:"owner_phone"`
	OwnerName       string       `json:"owner_name"`
	Kind            Kind         `json:"kind"`
	ProductKey      string       `json:"product_key,omitempty"`
	ProductName     string       `json:"product_name,omitempty"`
	OriginalAmount  int64        `json:"original_amount"`
	Balance         int64        `json:"balance"`
	UsageLog        []UsageEntry `json:"usage_log"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func (r *Record) Status() Status { return statusFor(r.Balance) }

// Consumed sums the usage log. A consistent record has
// Consumed() == OriginalAmount - Balance.
func (r *Record) Consumed() int64 {
	var n int64
	for _, e := range r.UsageLog {
		n += e.AmountDeducted
	}
	return n
}

// netForAllocation is what an allocation still holds on this record after any
// refunds or rollbacks.
func (r *Record) netForAllocation(allocationID string) int64 {
	var n int64
	for _, e := range r.UsageLog {
		if e.AllocationID == allocationID {
			n += e.AmountDeducted
		}
	}
	return n
}

func (r *Record) clone() *Record {
	out := *r
	out.UsageLog = append([]UsageEntry(nil), r.UsageLog...)
	return &out
}

// UsageEntry is one immutable consumption event. Credits (refunds and
// allocation rollbacks) carry a negative AmountDeducted.
type UsageEntry struct {
	OccurredAt     time.Time `json:"occurred_at"`
	AmountDeducted int64     `json:"amount_deducted"`
	OrderID        string    `json:"order_id"`
	AllocationID   string    `json:"allocation_id,omitempty"`
	Note           string    `json:"note,omitempty"`
	Recipient
}

type AllocationRequest struct {
	Customer   Customer  `json:"customer"`
	Kind       Kind      `json:"kind"`
	ProductKey string    `json:"product_key,omitempty"`
	Amount     int64     `json:"amount"`
	OrderID    string    `json:"order_id"`
	Recipient  Recipient `json:"recipient"`
	Note       string    `json:"note,omitempty"`
}

func (r AllocationRequest) validate() error {
	switch {
	case !r.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, r.Kind)
	case r.Kind == KindProductUnits && r.ProductKey == "":
		return fmt.Errorf("%w: product_key required for product credit", ErrInvalidInput)
	case r.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	case r.OrderID == "":
		return fmt.Errorf("%w: order_id required", ErrInvalidInput)
	}
	return nil
}

func (r AllocationRequest) lockKey() string {
	who := strings.TrimSpace(r.Customer.ID)
	if who == "" {
		who = NormalizePhone(r.Customer.Phone)
	}
	return string(r.Kind) + ":" + r.ProductKey + ":" + who
}

type AllocationLine struct {
	RecordID       string `json:"record_id"`
	AmountDeducted int64  `json:"amount_deducted"`
	NewBalance     int64  `json:"new_balance"`
}

type AllocationResult struct {
	AllocationID string           `json:"allocation_id"`
	OrderID      string           `json:"order_id"`
	Kind         Kind             `json:"kind"`
	ProductKey   string           `json:"product_key,omitempty"`
	Amount       int64            `json:"amount"`
	Lines        []AllocationLine `json:"updated_records"`
}

type RefundRequest struct {
	AllocationID string           `json:"allocation_id"`
	OrderID      string           `json:"order_id"`
	Lines        []AllocationLine `json:"lines"`
	Note         string           `json:"note,omitempty"`
}

type RefundLine struct {
	RecordID        string `json:"record_id"`
	AmountCredited  int64  `json:"amount_credited"`
	NewBalance      int64  `json:"new_balance"`
	AlreadyRefunded bool   `json:"already_refunded,omitempty"`
}

type RefundResult struct {
	AllocationID string       `json:"allocation_id"`
	Lines        []RefundLine `json:"lines"`
}

type DepositRequest struct {
	OperationID string   `json:"operation_id,omitempty"`
	Owner       Customer `json:"owner"`
	Kind        Kind     `json:"kind"`
	ProductKey  string   `json:"product_key,omitempty"`
	ProductName string   `json:"product_name,omitempty"`
	Amount      int64    `json:"amount"`
}

func (r DepositRequest) validate() error {
	switch {
	case !r.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, r.Kind)
	case r.Kind == KindProductUnits && r.ProductKey == "":
		return fmt.Errorf("%w: product_key required for product credit", ErrInvalidInput)
	case r.Kind == KindCash && r.ProductKey != "":
		return fmt.Errorf("%w: product_key not allowed on cash deposits", ErrInvalidInput)
	case r.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	case r.Owner.ID == "" && NormalizePhone(r.Owner.Phone) == "":
		return fmt.Errorf("%w: owner customer_id or phone required", ErrInvalidInput)
	}
	return nil
}

// NormalizePhone drops separators so that "+86 138-0000-1111" and
// "+8613800001111" compare equal.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func phoneDigits(s string) int {
	return len(strings.TrimPrefix(s, "+"))
}
