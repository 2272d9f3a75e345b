package ledger

import "context"

// Query selects active records for one resolution step. Exactly one of
// CustomerID, Phone or PhoneSuffix is set, or none for the product-only step.
type Query struct {
	Kind        Kind
	ProductKey  string
	CustomerID  string
	Phone       string
	PhoneSuffix string
}

// Mutation is a compare-and-set on a record's balance. It succeeds only while
// the stored balance still equals ExpectedBalance; the entry is appended in
// the same write.
type Mutation struct {
	RecordID        string
	ExpectedBalance int64
	Delta           int64
	Entry           UsageEntry
}

func (m Mutation) newBalance() int64 { return m.ExpectedBalance + m.Delta }

// Store persists ledger records. Implementations return the store package
// sentinels: ErrNotFound, ErrConflict on a lost compare-and-set,
// ErrAlreadyExists on a duplicate operation id, ErrUnavailable when the
// backend cannot be reached.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	GetByOperation(ctx context.Context, operationID string) (*Record, error)
	// FindActive returns records with a positive balance matching q, oldest first.
	FindActive(ctx context.Context, q Query) ([]*Record, error)
	ListByOwner(ctx context.Context, customerID, phone string) ([]*Record, error)
	Apply(ctx context.Context, m Mutation) (*Record, error)
	// FillRecipient sets empty recipient fields on entries for orderID.
	FillRecipient(ctx context.Context, recordID, orderID string, r Recipient) error
	Delete(ctx context.Context, id string) error
}
