package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	byOp    map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byOp:    make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ID]; ok {
		return store.ErrAlreadyExists
	}
	if rec.OperationID != "" {
		if _, ok := m.byOp[rec.OperationID]; ok {
			return store.ErrAlreadyExists
		}
		m.byOp[rec.OperationID] = rec.ID
	}
	m.records[rec.ID] = rec.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.clone(), nil
}

func (m *MemoryStore) GetByOperation(_ context.Context, operationID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOp[operationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m.records[id].clone(), nil
}

func (m *MemoryStore) FindActive(_ context.Context, q Query) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, rec := range m.records {
		if rec.Balance <= 0 || rec.Kind != q.Kind || rec.ProductKey != q.ProductKey {
			continue
		}
		switch {
		case q.CustomerID != "" && rec.OwnerCustomerID != q.CustomerID:
			continue
		case q.Phone != "" && rec.OwnerPhone != q.Phone:
			continue
		case q.PhoneSuffix != "" && !strings.HasSuffix(rec.OwnerPhone, strings.TrimPrefix(q.PhoneSuffix, "+")):
			continue
		}
		out = append(out, rec.clone())
	}
	sortOldestFirst(out)
	return out, nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, customerID, phone string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, rec := range m.records {
		if (customerID != "" && rec.OwnerCustomerID == customerID) || (phone != "" && rec.OwnerPhone == phone) {
			out = append(out, rec.clone())
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (m *MemoryStore) Apply(_ context.Context, mut Mutation) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[mut.RecordID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if rec.Balance != mut.ExpectedBalance {
		return nil, store.ErrConflict
	}
	if nb := mut.newBalance(); nb < 0 || nb > rec.OriginalAmount {
		return nil, store.ErrConflict
	}

	rec.Balance = mut.newBalance()
	rec.UsageLog = append(rec.UsageLog, mut.Entry)
	rec.UpdatedAt = mut.Entry.OccurredAt
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return rec.clone(), nil
}

func (m *MemoryStore) FillRecipient(_ context.Context, recordID, orderID string, r Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[recordID]
	if !ok {
		return store.ErrNotFound
	}
	for i := range rec.UsageLog {
		e := &rec.UsageLog[i]
		if e.OrderID != orderID {
			continue
		}
		if e.Name == "" {
			e.Name = r.Name
		}
		if e.Phone == "" {
			e.Phone = r.Phone
		}
		if e.Address == "" {
			e.Address = r.Address
		}
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(m.records, id)
	if rec.OperationID != "" {
		delete(m.byOp, rec.OperationID)
	}
	return nil
}

func sortOldestFirst(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
