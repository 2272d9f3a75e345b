package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

type Store interface {
	// Create returns ErrAlreadyExists when the external id is taken.
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByExternalID(ctx context.Context, externalID string) (*Order, error)
	// UpdateStatus moves the order from one status to another and replaces
	// its allocation refs. ErrConflict when the stored status is not from.
	UpdateStatus(ctx context.Context, id string, from, to Status, allocs []AllocationRef, at time.Time) error
	SetAllocations(ctx context.Context, id string, allocs []AllocationRef, at time.Time) error
	List(ctx context.Context, status Status, limit int) ([]*Order, error)
	Delete(ctx context.Context, id string) error
}

type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
	byExt  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order), byExt: make(map[string]string)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return store.ErrAlreadyExists
	}
	if o.ExternalID != "" {
		if _, ok := m.byExt[o.ExternalID]; ok {
			return store.ErrAlreadyExists
		}
		m.byExt[o.ExternalID] = o.ID
	}
	m.orders[o.ID] = o.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return o.clone(), nil
}

func (m *MemoryStore) GetByExternalID(ctx context.Context, externalID string) (*Order, error) {
	m.mu.RLock()
	id, ok := m.byExt[externalID]
	m.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status, allocs []AllocationRef, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return store.ErrNotFound
	}
	if o.Status != from {
		return store.ErrConflict
	}
	o.Status = to
	o.Allocations = append([]AllocationRef(nil), allocs...)
	o.UpdatedAt = at
	return nil
}

func (m *MemoryStore) SetAllocations(_ context.Context, id string, allocs []AllocationRef, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return store.ErrNotFound
	}
	o.Allocations = append([]AllocationRef(nil), allocs...)
	o.UpdatedAt = at
	return nil
}

func (m *MemoryStore) List(_ context.Context, status Status, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Order
	for _, o := range m.orders {
		if status == "" || o.Status == status {
			out = append(out, o.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(m.byExt, o.ExternalID)
	delete(m.orders, id)
	return nil
}
