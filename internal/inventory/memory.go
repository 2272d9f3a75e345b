package inventory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu         sync.RWMutex
	warehouse  map[string]*WarehouseItem
	storefront map[string]*StorefrontItem
	movements  []Movement
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		warehouse:  make(map[string]*WarehouseItem),
		storefront: make(map[string]*StorefrontItem),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreatePair(_ context.Context, w *WarehouseItem, s *StorefrontItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.storefront[s.ID]; ok {
		return store.ErrAlreadyExists
	}
	if w != nil {
		if _, ok := m.warehouse[w.ID]; ok {
			return store.ErrAlreadyExists
		}
		cp := *w
		m.warehouse[w.ID] = &cp
	}
	cp := *s
	m.storefront[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetStorefront(_ context.Context, id string) (*StorefrontItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.storefront[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetWarehouse(_ context.Context, id string) (*WarehouseItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.warehouse[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListStorefront(_ context.Context) ([]*StorefrontItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*StorefrontItem, 0, len(m.storefront))
	for _, s := range m.storefront {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListWarehouse(_ context.Context) ([]*WarehouseItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*WarehouseItem, 0, len(m.warehouse))
	for _, w := range m.warehouse {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) AddStorefront(_ context.Context, id string, delta int64, at time.Time) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.storefront[id]
	if !ok {
		return 0, 0, store.ErrNotFound
	}
	before := s.Stock
	s.Stock = max(before+delta, 0)
	s.LastOrderSyncAt = &at
	s.UpdatedAt = at
	return before, s.Stock, nil
}

func (m *MemoryStore) AddWarehouse(_ context.Context, id string, delta int64, at time.Time) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.warehouse[id]
	if !ok {
		return 0, 0, store.ErrNotFound
	}
	before := w.Stock
	w.Stock = max(before+delta, 0)
	w.LastSyncedAt = &at
	w.UpdatedAt = at
	return before, w.Stock, nil
}

func (m *MemoryStore) SetStorefrontStock(_ context.Context, id string, expected, stock int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.storefront[id]
	if !ok {
		return store.ErrNotFound
	}
	if s.Stock != expected {
		return store.ErrConflict
	}
	s.Stock = stock
	s.LastSyncedAt = &at
	s.UpdatedAt = at
	return nil
}

func (m *MemoryStore) RecordMovement(_ context.Context, mv Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mv.Direction == DirectionOut {
		for _, x := range m.movements {
			if x.Direction == DirectionOut && x.OrderID == mv.OrderID && x.StorefrontID == mv.StorefrontID {
				return store.ErrAlreadyExists
			}
		}
	}
	m.movements = append(m.movements, mv)
	return nil
}

func (m *MemoryStore) DeleteMovement(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, x := range m.movements {
		if x.ID == id {
			m.movements = append(m.movements[:i], m.movements[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *MemoryStore) DeleteOrderMovements(_ context.Context, orderID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.movements[:0]
	var n int64
	for _, x := range m.movements {
		if x.OrderID == orderID {
			n++
			continue
		}
		kept = append(kept, x)
	}
	m.movements = kept
	return n, nil
}

func (m *MemoryStore) ListOrderMovements(_ context.Context, orderID string) ([]Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Movement
	for _, x := range m.movements {
		if x.OrderID == orderID {
			out = append(out, x)
		}
	}
	return out, nil
}
