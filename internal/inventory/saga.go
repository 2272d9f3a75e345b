package inventory

import (
	"context"
	"sort"
	"sync"
	"time"
)

type SagaStep string

const (
	SagaStarted           SagaStep = "started"
	SagaStorefrontApplied SagaStep = "storefront_applied"
	SagaCompleted         SagaStep = "completed"
	SagaCompensated       SagaStep = "compensated"
	SagaFailed            SagaStep = "failed"
)

func (s SagaStep) Terminal() bool {
	return s == SagaCompleted || s == SagaCompensated || s == SagaFailed
}

// Saga tracks the storefront and warehouse writes for one order line.
// StorefrontRemoved is what the storefront write actually took, which is less
// than Quantity when the count was clamped at zero.
type Saga struct {
	ID                string    `json:"id"`
	OrderID           string    `json:"order_id"`
	StorefrontID      string    `json:"storefront_id"`
	WarehouseID       string    `json:"warehouse_id"`
	MovementID        string    `json:"movement_id"`
	Quantity          int64     `json:"quantity"`
	StorefrontRemoved int64     `json:"storefront_removed"`
	Step              SagaStep  `json:"step"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SagaLog records saga progress so a crashed decrement can be compensated
// later. Saving a terminal step drops the saga from Pending.
type SagaLog interface {
	Save(ctx context.Context, s Saga) error
	Pending(ctx context.Context) ([]Saga, error)
}

// MemorySagaLog is an in-process SagaLog.
type MemorySagaLog struct {
	mu    sync.Mutex
	sagas map[string]Saga
}

func NewMemorySagaLog() *MemorySagaLog {
	return &MemorySagaLog{sagas: make(map[string]Saga)}
}

func (l *MemorySagaLog) Save(_ context.Context, s Saga) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sagas[s.ID] = s
	return nil
}

func (l *MemorySagaLog) Pending(_ context.Context) ([]Saga, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Saga
	for _, s := range l.sagas {
		if !s.Step.Terminal() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// Get returns the last saved state of a saga.
func (l *MemorySagaLog) Get(id string) (Saga, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sagas[id]
	return s, ok
}
