package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ariefcatur/go-prepaid-orders/internal/events"
	"github.com/ariefcatur/go-prepaid-orders/internal/inventory"
	"github.com/ariefcatur/go-prepaid-orders/internal/ledger"
	"github.com/ariefcatur/go-prepaid-orders/internal/metrics"
	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

// Allocator is the part of the ledger the state machine drives.
type Allocator interface {
	Allocate(ctx context.Context, req ledger.AllocationRequest) (*ledger.AllocationResult, error)
	Refund(ctx context.Context, req ledger.RefundRequest) (*ledger.RefundResult, error)
}

// StockReconciler is the part of the inventory reconciler the state machine
// drives.
type StockReconciler interface {
	DecrementOnOrder(ctx context.Context, orderID string, items []inventory.Item) (*inventory.DecrementReport, error)
	DeleteOrderMovements(ctx context.Context, orderID string) (int64, error)
}

type Service struct {
	store  Store
	ledger Allocator
	stock  StockReconciler
	events *events.Emitter
	policy store.Policy
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithEvents(e *events.Emitter) Option {
	return func(s *Service) { s.events = e }
}

func WithRetryPolicy(p store.Policy) Option {
	return func(s *Service) { s.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(s Store, alloc Allocator, stock StockReconciler, opts ...Option) *Service {
	svc := &Service{
		store:  s,
		ledger: alloc,
		stock:  stock,
		policy: store.DefaultPolicy(),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Create stores a new pending order. A repeated external id returns the
// order the first call created with existed=true.
func (s *Service) Create(ctx context.Context, req CreateRequest) (o *Order, existed bool, err error) {
	if err := req.validate(); err != nil {
		return nil, false, err
	}
	req.ExternalID = strings.TrimSpace(req.ExternalID)

	if req.ExternalID != "" {
		prev, err := store.Get(ctx, s.policy, func(ctx context.Context) (*Order, error) {
			return s.store.GetByExternalID(ctx, req.ExternalID)
		})
		if err == nil {
			return prev, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	method := req.PaymentMethod
	if method == "" {
		method = PaymentStandard
	}
	now := s.now()
	o = &Order{
		ID:            uuid.NewString(),
		ExternalID:    req.ExternalID,
		Customer:      req.Customer,
		Recipient:     req.Recipient,
		Items:         req.Items,
		Status:        StatusPending,
		PaymentMethod: method,
		TotalCents:    req.TotalCents,
		Allocations:   []AllocationRef{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	o.Customer.Phone = ledger.NormalizePhone(o.Customer.Phone)

	err = store.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.store.Create(ctx, o)
	})
	if errors.Is(err, store.ErrAlreadyExists) && req.ExternalID != "" {
		prev, err := s.store.GetByExternalID(ctx, req.ExternalID)
		return prev, err == nil, err
	}
	if err != nil {
		return nil, false, err
	}

	s.logger.Info("order created", "order_id", o.ID, "external_id", o.ExternalID, "payment_method", o.PaymentMethod)
	return o, false, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return store.Get(ctx, s.policy, func(ctx context.Context) (*Order, error) {
		return s.store.Get(ctx, id)
	})
}

func (s *Service) List(ctx context.Context, status Status, limit int) ([]*Order, error) {
	return store.Get(ctx, s.policy, func(ctx context.Context) ([]*Order, error) {
		return s.store.List(ctx, status, limit)
	})
}

// Transition moves an order to the next status.
//
// Entering pending_shipment allocates prepaid value first; if allocation
// fails the order stays where it was. The status write is a compare-and-set
// on the previous status, and allocations are refunded when it fails. Stock
// is decremented after the write; stock problems are reported, never undone.
func (s *Service) Transition(ctx context.Context, id string, to Status) (*TransitionResult, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := o.Status
	if !CanTransition(from, to) {
		metrics.OrderTransitions.WithLabelValues(string(to), "invalid").Inc()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	allocs := o.Allocations
	var taken []AllocationRef
	if to == StatusPendingShipment && o.PaymentMethod.Prepaid() {
		taken, err = s.allocate(ctx, o)
		if err != nil {
			metrics.OrderTransitions.WithLabelValues(string(to), "allocation_failed").Inc()
			return nil, err
		}
		allocs = append(append([]AllocationRef(nil), allocs...), taken...)
	}

	at := s.now()
	if err := s.writeStatus(ctx, o.ID, from, to, allocs, at); err != nil {
		if len(taken) > 0 {
			s.refundAll(ctx, o.ID, taken, "status update failed")
		}
		metrics.OrderTransitions.WithLabelValues(string(to), "write_failed").Inc()
		return nil, err
	}
	o.Status, o.Allocations, o.UpdatedAt = to, allocs, at

	res := &TransitionResult{Order: o, From: from}
	if to == StatusPendingShipment && s.stock != nil {
		rep, err := s.stock.DecrementOnOrder(ctx, o.ID, stockItems(o.Items))
		if err != nil {
			s.logger.Error("stock decrement failed", "order_id", o.ID, "err", err)
		}
		res.Stock = rep
	}

	metrics.OrderTransitions.WithLabelValues(string(to), "ok").Inc()
	s.logger.Info("order status changed", "order_id", o.ID, "from", from, "to", to)
	_ = s.events.Emit(ctx, events.TopicOrderStatusChanged, events.EventOrderStatusChanged, o.ID,
		events.OrderStatusChangedPayload{
			OrderID:       o.ID,
			From:          string(from),
			To:            string(to),
			PaymentMethod: string(o.PaymentMethod),
			ChangedAt:     at,
		})
	return res, nil
}

// writeStatus retries only transient failures. A retry that reports a
// conflict is checked against the stored order, since the earlier attempt
// may have landed before its reply was lost.
func (s *Service) writeStatus(ctx context.Context, id string, from, to Status, allocs []AllocationRef, at time.Time) error {
	err := store.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.store.UpdateStatus(ctx, id, from, to, allocs, at)
	})
	if !errors.Is(err, store.ErrConflict) {
		return err
	}
	cur, gerr := s.store.Get(ctx, id)
	if gerr == nil && cur.Status == to && sameAllocations(cur.Allocations, allocs) {
		return nil
	}
	return fmt.Errorf("order %s changed concurrently: %w", id, err)
}

func sameAllocations(a, b []AllocationRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].AllocationID != b[i].AllocationID {
			return false
		}
	}
	return true
}

// allocate draws the order's prepaid value: one cash allocation for the
// total, or one product allocation per line. If a later line fails the
// earlier ones are refunded.
func (s *Service) allocate(ctx context.Context, o *Order) ([]AllocationRef, error) {
	var reqs []ledger.AllocationRequest
	switch o.PaymentMethod {
	case PaymentPrepaidCash:
		reqs = append(reqs, ledger.AllocationRequest{
			Customer:  o.Customer,
			Kind:      ledger.KindCash,
			Amount:    o.TotalCents,
			OrderID:   o.ID,
			Recipient: o.Recipient,
		})
	case PaymentPrepaidProduct:
		for _, it := range o.Items {
			reqs = append(reqs, ledger.AllocationRequest{
				Customer:   o.Customer,
				Kind:       ledger.KindProductUnits,
				ProductKey: it.ProductKey,
				Amount:     it.Quantity,
				OrderID:    o.ID,
				Recipient:  o.Recipient,
			})
		}
	}

	var taken []AllocationRef
	for _, req := range reqs {
		res, err := s.ledger.Allocate(ctx, req)
		if err != nil {
			if len(taken) > 0 {
				s.refundAll(ctx, o.ID, taken, "order allocation aborted")
			}
			return nil, err
		}
		taken = append(taken, refOf(res))
	}
	return taken, nil
}

func (s *Service) refundAll(ctx context.Context, orderID string, refs []AllocationRef, note string) error {
	var errs []error
	for _, ref := range refs {
		if _, err := s.ledger.Refund(ctx, ledger.RefundRequest{
			AllocationID: ref.AllocationID,
			OrderID:      orderID,
			Lines:        ref.Lines,
			Note:         note,
		}); err != nil {
			s.logger.Error("refund failed", "order_id", orderID, "allocation_id", ref.AllocationID, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Refund returns every allocation the order holds to the ledger and clears
// the order's refs. Refunding an order with no refs is a no-op.
func (s *Service) Refund(ctx context.Context, id string) ([]AllocationRef, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(o.Allocations) == 0 {
		return nil, nil
	}
	if err := s.refundAll(ctx, o.ID, o.Allocations, "order refund"); err != nil {
		return nil, err
	}
	if err := store.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.store.SetAllocations(ctx, o.ID, nil, s.now())
	}); err != nil {
		return nil, err
	}
	s.logger.Info("order refunded", "order_id", o.ID, "allocations", len(o.Allocations))
	return o.Allocations, nil
}

// Delete removes the order and its stock movements. Ledger balances are left
// as they are; call Refund first to return them.
func (s *Service) Delete(ctx context.Context, id string) error {
	o, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if len(o.Allocations) > 0 {
		s.logger.Warn("deleting order that still holds prepaid allocations",
			"order_id", o.ID, "allocations", len(o.Allocations))
	}
	if s.stock != nil {
		if _, err := s.stock.DeleteOrderMovements(ctx, o.ID); err != nil {
			return err
		}
	}
	if err := store.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.store.Delete(ctx, o.ID)
	}); err != nil {
		return err
	}
	s.logger.Info("order deleted", "order_id", o.ID)
	return nil
}

// RecipientFor implements ledger.RecipientLookup.
func (s *Service) RecipientFor(ctx context.Context, orderID string) (ledger.Recipient, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return ledger.Recipient{}, err
	}
	return o.Recipient, nil
}

func stockItems(items []LineItem) []inventory.Item {
	out := make([]inventory.Item, 0, len(items))
	for _, it := range items {
		out = append(out, inventory.Item{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}
