package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ariefcatur/go-prepaid-orders/internal/events"
	"github.com/ariefcatur/go-prepaid-orders/internal/metrics"
	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

// Allocator deducts prepaid value from a customer's records, oldest first,
// and keeps every record's usage log in step with its balance.
type Allocator struct {
	records Store
	locker  Locker
	policy  store.Policy
	logger  *slog.Logger
	events  *events.Emitter
	now     func() time.Time

	conflictRetries     int
	productOnlyFallback bool
	minPhoneSuffix      int
	currency            string
}

type Option func(*Allocator)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Allocator) { a.logger = logger }
}

// WithLocker replaces the in-process per-customer lock, e.g. with a Redis lock
// shared by several API replicas.
func WithLocker(l Locker) Option {
	return func(a *Allocator) { a.locker = l }
}

func WithRetryPolicy(p store.Policy) Option {
	return func(a *Allocator) { a.policy = p }
}

// WithEvents publishes ledger.allocated and ledger.refunded.
func WithEvents(e *events.Emitter) Option {
	return func(a *Allocator) { a.events = e }
}

// WithConflictRetries sets how many times a whole allocation is restarted
// after losing a compare-and-set race.
func WithConflictRetries(n int) Option {
	return func(a *Allocator) { a.conflictRetries = n }
}

// WithProductOnlyFallback enables the last resolution step, which matches any
// active record for the product regardless of owner.
func WithProductOnlyFallback(on bool) Option {
	return func(a *Allocator) { a.productOnlyFallback = on }
}

// WithMinPhoneSuffix sets the shortest phone hint allowed to match by suffix.
func WithMinPhoneSuffix(n int) Option {
	return func(a *Allocator) { a.minPhoneSuffix = n }
}

func WithCurrency(code string) Option {
	return func(a *Allocator) { a.currency = code }
}

func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

func NewAllocator(s Store, opts ...Option) *Allocator {
	a := &Allocator{
		records:         s,
		locker:          &KeyedMutex{},
		policy:          store.DefaultPolicy(),
		logger:          slog.Default(),
		now:             func() time.Time { return time.Now().UTC() },
		conflictRetries: 3,
		minPhoneSuffix:  7,
		currency:        "CNY",
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Allocator) Currency() string { return a.currency }

// Allocate deducts req.Amount across the customer's active records in FIFO
// order. Either every record is updated or none is: a failure part-way
// through rolls back the records already written before returning.
func (a *Allocator) Allocate(ctx context.Context, req AllocationRequest) (*AllocationResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	unlock, err := a.locker.Lock(ctx, req.lockKey())
	if err != nil {
		return nil, fmt.Errorf("ledger: acquire allocation lock: %w", err)
	}
	defer unlock()

	var lastErr error
	for attempt := 0; attempt <= a.conflictRetries; attempt++ {
		res, err := a.tryAllocate(ctx, req)
		if err == nil {
			metrics.LedgerAllocations.WithLabelValues(string(req.Kind), "ok").Inc()
			a.logger.Info("prepaid allocated",
				"order_id", req.OrderID,
				"allocation_id", res.AllocationID,
				"kind", req.Kind,
				"product_key", req.ProductKey,
				"amount", FormatAmount(req.Kind, req.Amount, a.currency),
				"records", len(res.Lines),
			)
			_ = a.events.Emit(ctx, events.TopicLedgerAllocated, events.EventLedgerAllocated, req.OrderID, res)
			return res, nil
		}
		if !errors.Is(err, ErrRecordUpdateConflict) {
			metrics.LedgerAllocations.WithLabelValues(string(req.Kind), outcomeOf(err)).Inc()
			return nil, err
		}
		lastErr = err
		metrics.LedgerConflictRetries.Inc()
		a.logger.Warn("allocation lost update race, retrying",
			"order_id", req.OrderID, "attempt", attempt+1, "err", err)
	}

	metrics.LedgerAllocations.WithLabelValues(string(req.Kind), "conflict").Inc()
	return nil, lastErr
}

func (a *Allocator) tryAllocate(ctx context.Context, req AllocationRequest) (*AllocationResult, error) {
	recs, err := a.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	var available int64
	for _, r := range recs {
		available += r.Balance
	}
	if available < req.Amount {
		return nil, &InsufficientBalanceError{
			Kind:       req.Kind,
			ProductKey: req.ProductKey,
			Requested:  req.Amount,
			Available:  available,
			Currency:   a.currency,
		}
	}

	res := &AllocationResult{
		AllocationID: uuid.NewString(),
		OrderID:      req.OrderID,
		Kind:         req.Kind,
		ProductKey:   req.ProductKey,
		Amount:       req.Amount,
	}
	now := a.now()
	remaining := req.Amount

	for _, rec := range recs {
		if remaining == 0 {
			break
		}
		take := min(rec.Balance, remaining)

		mut := Mutation{
			RecordID:        rec.ID,
			ExpectedBalance: rec.Balance,
			Delta:           -take,
			Entry: UsageEntry{
				OccurredAt:     now,
				AmountDeducted: take,
				OrderID:        req.OrderID,
				AllocationID:   res.AllocationID,
				Note:           req.Note,
				Recipient:      req.Recipient,
			},
		}
		updated, err := store.Get(ctx, a.policy, func(ctx context.Context) (*Record, error) {
			return a.records.Apply(ctx, mut)
		})
		if errors.Is(err, ErrRecordUpdateConflict) {
			updated, err = a.appliedAnyway(ctx, rec.ID, res.AllocationID, take)
		}
		if err != nil {
			if cerr := a.rollback(ctx, res); cerr != nil {
				return nil, cerr
			}
			return nil, err
		}

		res.Lines = append(res.Lines, AllocationLine{
			RecordID:       rec.ID,
			AmountDeducted: take,
			NewBalance:     updated.Balance,
		})
		remaining -= take
	}

	return res, nil
}

// appliedAnyway handles a conflict reported by a retried write whose first
// attempt did land: the record then already holds this allocation's entry.
func (a *Allocator) appliedAnyway(ctx context.Context, recordID, allocationID string, take int64) (*Record, error) {
	rec, err := store.Get(ctx, a.policy, func(ctx context.Context) (*Record, error) {
		return a.records.Get(ctx, recordID)
	})
	if err != nil {
		return nil, err
	}
	if rec.netForAllocation(allocationID) == take {
		return rec, nil
	}
	return nil, ErrRecordUpdateConflict
}

// rollback credits back every line of a partial allocation. The credits carry
// the allocation id, so a later Refund of the same id finds nothing to do.
func (a *Allocator) rollback(ctx context.Context, res *AllocationResult) error {
	var errs []error
	for _, line := range res.Lines {
		entry := UsageEntry{
			OccurredAt:     a.now(),
			AmountDeducted: -line.AmountDeducted,
			OrderID:        res.OrderID,
			AllocationID:   res.AllocationID,
			Note:           "allocation rollback",
		}
		if _, err := a.credit(ctx, line.RecordID, line.AmountDeducted, entry); err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", line.RecordID, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}

	metrics.LedgerCompensationFailures.Inc()
	a.logger.Error("allocation rollback incomplete",
		"order_id", res.OrderID,
		"allocation_id", res.AllocationID,
		"lines", res.Lines,
		"err", errors.Join(errs...),
	)
	return fmt.Errorf("%w: allocation %s: %w", ErrCompensationFailed, res.AllocationID, errors.Join(errs...))
}

// credit adds amount back to a record, re-reading it when a concurrent writer
// wins the compare-and-set.
func (a *Allocator) credit(ctx context.Context, recordID string, amount int64, entry UsageEntry) (*Record, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: credit must be positive, got %d", ErrInvalidInput, amount)
	}
	for attempt := 0; attempt <= a.conflictRetries; attempt++ {
		rec, err := store.Get(ctx, a.policy, func(ctx context.Context) (*Record, error) {
			return a.records.Get(ctx, recordID)
		})
		if err != nil {
			return nil, err
		}
		if rec.Balance+amount > rec.OriginalAmount {
			return nil, fmt.Errorf("%w: credit of %d exceeds original amount of record %s", ErrInvalidInput, amount, recordID)
		}

		mut := Mutation{RecordID: recordID, ExpectedBalance: rec.Balance, Delta: amount, Entry: entry}
		out, err := store.Get(ctx, a.policy, func(ctx context.Context) (*Record, error) {
			return a.records.Apply(ctx, mut)
		})
		if errors.Is(err, ErrRecordUpdateConflict) {
			continue
		}
		return out, err
	}
	return nil, ErrRecordUpdateConflict
}

// Refund returns what an allocation took. Lines already credited for the
// allocation are reported and skipped, so a refund can be replayed safely.
func (a *Allocator) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.AllocationID == "" {
		return nil, fmt.Errorf("%w: allocation_id required", ErrInvalidInput)
	}
	for _, line := range req.Lines {
		if line.RecordID == "" || line.AmountDeducted <= 0 {
			return nil, fmt.Errorf("%w: refund lines need a record_id and a positive amount", ErrInvalidInput)
		}
	}

	out := &RefundResult{AllocationID: req.AllocationID}
	var errs []error

	for _, line := range req.Lines {
		rec, err := store.Get(ctx, a.policy, func(ctx context.Context) (*Record, error) {
			return a.records.Get(ctx, line.RecordID)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", line.RecordID, err))
			continue
		}

		held := rec.netForAllocation(req.AllocationID)
		if held <= 0 {
			out.Lines = append(out.Lines, RefundLine{
				RecordID:        rec.ID,
				NewBalance:      rec.Balance,
				AlreadyRefunded: true,
			})
			continue
		}

		amount := min(held, line.AmountDeducted)
		note := req.Note
		if note == "" {
			note = "refund"
		}
		updated, err := a.credit(ctx, rec.ID, amount, UsageEntry{
			OccurredAt:     a.now(),
			AmountDeducted: -amount,
			OrderID:        req.OrderID,
			AllocationID:   req.AllocationID,
			Note:           note,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", rec.ID, err))
			continue
		}
		out.Lines = append(out.Lines, RefundLine{
			RecordID:       rec.ID,
			AmountCredited: amount,
			NewBalance:     updated.Balance,
		})
	}

	if len(errs) > 0 {
		return out, errors.Join(errs...)
	}

	a.logger.Info("prepaid refunded", "order_id", req.OrderID, "allocation_id", req.AllocationID, "lines", len(out.Lines))
	_ = a.events.Emit(ctx, events.TopicLedgerRefunded, events.EventLedgerRefunded, req.OrderID, out)
	return out, nil
}

// Deposit creates a new record. A repeated OperationID returns the record the
// first call created.
func (a *Allocator) Deposit(ctx context.Context, req DepositRequest) (*Record, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.OperationID != "" {
		existing, err := store.Get(ctx, a.policy, func(ctx context.Context) (*Record, error) {
			return a.records.GetByOperation(ctx, req.OperationID)
		})
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	now := a.now()
	rec := &Record{
		ID:              uuid.NewString(),
		OperationID:     req.OperationID,
		OwnerCustomerID: strings.TrimSpace(req.Owner.ID),
		OwnerPhone:      NormalizePhone(req.Owner.Phone),
		OwnerName:       strings.TrimSpace(req.Owner.Name),
		Kind:            req.Kind,
		ProductKey:      req.ProductKey,
		ProductName:     req.ProductName,
		OriginalAmount:  req.Amount,
		Balance:         req.Amount,
		UsageLog:        []UsageEntry{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := store.Do(ctx, a.policy, func(ctx context.Context) error {
		return a.records.Create(ctx, rec)
	})
	if errors.Is(err, store.ErrAlreadyExists) && req.OperationID != "" {
		return a.records.GetByOperation(ctx, req.OperationID)
	}
	if err != nil {
		return nil, err
	}

	a.logger.Info("prepaid deposited",
		"record_id", rec.ID,
		"kind", rec.Kind,
		"product_key", rec.ProductKey,
		"amount", FormatAmount(rec.Kind, rec.OriginalAmount, a.currency),
	)
	return rec, nil
}

func (a *Allocator) Get(ctx context.Context, id string) (*Record, error) {
	return store.Get(ctx, a.policy, func(ctx context.Context) (*Record, error) {
		return a.records.Get(ctx, id)
	})
}

func (a *Allocator) ListByOwner(ctx context.Context, c Customer) ([]*Record, error) {
	id, phone := strings.TrimSpace(c.ID), NormalizePhone(c.Phone)
	if id == "" && phone == "" {
		return nil, fmt.Errorf("%w: customer_id or phone required", ErrInvalidInput)
	}
	return store.Get(ctx, a.policy, func(ctx context.Context) ([]*Record, error) {
		return a.records.ListByOwner(ctx, id, phone)
	})
}

// Delete removes a record outright. It is an operator action and does not
// touch any order that drew on the record.
func (a *Allocator) Delete(ctx context.Context, id string) error {
	if err := store.Do(ctx, a.policy, func(ctx context.Context) error {
		return a.records.Delete(ctx, id)
	}); err != nil {
		return err
	}
	a.logger.Warn("prepaid record deleted", "record_id", id)
	return nil
}

// RecipientLookup finds the delivery target of an order.
type RecipientLookup interface {
	RecipientFor(ctx context.Context, orderID string) (Recipient, error)
}

// History returns a record with recipient details filled in on usage entries
// that were written without them. Orders that can no longer be found are
// left as they are.
func (a *Allocator) History(ctx context.Context, id string, lookup RecipientLookup) (*Record, error) {
	rec, err := a.Get(ctx, id)
	if err != nil || lookup == nil {
		return rec, err
	}

	seen := make(map[string]bool)
	filled := 0
	for _, e := range rec.UsageLog {
		if e.OrderID == "" || e.complete() || seen[e.OrderID] {
			continue
		}
		seen[e.OrderID] = true

		r, err := lookup.RecipientFor(ctx, e.OrderID)
		if err != nil {
			a.logger.Debug("recipient lookup failed", "record_id", id, "order_id", e.OrderID, "err", err)
			continue
		}
		if err := store.Do(ctx, a.policy, func(ctx context.Context) error {
			return a.records.FillRecipient(ctx, id, e.OrderID, r)
		}); err != nil {
			return nil, err
		}
		filled++
	}

	if filled == 0 {
		return rec, nil
	}
	return a.Get(ctx, id)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrCustomerNotResolved):
		return "not_resolved"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient"
	case errors.Is(err, ErrRecordUpdateConflict):
		return "conflict"
	default:
		return "error"
	}
}
