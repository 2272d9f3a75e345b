package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

type tick struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tick) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestAllocator(t *testing.T, s Store, opts ...Option) *Allocator {
	t.Helper()
	clock := &tick{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	base := []Option{
		WithClock(clock.now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetryPolicy(store.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, OpTimeout: time.Second}),
	}
	return NewAllocator(s, append(base, opts...)...)
}

func deposit(t *testing.T, a *Allocator, phone, product string, amount int64) *Record {
	t.Helper()
	kind := KindProductUnits
	if product == "" {
		kind = KindCash
	}
	rec, err := a.Deposit(context.Background(), DepositRequest{
		Owner:      Customer{Phone: phone, Name: "Lin"},
		Kind:       kind,
		ProductKey: product,
		Amount:     amount,
	})
	if err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}
	return rec
}

func mustGet(t *testing.T, a *Allocator, id string) *Record {
	t.Helper()
	rec, err := a.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error: %v", id, err)
	}
	return rec
}

func assertConsistent(t *testing.T, rec *Record) {
	t.Helper()
	if got, want := rec.Consumed(), rec.OriginalAmount-rec.Balance; got != want {
		t.Errorf("record %s: usage log sums to %d, want %d", rec.ID, got, want)
	}
	if rec.Balance < 0 || rec.Balance > rec.OriginalAmount {
		t.Errorf("record %s: balance %d outside [0, %d]", rec.ID, rec.Balance, rec.OriginalAmount)
	}
}

func unitsReq(phone, product string, amount int64, order string) AllocationRequest {
	return AllocationRequest{
		Customer:   Customer{Phone: phone},
		Kind:       KindProductUnits,
		ProductKey: product,
		Amount:     amount,
		OrderID:    order,
		Recipient:  Recipient{Name: "Lin", Phone: phone, Address: "1 Harbour Rd"},
	}
}

func TestAllocate_FIFOAcrossRecords(t *testing.T) {
	a := newTestAllocator(t, NewMemoryStore())
	older := deposit(t, a, "13800001111", "tea", 2)
	newer := deposit(t, a, "13800001111", "tea", 5)

	res, err := a.Allocate(context.Background(), unitsReq("13800001111", "tea", 4, "o-1"))
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if len(res.Lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(res.Lines))
	}
	if res.Lines[0].RecordID != older.ID || res.Lines[0].AmountDeducted != 2 || res.Lines[0].NewBalance != 0 {
		t.Errorf("first line = %+v, want 2 from older record leaving 0", res.Lines[0])
	}
	if res.Lines[1].RecordID != newer.ID || res.Lines[1].AmountDeducted != 2 || res.Lines[1].NewBalance != 3 {
		t.Errorf("second line = %+v, want 2 from newer record leaving 3", res.Lines[1])
	}

	o, n := mustGet(t, a, older.ID), mustGet(t, a, newer.ID)
	if o.Status() != StatusExhausted {
		t.Errorf("older status = %s, want exhausted", o.Status())
	}
	if n.Status() != StatusActive {
		t.Errorf("newer status = %s, want active", n.Status())
	}
	assertConsistent(t, o)
	assertConsistent(t, n)

	e := n.UsageLog[0]
	if e.OrderID != "o-1" || e.AllocationID != res.AllocationID || e.Address != "1 Harbour Rd" {
		t.Errorf("usage entry = %+v", e)
	}
}

func TestAllocate_InsufficientIsAllOrNothing(t *testing.T) {
	a := newTestAllocator(t, NewMemoryStore())
	r1 := deposit(t, a, "13800001111", "tea", 3)
	r2 := deposit(t, a, "13800001111", "tea", 4)

	_, err := a.Allocate(context.Background(), unitsReq("13800001111", "tea", 10, "o-1"))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	var ie *InsufficientBalanceError
	if !errors.As(err, &ie) {
		t.Fatalf("err is %T, want *InsufficientBalanceError", err)
	}
	if ie.Requested != 10 || ie.Available != 7 {
		t.Errorf("shortfall = %d/%d, want 10/7", ie.Requested, ie.Available)
	}

	for _, id := range []string{r1.ID, r2.ID} {
		rec := mustGet(t, a, id)
		if rec.Balance != rec.OriginalAmount || len(rec.UsageLog) != 0 {
			t.Errorf("record %s touched: balance %d, %d entries", id, rec.Balance, len(rec.UsageLog))
		}
	}
}

func TestAllocate_ExactBalanceExhausts(t *testing.T) {
	a := newTestAllocator(t, NewMemoryStore())
	rec := deposit(t, a, "13800001111", "", 1250)

	req := AllocationRequest{Customer: Customer{Phone: "13800001111"}, Kind: KindCash, Amount: 1250, OrderID: "o-1"}
	if _, err := a.Allocate(context.Background(), req); err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	got := mustGet(t, a, rec.ID)
	if got.Balance != 0 || got.Status() != StatusExhausted {
		t.Errorf("balance = %d status = %s, want 0 exhausted", got.Balance, got.Status())
	}

	req.OrderID = "o-2"
	req.Amount = 1
	if _, err := a.Allocate(context.Background(), req); !errors.Is(err, ErrCustomerNotResolved) {
		t.Errorf("err = %v, want ErrCustomerNotResolved once nothing is active", err)
	}
}

func TestAllocate_ResolutionOrder(t *testing.T) {
	s := NewMemoryStore()
	a := newTestAllocator(t, s)
	ctx := context.Background()

	byID, err := a.Deposit(ctx, DepositRequest{Owner: Customer{ID: "c-9", Phone: "13911112222"}, Kind: KindProductUnits, ProductKey: "tea", Amount: 5})
	if err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}
	byPhone := deposit(t, a, "13800001111", "tea", 5)

	req := unitsReq("13800001111", "tea", 1, "o-1")
	req.Customer.ID = "c-9"
	res, err := a.Allocate(ctx, req)
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if res.Lines[0].RecordID != byID.ID {
		t.Errorf("resolved %s, want customer id match %s", res.Lines[0].RecordID, byID.ID)
	}

	req.Customer.ID = "c-unknown"
	req.OrderID = "o-2"
	res, err = a.Allocate(ctx, req)
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if res.Lines[0].RecordID != byPhone.ID {
		t.Errorf("resolved %s, want phone match %s", res.Lines[0].RecordID, byPhone.ID)
	}
}

func TestAllocate_PhoneSuffix(t *testing.T) {
	a := newTestAllocator(t, NewMemoryStore())
	rec := deposit(t, a, "+86 138-0000-1111", "tea", 3)

	res, err := a.Allocate(context.Background(), unitsReq("13800001111", "tea", 1, "o-1"))
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if res.Lines[0].RecordID != rec.ID {
		t.Errorf("resolved %s, want %s", res.Lines[0].RecordID, rec.ID)
	}

	_, err = a.Allocate(context.Background(), unitsReq("1111", "tea", 1, "o-2"))
	if !errors.Is(err, ErrCustomerNotResolved) {
		t.Errorf("short hint err = %v, want ErrCustomerNotResolved", err)
	}
}

func TestAllocate_ProductOnlyFallback(t *testing.T) {
	ctx := context.Background()

	off := newTestAllocator(t, NewMemoryStore())
	deposit(t, off, "13800001111", "tea", 3)
	if _, err := off.Allocate(ctx, unitsReq("13700009999", "tea", 1, "o-1")); !errors.Is(err, ErrCustomerNotResolved) {
		t.Fatalf("fallback off: err = %v, want ErrCustomerNotResolved", err)
	}

	on := newTestAllocator(t, NewMemoryStore(), WithProductOnlyFallback(true))
	rec := deposit(t, on, "13800001111", "tea", 3)
	res, err := on.Allocate(ctx, unitsReq("13700009999", "tea", 1, "o-1"))
	if err != nil {
		t.Fatalf("fallback on: Allocate() error: %v", err)
	}
	if res.Lines[0].RecordID != rec.ID {
		t.Errorf("resolved %s, want %s", res.Lines[0].RecordID, rec.ID)
	}
}

func TestAllocate_ConcurrentNoDoubleSpend(t *testing.T) {
	a := newTestAllocator(t, NewMemoryStore())
	r1 := deposit(t, a, "13800001111", "tea", 5)
	r2 := deposit(t, a, "13800001111", "tea", 5)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.Allocate(context.Background(), unitsReq("13800001111", "tea", 1, "o-"+string(rune('a'+i))))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrCustomerNotResolved):
				rejected++
			default:
				t.Errorf("unexpected err: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ok != 10 || rejected != 10 {
		t.Errorf("ok = %d rejected = %d, want 10 and 10", ok, rejected)
	}
	for _, id := range []string{r1.ID, r2.ID} {
		rec := mustGet(t, a, id)
		if rec.Balance != 0 {
			t.Errorf("record %s balance = %d, want 0", id, rec.Balance)
		}
		assertConsistent(t, rec)
	}
}

type noLock struct{}

func (noLock) Lock(context.Context, string) (func(), error) { return func() {}, nil }

func TestAllocate_CompareAndSetWithoutLock(t *testing.T) {
	a := newTestAllocator(t, NewMemoryStore(), WithLocker(noLock{}), WithConflictRetries(100))
	r1 := deposit(t, a, "13800001111", "tea", 5)
	r2 := deposit(t, a, "13800001111", "tea", 5)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := a.Allocate(context.Background(), unitsReq("13800001111", "tea", 1, "o-"+string(rune('a'+i)))); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	a1, a2 := mustGet(t, a, r1.ID), mustGet(t, a, r2.ID)
	assertConsistent(t, a1)
	assertConsistent(t, a2)
	if spent := 10 - (a1.Balance + a2.Balance); spent != ok {
		t.Errorf("spent %d units but %d allocations succeeded", spent, ok)
	}
	if ok > 10 {
		t.Errorf("ok = %d, more than the 10 units deposited", ok)
	}
}

// flakyStore fails the Nth Apply call with err.
type flakyStore struct {
	*MemoryStore
	mu     sync.Mutex
	calls  int
	failAt int
	err    error
}

func (f *flakyStore) Apply(ctx context.Context, m Mutation) (*Record, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls == f.failAt
	f.mu.Unlock()
	if fail {
		return nil, f.err
	}
	return f.MemoryStore.Apply(ctx, m)
}

func TestAllocate_ConflictMidwayRollsBackAndRetries(t *testing.T) {
	fs := &flakyStore{MemoryStore: NewMemoryStore(), failAt: 2, err: store.ErrConflict}
	a := newTestAllocator(t, fs)
	r1 := deposit(t, a, "13800001111", "tea", 2)
	r2 := deposit(t, a, "13800001111", "tea", 5)

	res, err := a.Allocate(context.Background(), unitsReq("13800001111", "tea", 4, "o-1"))
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	a1, a2 := mustGet(t, a, r1.ID), mustGet(t, a, r2.ID)
	if a1.Balance != 0 || a2.Balance != 3 {
		t.Errorf("balances = %d/%d, want 0/3", a1.Balance, a2.Balance)
	}
	assertConsistent(t, a1)
	assertConsistent(t, a2)

	// deduct, roll back, deduct again
	if len(a1.UsageLog) != 3 {
		t.Errorf("first record has %d entries, want 3", len(a1.UsageLog))
	}
	if a1.netForAllocation(res.AllocationID) != 2 {
		t.Errorf("net for final allocation = %d, want 2", a1.netForAllocation(res.AllocationID))
	}
}

func TestAllocate_PermanentFailureMidwayRollsBack(t *testing.T) {
	fs := &flakyStore{MemoryStore: NewMemoryStore(), failAt: 2, err: store.ErrNotFound}
	a := newTestAllocator(t, fs)
	r1 := deposit(t, a, "13800001111", "tea", 2)
	r2 := deposit(t, a, "13800001111", "tea", 5)

	_, err := a.Allocate(context.Background(), unitsReq("13800001111", "tea", 4, "o-1"))
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("err = %v, want ErrRecordNotFound", err)
	}

	a1, a2 := mustGet(t, a, r1.ID), mustGet(t, a, r2.ID)
	if a1.Balance != 2 || a2.Balance != 5 {
		t.Errorf("balances = %d/%d, want untouched 2/5", a1.Balance, a2.Balance)
	}
	assertConsistent(t, a1)
	assertConsistent(t, a2)
}

func TestAllocate_ValidatesInput(t *testing.T) {
	a := newTestAllocator(t, NewMemoryStore())
	cases := []AllocationRequest{
		{Kind: "points", Amount: 1, OrderID: "o"},
		{Kind: KindProductUnits, Amount: 1, OrderID: "o"},
		{Kind: KindCash, Amount: 0, OrderID: "o"},
		{Kind: KindCash, Amount: 1},
	}
	for _, req := range cases {
		if _, err := a.Allocate(context.Background(), req); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Allocate(%+v) err = %v, want ErrInvalidInput", req, err)
		}
	}
}

func TestRefund_IsIdempotent(t *testing.T) {
	a := newTestAllocator(t, NewMemoryStore())
	r1 := deposit(t, a, "13800001111", "tea", 2)
	r2 := deposit(t, a, "13800001111", "tea", 5)
	ctx := context.Background()

	res, err := a.Allocate(ctx, unitsReq("13800001111", "tea", 4, "o-1"))
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	req := RefundRequest{AllocationID: res.AllocationID, OrderID: "o-1", Lines: res.Lines}

	first, err := a.Refund(ctx, req)
	if err != nil {
		t.Fatalf("Refund() error: %v", err)
	}
	for _, l := range first.Lines {
		if l.AlreadyRefunded || l.AmountCredited != 2 {
			t.Errorf("first refund line = %+v, want 2 credited", l)
		}
	}

	second, err := a.Refund(ctx, req)
	if err != nil {
		t.Fatalf("second Refund() error: %v", err)
	}
	for _, l := range second.Lines {
		if !l.AlreadyRefunded {
			t.Errorf("second refund line = %+v, want already refunded", l)
		}
	}

	a1, a2 := mustGet(t, a, r1.ID), mustGet(t, a, r2.ID)
	if a1.Balance != 2 || a2.Balance != 5 {
		t.Errorf("balances = %d/%d, want 2/5", a1.Balance, a2.Balance)
	}
	assertConsistent(t, a1)
	assertConsistent(t, a2)
}

func TestRefund_RejectsNonPositiveLines(t *testing.T) {
	a := newTestAllocator(t, NewMemoryStore())
	rec := deposit(t, a, "13800001111", "tea", 5)
	ctx := context.Background()

	res, err := a.Allocate(ctx, unitsReq("13800001111", "tea", 1, "o-1"))
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	cases := []struct {
		name string
		line AllocationLine
	}{
		{"negative", AllocationLine{RecordID: rec.ID, AmountDeducted: -3}},
		{"zero", AllocationLine{RecordID: rec.ID, AmountDeducted: 0}},
		{"missing record", AllocationLine{AmountDeducted: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Refund(ctx, RefundRequest{
				AllocationID: res.AllocationID,
				OrderID:      "o-1",
				Lines:        []AllocationLine{tc.line},
			})
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("Refund() error = %v, want ErrInvalidInput", err)
			}
		})
	}

	got := mustGet(t, a, rec.ID)
	if got.Balance != 4 {
		t.Errorf("balance = %d, want 4", got.Balance)
	}
	assertConsistent(t, got)
}

func TestDeposit_OperationIDIsIdempotent(t *testing.T) {
	a := newTestAllocator(t, NewMemoryStore())
	req := DepositRequest{
		OperationID: "op-1",
		Owner:       Customer{Phone: "13800001111"},
		Kind:        KindCash,
		Amount:      5000,
	}
	first, err := a.Deposit(context.Background(), req)
	if err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}
	second, err := a.Deposit(context.Background(), req)
	if err != nil {
		t.Fatalf("second Deposit() error: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("second deposit created %s, want %s", second.ID, first.ID)
	}

	recs, err := a.ListByOwner(context.Background(), Customer{Phone: "13800001111"})
	if err != nil {
		t.Fatalf("ListByOwner() error: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("records = %d, want 1", len(recs))
	}
}

func TestDeposit_RejectsProductKeyOnCash(t *testing.T) {
	a := newTestAllocator(t, NewMemoryStore())
	_, err := a.Deposit(context.Background(), DepositRequest{
		Owner: Customer{Phone: "13800001111"}, Kind: KindCash, ProductKey: "tea", Amount: 1,
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

type lookupFunc func(ctx context.Context, orderID string) (Recipient, error)

func (f lookupFunc) RecipientFor(ctx context.Context, orderID string) (Recipient, error) {
	return f(ctx, orderID)
}

func TestHistory_BackfillsRecipients(t *testing.T) {
	a := newTestAllocator(t, NewMemoryStore())
	rec := deposit(t, a, "13800001111", "tea", 5)
	ctx := context.Background()

	req := unitsReq("13800001111", "tea", 1, "o-1")
	req.Recipient = Recipient{}
	if _, err := a.Allocate(ctx, req); err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	lookups := 0
	got, err := a.History(ctx, rec.ID, lookupFunc(func(_ context.Context, orderID string) (Recipient, error) {
		lookups++
		if orderID != "o-1" {
			return Recipient{}, ErrRecordNotFound
		}
		return Recipient{Name: "Wei", Phone: "13900000000", Address: "9 Bay St"}, nil
	}))
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if lookups != 1 {
		t.Errorf("lookups = %d, want 1", lookups)
	}
	e := got.UsageLog[0]
	if e.Name != "Wei" || e.Address != "9 Bay St" {
		t.Errorf("entry recipient = %+v, want backfilled", e.Recipient)
	}
	assertConsistent(t, got)
}

func TestDelete_RemovesRecord(t *testing.T) {
	a := newTestAllocator(t, NewMemoryStore())
	rec := deposit(t, a, "13800001111", "tea", 5)
	if err := a.Delete(context.Background(), rec.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := a.Get(context.Background(), rec.ID); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Get() after delete err = %v, want ErrRecordNotFound", err)
	}
}
