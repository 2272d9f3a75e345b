package httpx

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-prepaid-orders/internal/ledger"
)

type LedgerHandler struct {
	Allocator *ledger.Allocator
	// Recipients fills missing delivery details when a record's history is
	// read. Optional.
	Recipients  ledger.RecipientLookup
	CallTimeout time.Duration
}

func (h *LedgerHandler) Register(r chi.Router) {
	r = bounded(r, h.CallTimeout)
	r.Post("/ledger/deposits", h.deposit)
	r.Get("/ledger/records", h.listRecords)
	r.Get("/ledger/records/{id}", h.history)
	r.Delete("/ledger/records/{id}", h.deleteRecord)
	r.Post("/ledger/allocations", h.allocate)
	r.Post("/ledger/refunds", h.refund)
}

// recordView adds the derived status and a display amount to a record.
type recordView struct {
	*ledger.Record
	Status         ledger.Status `json:"status"`
	BalanceDisplay string        `json:"balance_display"`
}

func (h *LedgerHandler) view(rec *ledger.Record) recordView {
	return recordView{
		Record:         rec,
		Status:         rec.Status(),
		BalanceDisplay: ledger.FormatAmount(rec.Kind, rec.Balance, h.Allocator.Currency()),
	}
}

// DepositReq takes the amount as a decimal: "12.50" for cash, "3" for units.
type DepositReq struct {
	OperationID string          `json:"operation_id"`
	Owner       ledger.Customer `json:"owner"`
	Kind        ledger.Kind     `json:"kind"`
	ProductKey  string          `json:"product_key"`
	ProductName string          `json:"product_name"`
	Amount      json.Number     `json:"amount"`
}

func (h *LedgerHandler) deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositReq
	if !decode(w, r, &req) {
		return
	}
	amount, err := ledger.ParseAmount(req.Kind, req.Amount.String())
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := callContext(r, h.CallTimeout)
	defer cancel()

	rec, err := h.Allocator.Deposit(ctx, ledger.DepositRequest{
		OperationID: req.OperationID,
		Owner:       req.Owner,
		Kind:        req.Kind,
		ProductKey:  req.ProductKey,
		ProductName: req.ProductName,
		Amount:      amount,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(rec))
}

func (h *LedgerHandler) listRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx, cancel := callContext(r, h.CallTimeout)
	defer cancel()

	recs, err := h.Allocator.ListByOwner(ctx, ledger.Customer{ID: q.Get("customer_id"), Phone: q.Get("phone")})
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, h.view(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *LedgerHandler) history(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := callContext(r, h.CallTimeout)
	defer cancel()

	rec, err := h.Allocator.History(ctx, chi.URLParam(r, "id"), h.Recipients)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(rec))
}

func (h *LedgerHandler) deleteRecord(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := callContext(r, h.CallTimeout)
	defer cancel()

	if err := h.Allocator.Delete(ctx, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type AllocateResp struct {
	Success bool `json:"success"`
	*ledger.AllocationResult
}

// AllocateReq takes the amount in the same decimal form as DepositReq.
type AllocateReq struct {
	Customer   ledger.Customer  `json:"customer"`
	Kind       ledger.Kind      `json:"kind"`
	ProductKey string           `json:"product_key"`
	Amount     json.Number      `json:"amount"`
	OrderID    string           `json:"order_id"`
	Recipient  ledger.Recipient `json:"recipient"`
	Note       string           `json:"note"`
}

func (h *LedgerHandler) allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateReq
	if !decode(w, r, &req) {
		return
	}
	amount, err := ledger.ParseAmount(req.Kind, req.Amount.String())
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := callContext(r, h.CallTimeout)
	defer cancel()

	res, err := h.Allocator.Allocate(ctx, ledger.AllocationRequest{
		Customer:   req.Customer,
		Kind:       req.Kind,
		ProductKey: req.ProductKey,
		Amount:     amount,
		OrderID:    req.OrderID,
		Recipient:  req.Recipient,
		Note:       req.Note,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AllocateResp{Success: true, AllocationResult: res})
}

func (h *LedgerHandler) refund(w http.ResponseWriter, r *http.Request) {
	var req ledger.RefundRequest
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := callContext(r, h.CallTimeout)
	defer cancel()

	res, err := h.Allocator.Refund(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
