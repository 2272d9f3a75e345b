package httpx

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-prepaid-orders/internal/orders"
	"github.com/ariefcatur/go-prepaid-orders/internal/redisx"
)

// StatusCache is the read-through order status cache; redisx.StatusCache in
// production.
type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.StatusEntry, bool)
	Set(ctx context.Context, orderID string, e redisx.StatusEntry)
	Drop(ctx context.Context, orderID string)
}

// Idempotency is the fast path for repeated creates; the database unique
// index on external_id stays authoritative.
type Idempotency interface {
	Lookup(ctx context.Context, externalID string) (string, bool)
	Remember(ctx context.Context, externalID, orderID string)
	Forget(ctx context.Context, externalID string)
}

type OrdersHandler struct {
	Service     *orders.Service
	Cache       StatusCache
	Idem        Idempotency
	CallTimeout time.Duration
}

func (h *OrdersHandler) Register(r chi.Router) {
	r = bounded(r, h.CallTimeout)
	r.Post("/orders", h.createOrder)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Post("/orders/{id}/transitions", h.transition)
	r.Post("/orders/{id}/refund", h.refund)
	r.Delete("/orders/{id}", h.deleteOrder)
}

type CreateOrderResp struct {
	*orders.Order
	Idempotent bool `json:"idempotent"`
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.CreateRequest
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := callContext(r, h.CallTimeout)
	defer cancel()

	if h.Idem != nil && req.ExternalID != "" {
		if id, ok := h.Idem.Lookup(ctx, req.ExternalID); ok {
			if o, err := h.Service.Get(ctx, id); err == nil {
				writeJSON(w, http.StatusOK, CreateOrderResp{Order: o, Idempotent: true})
				return
			}
			h.Idem.Forget(ctx, req.ExternalID)
		}
	}

	o, existed, err := h.Service.Create(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.Idem != nil && o.ExternalID != "" {
		h.Idem.Remember(ctx, o.ExternalID, o.ID)
	}
	h.cacheStatus(ctx, o)

	code := http.StatusCreated
	if existed {
		code = http.StatusOK
	}
	writeJSON(w, code, CreateOrderResp{Order: o, Idempotent: existed})
}

func (h *OrdersHandler) cacheStatus(ctx context.Context, o *orders.Order) {
	if h.Cache != nil {
		h.Cache.Set(ctx, o.ID, redisx.StatusEntry{Status: string(o.Status), UpdatedAt: o.UpdatedAt})
	}
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := callContext(r, h.CallTimeout)
	defer cancel()

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.Service.List(ctx, orders.Status(r.URL.Query().Get("status")), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*orders.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := callContext(r, h.CallTimeout)
	defer cancel()

	o, err := h.Service.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// getStatus answers from the cache when it can and refills it from the
// database when it cannot.
func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := callContext(r, h.CallTimeout)
	defer cancel()

	if h.Cache != nil {
		if e, ok := h.Cache.Get(ctx, orderID); ok {
			writeJSON(w, http.StatusOK, e)
			return
		}
	}

	o, err := h.Service.Get(ctx, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, redisx.StatusEntry{Status: string(o.Status), UpdatedAt: o.UpdatedAt})
}

type TransitionReq struct {
	To orders.Status `json:"to"`
}

func (h *OrdersHandler) transition(w http.ResponseWriter, r *http.Request) {
	var req TransitionReq
	if !decode(w, r, &req) {
		return
	}
	orderID := chi.URLParam(r, "id")

	ctx, cancel := callContext(r, h.CallTimeout)
	defer cancel()

	res, err := h.Service.Transition(ctx, orderID, req.To)
	if err != nil {
		if h.Cache != nil {
			h.Cache.Drop(ctx, orderID)
		}
		writeError(w, err)
		return
	}
	h.cacheStatus(ctx, res.Order)
	writeJSON(w, http.StatusOK, res)
}

func (h *OrdersHandler) refund(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := callContext(r, h.CallTimeout)
	defer cancel()

	refs, err := h.Service.Refund(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if refs == nil {
		refs = []orders.AllocationRef{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"refunded": refs})
}

func (h *OrdersHandler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := callContext(r, h.CallTimeout)
	defer cancel()

	if err := h.Service.Delete(ctx, orderID); err != nil {
		writeError(w, err)
		return
	}
	if h.Cache != nil {
		h.Cache.Drop(ctx, orderID)
	}
	w.WriteHeader(http.StatusNoContent)
}
