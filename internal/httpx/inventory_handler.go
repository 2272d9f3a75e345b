package httpx

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ariefcatur/go-prepaid-orders/internal/events"
	"github.com/ariefcatur/go-prepaid-orders/internal/inventory"
)

type InventoryHandler struct {
	Reconciler *inventory.Reconciler
	// Events, when set, lets POST /inventory/resync?async=true hand the run
	// to the reconciler worker instead of running it in the request.
	Events      *events.Emitter
	CallTimeout time.Duration
	// ResyncTimeout bounds a synchronous full resync.
	ResyncTimeout time.Duration
}

func (h *InventoryHandler) Register(r chi.Router) {
	bounded(r, h.resyncTimeout()).Post("/inventory/resync", h.resync)

	r = bounded(r, h.CallTimeout)
	r.Post("/inventory/products", h.registerProduct)
	r.Post("/inventory/decrements", h.decrement)
	r.Get("/inventory/status", h.status)
	r.Post("/inventory/warehouse/{id}/adjust", h.adjustWarehouse)
	r.Get("/inventory/movements/{order_id}", h.movements)
}

func (h *InventoryHandler) resyncTimeout() time.Duration {
	if h.ResyncTimeout <= 0 {
		return time.Minute
	}
	return h.ResyncTimeout
}

func (h *InventoryHandler) registerProduct(w http.ResponseWriter, r *http.Request) {
	var spec inventory.ProductSpec
	if !decode(w, r, &spec) {
		return
	}
	ctx, cancel := callContext(r, h.CallTimeout)
	defer cancel()

	p, err := h.Reconciler.RegisterProduct(ctx, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type DecrementReq struct {
	OrderID string           `json:"order_id"`
	Items   []inventory.Item `json:"items"`
}

func (h *InventoryHandler) decrement(w http.ResponseWriter, r *http.Request) {
	var req DecrementReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := callContext(r, h.CallTimeout)
	defer cancel()

	rep, err := h.Reconciler.DecrementOnOrder(ctx, req.OrderID, req.Items)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *InventoryHandler) resync(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("async") == "true" && h.Events != nil {
		ctx, cancel := callContext(r, h.CallTimeout)
		defer cancel()

		runKey := uuid.NewString()
		if err := h.Events.Emit(ctx, events.TopicResyncRequested, events.EventResyncRequested, runKey,
			events.ResyncRequestedPayload{RequestedBy: "api", Reason: r.URL.Query().Get("reason")}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"request_id": runKey})
		return
	}

	ctx, cancel := callContext(r, h.resyncTimeout())
	defer cancel()

	rep, err := h.Reconciler.FullResync(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *InventoryHandler) status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := callContext(r, h.CallTimeout)
	defer cancel()

	st, err := h.Reconciler.Status(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type AdjustReq struct {
	Delta int64  `json:"delta"`
	Note  string `json:"note"`
}

func (h *InventoryHandler) adjustWarehouse(w http.ResponseWriter, r *http.Request) {
	var req AdjustReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := callContext(r, h.CallTimeout)
	defer cancel()

	item, err := h.Reconciler.AdjustWarehouse(ctx, chi.URLParam(r, "id"), req.Delta, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *InventoryHandler) movements(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := callContext(r, h.CallTimeout)
	defer cancel()

	mv, err := h.Reconciler.OrderMovements(ctx, chi.URLParam(r, "order_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if mv == nil {
		mv = []inventory.Movement{}
	}
	writeJSON(w, http.StatusOK, mv)
}
