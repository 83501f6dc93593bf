package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/order"
)

// AdvanceStatus moves an order along its fulfilment path.
func (h *Handler) AdvanceStatus(w http.ResponseWriter, r *http.Request) {
	var req advanceStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	to := order.Status(req.Status)
	if !to.Valid() {
		writeDomainError(r.Context(), w, order.NewValidationError("status", "unknown status %q", req.Status))
		return
	}

	o, err := h.checkout.AdvanceStatus(r.Context(), chi.URLParam(r, "orderID"), to)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	zctx.From(r.Context()).Info("Order status changed",
		zap.String("order_id", o.ID),
		zap.String("status", string(o.Status)),
	)
	writeJSON(w, http.StatusOK, newOrderResponse(o))
}

// CancelOrder cancels an order, refunding it first when it is paid.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.checkout.Cancel(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	zctx.From(r.Context()).Info("Order cancelled", zap.String("order_id", o.ID))
	writeJSON(w, http.StatusOK, newOrderResponse(o))
}

// RefundOrder refunds the given amount, or everything outstanding when the
// body has no amount.
func (h *Handler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	o, err := h.checkout.Refund(r.Context(), chi.URLParam(r, "orderID"), req.Amount)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	zctx.From(r.Context()).Info("Order refunded",
		zap.String("order_id", o.ID),
		zap.String("refunded", o.RefundedAmount.StringFixed(2)),
	)
	writeJSON(w, http.StatusOK, newOrderResponse(o))
}
