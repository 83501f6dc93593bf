package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// CreateOrder validates and persists a checkout. Validation problems come
// back as 422 with one entry per offending field.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	o, err := h.checkout.CreateOrder(r.Context(), req.domain())
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createOrderResponse{
		ID:            o.ID,
		OrderNumber:   o.Number,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.checkout.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(o))
}

// ListOrders returns the latest orders of the client given by the clientId
// query parameter.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		limit = n
	}

	orders, err := h.checkout.ListOrders(r.Context(), q.Get("clientId"), limit)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}

	resp := make([]orderResponse, len(orders))
	for i := range orders {
		resp[i] = newOrderResponse(&orders[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

// OpenPayment opens or reuses the gateway transaction of an order.
func (h *Handler) OpenPayment(w http.ResponseWriter, r *http.Request) {
	var req openPaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.checkout.OpenPayment(r.Context(), chi.URLParam(r, "orderID"), req.Amount)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, paymentSessionResponse{
		OrderID:       session.OrderID,
		TransactionID: session.TransactionID,
		ClientSecret:  session.ClientSecret,
	})
}

// ConfirmPayment is called by the client after completing payment with the
// gateway. The order is reconciled against the gateway, not the client.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.checkout.Confirm(r.Context(), chi.URLParam(r, "orderID"), req.TransactionID)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, confirmPaymentResponse{
		PaymentStatus: string(res.Order.PaymentStatus),
		Order:         newOrderResponse(res.Order),
	})
}
