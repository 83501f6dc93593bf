package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
	"github.com/xenking/storefront-checkout/internal/gateway"
)

const maxWebhookBody = 1 << 20

// PaymentWebhook receives gateway notifications.
//
// The response code drives gateway redelivery: 2xx stops it, so outcomes a
// retry cannot change (duplicates, unknown orders, transitions the order
// state rejects) are acknowledged, and only transient failures get a 500.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lg := zctx.From(ctx)

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	res, err := h.checkout.HandleWebhook(ctx, payload, r.Header.Get(gateway.SignatureHeader))

	var (
		signatureErr  *payment.SignatureError
		decodeErr     *payment.EventDecodeError
		transitionErr *order.InvalidTransitionError
	)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, Duplicate: res.Duplicate})
	case errors.As(err, &signatureErr):
		lg.Warn("Webhook rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid signature")
	case errors.As(err, &decodeErr):
		// Signed by the gateway, so redelivery would fail the same way.
		lg.Error("Webhook payload undecodable", zap.Error(err), zap.Int("size", len(payload)))
		writeJSON(w, http.StatusOK, webhookResponse{Received: true})
	case errors.As(err, &transitionErr):
		// Already logged by the reconciler as a defect signal.
		writeJSON(w, http.StatusOK, webhookResponse{Received: true})
	case errors.Is(err, order.ErrNotFound):
		lg.Warn("Webhook for unknown order", zap.Error(err))
		writeJSON(w, http.StatusOK, webhookResponse{Received: true})
	default:
		lg.Error("Webhook processing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgTryAgain)
	}
}
