package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
)

const (
	msgTryAgain        = "something went wrong, please try again"
	msgPaymentTryAgain = "payment could not be processed, please try again"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Code: status, Message: msg})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

// writeDomainError maps domain errors to responses. Validation problems are
// returned field by field; gateway and store failures never leak details.
func writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	lg := zctx.From(ctx)

	var (
		validationErr *order.ValidationError
		transitionErr *order.InvalidTransitionError
		gatewayErr    *payment.GatewayError
		signatureErr  *payment.SignatureError
	)
	switch {
	case errors.As(err, &validationErr):
		resp := errorResponse{
			Code:    http.StatusUnprocessableEntity,
			Message: "validation failed",
			Fields:  make([]fieldErrorJSON, len(validationErr.Fields)),
		}
		for i, f := range validationErr.Fields {
			resp.Fields[i] = fieldErrorJSON{Field: f.Field, Message: f.Message}
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.As(err, &transitionErr):
		lg.Warn("Rejected status transition", zap.Error(err))
		writeError(w, http.StatusConflict, transitionErr.Error())
	case errors.As(err, &signatureErr):
		writeError(w, http.StatusBadRequest, "invalid signature")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.As(err, &gatewayErr):
		lg.Error("Payment gateway failure", zap.Error(err))
		writeError(w, http.StatusBadGateway, msgPaymentTryAgain)
	default:
		lg.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgTryAgain)
	}
}
