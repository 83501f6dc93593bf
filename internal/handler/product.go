package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/product"
)

// GetProduct returns the current quote of a product, the price a client
// submits when creating an order.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.catalog.GetByID(r.Context(), chi.URLParam(r, "productID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, newProductResponse(p))
	case errors.Is(err, product.ErrNotFound):
		writeError(w, http.StatusNotFound, "product not found")
	default:
		zctx.From(r.Context()).Error("Product lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgTryAgain)
	}
}
