// Package handler exposes checkout over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
	"github.com/xenking/storefront-checkout/internal/domain/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/product"
)

// Checkout is the part of checkout.Service served over HTTP.
type Checkout interface {
	CreateOrder(ctx context.Context, req checkout.CreateOrderRequest) (*order.Order, error)
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ListOrders(ctx context.Context, clientID string, limit int) ([]order.Order, error)
	OpenPayment(ctx context.Context, orderID string, amount decimal.Decimal) (*checkout.PaymentSession, error)
	Confirm(ctx context.Context, orderID, transactionID string) (*checkout.ReconcileResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*checkout.ReconcileResult, error)
	AdvanceStatus(ctx context.Context, orderID string, to order.Status) (*order.Order, error)
	Cancel(ctx context.Context, orderID string) (*order.Order, error)
	Refund(ctx context.Context, orderID string, amount decimal.NullDecimal) (*order.Order, error)
}

// Catalog serves product quotes. It may lag the catalog; order creation
// re-checks prices against the authoritative source.
type Catalog interface {
	GetByID(ctx context.Context, id string) (*product.Product, error)
}

// Authenticator checks back-office API keys.
type Authenticator interface {
	Authenticate(ctx context.Context, key, scope string) (*auth.APIKeyInfo, error)
}

var (
	_ Checkout      = (*checkout.Service)(nil)
	_ Catalog       = (*product.CachedRepository)(nil)
	_ Authenticator = (*auth.Authenticator)(nil)
)

// Handler serves the checkout API.
type Handler struct {
	checkout Checkout
	catalog  Catalog
	keys     Authenticator
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(svc Checkout, catalog Catalog, keys Authenticator) *Handler {
	return &Handler{
		checkout: svc,
		catalog:  catalog,
		keys:     keys,
	}
}

// Routes returns the API router. It is meant to be mounted under /api.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Get("/", h.ListOrders)
		r.Route("/{orderID}", func(r chi.Router) {
			r.Get("/", h.GetOrder)
			r.Post("/payment", h.OpenPayment)
			r.Post("/payment/confirm", h.ConfirmPayment)
		})
	})

	r.Get("/products/{productID}", h.GetProduct)

	r.Post("/webhooks/payments", h.PaymentWebhook)

	r.Route("/admin/orders/{orderID}", func(r chi.Router) {
		r.With(h.RequireScope(auth.ScopeOrdersManage)).Post("/status", h.AdvanceStatus)
		r.With(h.RequireScope(auth.ScopeOrdersManage)).Post("/cancel", h.CancelOrder)
		r.With(h.RequireScope(auth.ScopeRefunds)).Post("/refund", h.RefundOrder)
	})

	return r
}
