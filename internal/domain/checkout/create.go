package checkout

import (
	"context"
	"fmt"
	"maps"
	"net/mail"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/product"
)

// CreateOrderRequest is a checkout submitted by a client.
type CreateOrderRequest struct {
	ClientID        string
	ShippingAddress order.Address
	// BillingAddress defaults to the shipping address when nil.
	BillingAddress *order.Address
	ShippingMethod string
	PaymentMethod  string
	Note           string
	Items          []ItemRequest
	Totals         order.Totals
}

// ItemRequest is one cart line as submitted by the client.
type ItemRequest struct {
	ProductID string
	VariantID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	Variant   map[string]string
}

const maxNoteLength = 1000

// CreateOrder validates the request against its own arithmetic and the
// catalog, then persists a PENDING order with its items and addresses in one
// transaction.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*order.Order, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.CreateOrder")
	defer span.End()

	if err := validateRequest(req); err != nil {
		return nil, recordError(span, err)
	}

	catalog, err := s.loadCatalog(ctx, req.Items)
	if err != nil {
		return nil, recordError(span, err)
	}

	now := s.now().UTC()
	o := &order.Order{
		ID:              uuid.New().String(),
		Number:          s.numbers.Next(now),
		ClientID:        req.ClientID,
		Status:          order.StatusPending,
		PaymentStatus:   order.PaymentPending,
		Totals:          req.Totals,
		Currency:        s.currency,
		ShippingMethod:  req.ShippingMethod,
		PaymentMethod:   req.PaymentMethod,
		ShippingAddress: req.ShippingAddress,
		Note:            strings.TrimSpace(req.Note),
		RefundedAmount:  decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	o.ShippingAddress.ID = uuid.New().String()
	if req.BillingAddress != nil {
		o.BillingAddress = *req.BillingAddress
		o.BillingAddress.ID = uuid.New().String()
	} else {
		o.BillingAddress = o.ShippingAddress
	}

	o.Items = make([]order.OrderItem, len(req.Items))
	for i, item := range req.Items {
		p := catalog[item.ProductID]
		name := p.Name
		if name == "" {
			name = item.Name
		}
		o.Items[i] = order.OrderItem{
			ID:         uuid.New().String(),
			ProductID:  item.ProductID,
			VariantID:  item.VariantID,
			SKU:        p.SKU,
			Name:       name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			TotalPrice: item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))),
			Variant:    maps.Clone(item.Variant),
		}
	}

	if err := s.uow.Orders().Create(ctx, o); err != nil {
		return nil, recordError(span, persistence("create order", err))
	}

	s.metrics.ordersCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("currency", o.Currency),
	))
	zctx.From(ctx).Info("Order created",
		zap.String("order_id", o.ID),
		zap.String("order_number", o.Number),
		zap.String("client_id", o.ClientID),
		zap.Stringer("total", o.Totals.Total),
	)
	return o, nil
}

// GetOrder returns an order by id.
func (s *Service) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	o, err := s.uow.Orders().Get(ctx, id)
	if err != nil {
		return nil, persistence("get order", err)
	}
	return o, nil
}

// ListOrders returns the most recent orders of a client.
func (s *Service) ListOrders(ctx context.Context, clientID string, limit int) ([]order.Order, error) {
	if clientID == "" {
		return nil, order.NewValidationError("clientId", "is required")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	orders, err := s.uow.Orders().ListByClient(ctx, clientID, limit)
	if err != nil {
		return nil, persistence("list orders", err)
	}
	return orders, nil
}

// loadCatalog checks every item against the catalog. Unknown or unavailable
// products and changed prices are validation failures.
func (s *Service) loadCatalog(ctx context.Context, items []ItemRequest) (map[string]product.Product, error) {
	ids := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}

	products, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, persistence("load products", errors.Wrap(err, "catalog"))
	}
	catalog := make(map[string]product.Product, len(products))
	for _, p := range products {
		catalog[p.ID] = p
	}

	var v order.ValidationError
	for i, item := range items {
		p, ok := catalog[item.ProductID]
		switch {
		case !ok:
			v.Add(fmt.Sprintf("items[%d].productId", i), "product %q not found", item.ProductID)
		case !p.Available:
			v.Add(fmt.Sprintf("items[%d].productId", i), "product %q is unavailable", item.ProductID)
		case !p.Price.Equal(item.UnitPrice):
			v.Add(fmt.Sprintf("items[%d].unitPrice", i), "price changed to %s", p.Price.StringFixed(2))
		}
	}
	if err := v.Err(); err != nil {
		return nil, err
	}
	return catalog, nil
}

// validateRequest collects every structural and arithmetic problem of the
// request. It does not touch storage.
func validateRequest(req CreateOrderRequest) error {
	var v order.ValidationError

	if strings.TrimSpace(req.ClientID) == "" {
		v.Add("clientId", "is required")
	}
	validateAddress(&v, "shippingAddress", req.ShippingAddress)
	if req.BillingAddress != nil {
		validateAddress(&v, "billingAddress", *req.BillingAddress)
	}
	if strings.TrimSpace(req.ShippingMethod) == "" {
		v.Add("shippingMethod", "is required")
	}
	if strings.TrimSpace(req.PaymentMethod) == "" {
		v.Add("paymentMethod", "is required")
	}
	if len(req.Note) > maxNoteLength {
		v.Add("note", "must be at most %d characters", maxNoteLength)
	}

	if len(req.Items) == 0 {
		v.Add("items", "at least one item is required")
	}
	subtotal := decimal.Zero
	for i, item := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		if strings.TrimSpace(item.ProductID) == "" {
			v.Add(field+".productId", "is required")
		}
		if item.Quantity <= 0 {
			v.Add(field+".quantity", "must be greater than zero")
		}
		if item.UnitPrice.IsNegative() {
			v.Add(field+".unitPrice", "must not be negative")
		}
		subtotal = subtotal.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	t := req.Totals
	for _, f := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"totals.subtotal", t.Subtotal},
		{"totals.shipping", t.Shipping},
		{"totals.tax", t.Tax},
		{"totals.discount", t.Discount},
		{"totals.total", t.Total},
	} {
		if f.value.IsNegative() {
			v.Add(f.name, "must not be negative")
		}
	}
	if len(req.Items) > 0 && !t.Subtotal.Equal(subtotal) {
		v.Add("totals.subtotal", "does not match item total %s", subtotal.StringFixed(2))
	}
	if !t.Balanced() {
		expected := t.Subtotal.Add(t.Shipping).Add(t.Tax).Sub(t.Discount)
		v.Add("totals.total", "expected %s", expected.StringFixed(2))
	}

	return v.Err()
}

func validateAddress(v *order.ValidationError, prefix string, a order.Address) {
	required := []struct {
		name  string
		value string
	}{
		{"fullName", a.FullName},
		{"line1", a.Line1},
		{"city", a.City},
		{"postalCode", a.PostalCode},
		{"country", a.Country},
		{"email", a.Email},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			v.Add(prefix+"."+f.name, "is required")
		}
	}
	if a.Email != "" {
		if _, err := mail.ParseAddress(a.Email); err != nil {
			v.Add(prefix+".email", "is not a valid email address")
		}
	}
}
