package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/product"
)

type addressJSON struct {
	FullName   string `json:"fullName"`
	Email      string `json:"email"`
	Phone      string `json:"phone,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

func (a addressJSON) domain() order.Address {
	return order.Address{
		FullName:   a.FullName,
		Email:      a.Email,
		Phone:      a.Phone,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		Region:     a.Region,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

func newAddressJSON(a order.Address) addressJSON {
	return addressJSON{
		FullName:   a.FullName,
		Email:      a.Email,
		Phone:      a.Phone,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		Region:     a.Region,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

type totalsJSON struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Shipping decimal.Decimal `json:"shipping"`
	Tax      decimal.Decimal `json:"tax"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`
}

type itemRequest struct {
	ProductID string            `json:"productId"`
	VariantID string            `json:"variantId,omitempty"`
	Name      string            `json:"name,omitempty"`
	Quantity  int               `json:"quantity"`
	UnitPrice decimal.Decimal   `json:"unitPrice"`
	Variant   map[string]string `json:"variant,omitempty"`
}

type createOrderRequest struct {
	ClientID        string        `json:"clientId"`
	ShippingAddress addressJSON   `json:"shippingAddress"`
	BillingAddress  *addressJSON  `json:"billingAddress,omitempty"`
	ShippingMethod  string        `json:"shippingMethod"`
	PaymentMethod   string        `json:"paymentMethod"`
	Note            string        `json:"note,omitempty"`
	Items           []itemRequest `json:"items"`
	Totals          totalsJSON    `json:"totals"`
}

func (r createOrderRequest) domain() checkout.CreateOrderRequest {
	req := checkout.CreateOrderRequest{
		ClientID:        r.ClientID,
		ShippingAddress: r.ShippingAddress.domain(),
		ShippingMethod:  r.ShippingMethod,
		PaymentMethod:   r.PaymentMethod,
		Note:            r.Note,
		Items:           make([]checkout.ItemRequest, len(r.Items)),
		Totals: order.Totals{
			Subtotal: r.Totals.Subtotal,
			Shipping: r.Totals.Shipping,
			Tax:      r.Totals.Tax,
			Discount: r.Totals.Discount,
			Total:    r.Totals.Total,
		},
	}
	if r.BillingAddress != nil {
		billing := r.BillingAddress.domain()
		req.BillingAddress = &billing
	}
	for i, it := range r.Items {
		req.Items[i] = checkout.ItemRequest{
			ProductID: it.ProductID,
			VariantID: it.VariantID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Variant:   it.Variant,
		}
	}
	return req
}

type createOrderResponse struct {
	ID            string `json:"id"`
	OrderNumber   string `json:"orderNumber"`
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
}

type itemResponse struct {
	ID         string            `json:"id"`
	ProductID  string            `json:"productId"`
	VariantID  string            `json:"variantId,omitempty"`
	SKU        string            `json:"sku"`
	Name       string            `json:"name"`
	Quantity   int               `json:"quantity"`
	UnitPrice  decimal.Decimal   `json:"unitPrice"`
	TotalPrice decimal.Decimal   `json:"totalPrice"`
	Variant    map[string]string `json:"variant,omitempty"`
}

type orderResponse struct {
	ID              string          `json:"id"`
	OrderNumber     string          `json:"orderNumber"`
	ClientID        string          `json:"clientId"`
	Status          string          `json:"status"`
	PaymentStatus   string          `json:"paymentStatus"`
	Totals          totalsJSON      `json:"totals"`
	RefundedAmount  decimal.Decimal `json:"refundedAmount"`
	Currency        string          `json:"currency"`
	ShippingMethod  string          `json:"shippingMethod"`
	PaymentMethod   string          `json:"paymentMethod"`
	ShippingAddress addressJSON     `json:"shippingAddress"`
	BillingAddress  addressJSON     `json:"billingAddress"`
	Note            string          `json:"note,omitempty"`
	Items           []itemResponse  `json:"items"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// newOrderResponse leaves out gateway references; clients only see them
// through the payment endpoints.
func newOrderResponse(o *order.Order) orderResponse {
	resp := orderResponse{
		ID:            o.ID,
		OrderNumber:   o.Number,
		ClientID:      o.ClientID,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		Totals: totalsJSON{
			Subtotal: o.Totals.Subtotal,
			Shipping: o.Totals.Shipping,
			Tax:      o.Totals.Tax,
			Discount: o.Totals.Discount,
			Total:    o.Totals.Total,
		},
		RefundedAmount:  o.RefundedAmount,
		Currency:        o.Currency,
		ShippingMethod:  o.ShippingMethod,
		PaymentMethod:   o.PaymentMethod,
		ShippingAddress: newAddressJSON(o.ShippingAddress),
		BillingAddress:  newAddressJSON(o.BillingAddress),
		Note:            o.Note,
		Items:           make([]itemResponse, len(o.Items)),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	for i, it := range o.Items {
		resp.Items[i] = itemResponse{
			ID:         it.ID,
			ProductID:  it.ProductID,
			VariantID:  it.VariantID,
			SKU:        it.SKU,
			Name:       it.Name,
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice,
			TotalPrice: it.TotalPrice,
			Variant:    it.Variant,
		}
	}
	return resp
}

type openPaymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type paymentSessionResponse struct {
	OrderID       string `json:"orderId"`
	TransactionID string `json:"transactionId"`
	ClientSecret  string `json:"clientSecret"`
}

type confirmPaymentRequest struct {
	TransactionID string `json:"transactionId"`
}

type confirmPaymentResponse struct {
	PaymentStatus string        `json:"paymentStatus"`
	Order         orderResponse `json:"order"`
}

type advanceStatusRequest struct {
	Status string `json:"status"`
}

type refundRequest struct {
	// Amount is optional; an absent amount refunds everything outstanding.
	Amount decimal.NullDecimal `json:"amount"`
}

type productResponse struct {
	ID        string          `json:"id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Available bool            `json:"available"`
}

func newProductResponse(p *product.Product) productResponse {
	return productResponse{
		ID:        p.ID,
		SKU:       p.SKU,
		Name:      p.Name,
		Price:     p.Price,
		Available: p.Available,
	}
}

type webhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

type fieldErrorJSON struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type errorResponse struct {
	Code    int              `json:"code"`
	Message string           `json:"message"`
	Fields  []fieldErrorJSON `json:"fields,omitempty"`
}
