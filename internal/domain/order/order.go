package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by repositories when an order does not exist.
var ErrNotFound = errors.New("order not found")

// Order is a persisted checkout. Orders are never deleted; they only move
// through the status machines defined in status.go.
type Order struct {
	ID                   string
	Number               string
	ClientID             string
	Status               Status
	PaymentStatus        PaymentStatus
	Totals               Totals
	Currency             string
	ShippingMethod       string
	PaymentMethod        string
	ShippingAddress      Address
	BillingAddress       Address
	Note                 string
	Items                []OrderItem
	PaymentTransactionID string
	PaymentAttempts      int
	RefundedAmount       decimal.Decimal
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// OrderItem is a line item snapshot. Name, SKU and price are copied at order
// time and never follow later catalog changes.
type OrderItem struct {
	ID         string
	ProductID  string
	VariantID  string
	SKU        string
	Name       string
	Quantity   int
	UnitPrice  decimal.Decimal
	TotalPrice decimal.Decimal
	Variant    map[string]string
}

// Address is a denormalized destination snapshot.
type Address struct {
	ID         string
	FullName   string
	Email      string
	Phone      string
	Line1      string
	Line2      string
	City       string
	Region     string
	PostalCode string
	Country    string
}

// Totals is the monetary breakdown of an order.
type Totals struct {
	Subtotal decimal.Decimal
	Shipping decimal.Decimal
	Tax      decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// Balanced reports whether total = subtotal + shipping + tax - discount.
func (t Totals) Balanced() bool {
	return t.Subtotal.Add(t.Shipping).Add(t.Tax).Sub(t.Discount).Equal(t.Total)
}

// Paid reports whether the order has a completed payment that was not
// refunded in full.
func (o *Order) Paid() bool {
	return o.PaymentStatus == PaymentCompleted
}

// Outstanding returns the amount that can still be refunded.
func (o *Order) Outstanding() decimal.Decimal {
	return o.Totals.Total.Sub(o.RefundedAmount)
}

// Repository owns durable order state. Implementations must make Create
// atomic: the order, its items and addresses become visible together or not
// at all.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// GetForUpdate loads the order and locks it until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id string) (*Order, error)
	FindByTransaction(ctx context.Context, transactionID string) (*Order, error)
	ListByClient(ctx context.Context, clientID string, limit int) ([]Order, error)
	// ListStale returns ids of PENDING orders whose payment is not completed
	// and which were created before the given time.
	ListStale(ctx context.Context, before time.Time, limit int) ([]string, error)
	// Update persists status, payment fields and refund bookkeeping.
	Update(ctx context.Context, o *Order) error
	// RecordAttempt stores an opened gateway transaction for the order.
	RecordAttempt(ctx context.Context, orderID, transactionID string, amountMinor int64) error
}
