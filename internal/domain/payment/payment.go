// Package payment defines the payment gateway contract used by checkout and
// the gateway-facing value types.
package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the gateway-side state of a transaction.
type TransactionStatus string

const (
	StatusPending        TransactionStatus = "pending"
	StatusProcessing     TransactionStatus = "processing"
	StatusRequiresAction TransactionStatus = "requires_action"
	StatusSucceeded      TransactionStatus = "succeeded"
	StatusFailed         TransactionStatus = "failed"
	StatusCancelled      TransactionStatus = "cancelled"
)

// Terminal reports whether the gateway will not change the status again.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Transaction is a single payment attempt at the gateway.
type Transaction struct {
	ID           string
	ClientSecret string
	Status       TransactionStatus
	AmountMinor  int64
	Currency     string
	// OrderID is taken from the transaction metadata set at open time.
	OrderID       string
	FailureReason string
}

// OpenRequest describes a new transaction.
type OpenRequest struct {
	OrderID        string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

// RefundRequest describes a refund of a captured transaction.
type RefundRequest struct {
	TransactionID string
	// Amount is refunded, or the full captured amount when not valid.
	Amount decimal.NullDecimal
	// IdempotencyKey identifies the refund: replaying it returns the
	// original refund instead of moving money again.
	IdempotencyKey string
}

// Refund is the gateway result of a refund.
type Refund struct {
	ID            string
	TransactionID string
	AmountMinor   int64
	Status        string
}

// Event is an authenticated webhook notification.
type Event struct {
	ID            string
	Type          string
	TransactionID string
	Status        TransactionStatus
	OrderID       string
}

// Gateway is the payment provider client. Implementations retry transient
// failures and report everything else as *GatewayError.
type Gateway interface {
	OpenTransaction(ctx context.Context, req OpenRequest) (*Transaction, error)
	// RetrieveTransaction returns a pending transaction when the gateway does
	// not know the id yet.
	RetrieveTransaction(ctx context.Context, id string) (*Transaction, error)
	RefundTransaction(ctx context.Context, req RefundRequest) (*Refund, error)
	CancelTransaction(ctx context.Context, id string) error
	// VerifyWebhook authenticates and decodes a webhook payload. It returns
	// *SignatureError when authentication fails.
	VerifyWebhook(payload []byte, signature string) (*Event, error)
}
