package checkout

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
)

// PaymentSession is what the client needs to complete payment with the
// gateway.
type PaymentSession struct {
	OrderID       string
	TransactionID string
	ClientSecret  string
	// Reused is set when an already open attempt was returned.
	Reused bool
}

// OpenPayment opens, or reuses, a gateway transaction for the order total.
// It is safe to retry: an attempt that is still open at the gateway is
// reused, and a retried open of the same attempt replays the gateway
// idempotency key instead of creating a second transaction.
func (s *Service) OpenPayment(ctx context.Context, orderID string, amount decimal.Decimal) (*PaymentSession, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.OpenPayment", trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	defer span.End()

	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, recordError(span, err)
	}
	if !amount.Equal(o.Totals.Total) {
		return nil, recordError(span, order.NewValidationError("amount",
			"must equal order total %s", o.Totals.Total.StringFixed(2)))
	}

	if o.PaymentTransactionID != "" && o.PaymentStatus == order.PaymentPending {
		session, err := s.resumeAttempt(ctx, o)
		if err != nil {
			return nil, recordError(span, err)
		}
		if session != nil {
			return session, nil
		}
		// The attempt reached a terminal state and was reconciled.
		if o, err = s.GetOrder(ctx, orderID); err != nil {
			return nil, recordError(span, err)
		}
	}

	// Dry-run the transition so no gateway transaction is opened for an
	// order that cannot take one.
	dry := *o
	if err := dry.BeginPaymentAttempt("dry-run", s.now()); err != nil {
		return nil, recordError(span, err)
	}

	attempt := o.PaymentAttempts + 1
	txn, err := s.gateway.OpenTransaction(ctx, s.openRequest(o, attempt))
	if err != nil {
		return nil, recordError(span, err)
	}

	err = s.uow.InTx(ctx, func(ctx context.Context, tx Tx) error {
		locked, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return persistence("lock order", err)
		}
		if locked.PaymentTransactionID == txn.ID {
			// A concurrent call with the same idempotency key got here first.
			return nil
		}
		if err := locked.BeginPaymentAttempt(txn.ID, s.now().UTC()); err != nil {
			return err
		}
		if err := tx.Orders().RecordAttempt(ctx, orderID, txn.ID, txn.AmountMinor); err != nil {
			return persistence("record payment attempt", err)
		}
		return persistence("update order", tx.Orders().Update(ctx, locked))
	})
	if err != nil {
		var transition *order.InvalidTransitionError
		if errors.As(err, &transition) {
			s.cancelQuietly(ctx, txn.ID)
		}
		return nil, recordError(span, persistence("open payment", err))
	}

	zctx.From(ctx).Info("Payment opened",
		zap.String("order_id", orderID),
		zap.String("transaction_id", txn.ID),
		zap.Int("attempt", attempt),
	)
	return &PaymentSession{
		OrderID:       orderID,
		TransactionID: txn.ID,
		ClientSecret:  txn.ClientSecret,
	}, nil
}

// resumeAttempt returns a session for the current attempt if the gateway
// still considers it open. A terminal attempt is reconciled and nil is
// returned so the caller can open a new one.
func (s *Service) resumeAttempt(ctx context.Context, o *order.Order) (*PaymentSession, error) {
	txn, err := s.gateway.RetrieveTransaction(ctx, o.PaymentTransactionID)
	if err != nil {
		return nil, err
	}

	if txn.Status.Terminal() {
		if _, err := s.Reconcile(ctx, txn.ID, txn.Status); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if txn.ClientSecret == "" {
		// Gateway has not indexed the transaction yet; replaying the open
		// with the same key returns it.
		txn, err = s.gateway.OpenTransaction(ctx, s.openRequest(o, o.PaymentAttempts))
		if err != nil {
			return nil, err
		}
	}

	return &PaymentSession{
		OrderID:       o.ID,
		TransactionID: txn.ID,
		ClientSecret:  txn.ClientSecret,
		Reused:        true,
	}, nil
}

func (s *Service) openRequest(o *order.Order, attempt int) payment.OpenRequest {
	return payment.OpenRequest{
		OrderID:        o.ID,
		Amount:         o.Totals.Total,
		Currency:       o.Currency,
		IdempotencyKey: fmt.Sprintf("%s:%d", o.ID, attempt),
	}
}

func (s *Service) cancelQuietly(ctx context.Context, transactionID string) {
	if err := s.gateway.CancelTransaction(ctx, transactionID); err != nil {
		zctx.From(ctx).Warn("Cancel orphaned transaction failed",
			zap.String("transaction_id", transactionID),
			zap.Error(err),
		)
	}
}
