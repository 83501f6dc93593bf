package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
)

// errPaidMeanwhile aborts an expiry when the payment turned out to have
// succeeded.
var errPaidMeanwhile = errors.New("order was paid")

// AdvanceStatus moves a paid order along the fulfilment chain
// (PROCESSING, SHIPPED, DELIVERED).
func (s *Service) AdvanceStatus(ctx context.Context, orderID string, to order.Status) (*order.Order, error) {
	switch to {
	case order.StatusProcessing, order.StatusShipped, order.StatusDelivered:
	case order.StatusConfirmed:
		return nil, order.NewValidationError("status", "orders are confirmed by payment")
	case order.StatusCancelled, order.StatusRefunded:
		return nil, order.NewValidationError("status", "use the cancel or refund operation")
	default:
		return nil, order.NewValidationError("status", "unknown status %q", to)
	}

	var updated *order.Order
	err := s.uow.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return persistence("lock order", err)
		}
		if err := o.TransitionTo(to, s.now().UTC()); err != nil {
			return err
		}
		updated = o
		return persistence("update order", tx.Orders().Update(ctx, o))
	})
	if err != nil {
		return nil, persistence("advance status", err)
	}

	zctx.From(ctx).Info("Order status advanced",
		zap.String("order_id", orderID),
		zap.String("status", string(to)),
	)
	return updated, nil
}

// Cancel cancels a non-terminal order. An open gateway transaction is
// cancelled first; a paid order is refunded in full.
func (s *Service) Cancel(ctx context.Context, orderID string) (*order.Order, error) {
	return s.cancel(ctx, orderID, true)
}

func (s *Service) cancel(ctx context.Context, orderID string, refundPaid bool) (*order.Order, error) {
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Status.CanTransition(order.StatusCancelled) {
		return nil, &order.InvalidTransitionError{
			OrderID: o.ID,
			Kind:    "order",
			From:    string(o.Status),
			To:      string(order.StatusCancelled),
		}
	}

	// Settle the current attempt at the gateway before touching the order.
	if o.PaymentTransactionID != "" && o.PaymentStatus == order.PaymentPending {
		txn, err := s.gateway.RetrieveTransaction(ctx, o.PaymentTransactionID)
		if err != nil {
			return nil, err
		}
		if txn.Status.Terminal() {
			if _, err := s.Reconcile(ctx, txn.ID, txn.Status); err != nil {
				return nil, err
			}
		} else if err := s.gateway.CancelTransaction(ctx, txn.ID); err != nil {
			return nil, err
		}
		if o, err = s.GetOrder(ctx, orderID); err != nil {
			return nil, err
		}
	}

	if o.Paid() && !refundPaid {
		return nil, errPaidMeanwhile
	}

	var (
		updated *order.Order
		refund  = decimal.Zero
		issued  bool
	)
	err = s.uow.InTx(ctx, func(ctx context.Context, tx Tx) error {
		locked, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return persistence("lock order", err)
		}
		if !locked.Status.CanTransition(order.StatusCancelled) {
			return &order.InvalidTransitionError{
				OrderID: locked.ID,
				Kind:    "order",
				From:    string(locked.Status),
				To:      string(order.StatusCancelled),
			}
		}
		now := s.now().UTC()

		switch locked.PaymentStatus {
		case order.PaymentPending:
			if locked.PaymentTransactionID != "" {
				// The gateway will report the cancellation; claim it now so
				// that notification is a no-op.
				if _, err := tx.Guard().TryClaim(ctx, locked.PaymentTransactionID); err != nil {
					return persistence("claim transaction", err)
				}
				if err := locked.SetPaymentStatus(order.PaymentFailed, now); err != nil {
					return err
				}
			}
		case order.PaymentCompleted:
			if !refundPaid {
				return errPaidMeanwhile
			}
			refund = locked.Outstanding()
			if err := s.refundLocked(ctx, locked, refund); err != nil {
				return err
			}
			issued = true
			locked.RefundedAmount = locked.RefundedAmount.Add(refund)
			if err := locked.SetPaymentStatus(order.PaymentRefunded, now); err != nil {
				return err
			}
		}

		if err := locked.TransitionTo(order.StatusCancelled, now); err != nil {
			return err
		}
		updated = locked
		return persistence("update order", tx.Orders().Update(ctx, locked))
	})
	if err != nil {
		if errors.Is(err, errPaidMeanwhile) {
			return nil, err
		}
		if issued {
			zctx.From(ctx).Error("Refund issued but order not updated",
				zap.String("order_id", orderID),
				zap.Stringer("amount", refund),
				zap.Error(err),
			)
		}
		return nil, persistence("cancel order", err)
	}

	zctx.From(ctx).Info("Order cancelled",
		zap.String("order_id", orderID),
		zap.Stringer("refunded", refund),
	)
	return updated, nil
}

// Refund refunds amount of a paid order, or everything still outstanding
// when amount is not valid. A refund that reaches the order total moves the
// payment to REFUNDED and a non-terminal order to REFUNDED. Partial refunds
// only accumulate RefundedAmount.
//
// The order row stays locked while the gateway is called, so concurrent
// refunds are checked against the amount already refunded.
func (s *Service) Refund(ctx context.Context, orderID string, amount decimal.NullDecimal) (*order.Order, error) {
	if amount.Valid && !amount.Decimal.IsPositive() {
		return nil, order.NewValidationError("amount", "must be greater than zero")
	}

	var (
		updated *order.Order
		refund  decimal.Decimal
		issued  bool
	)
	err := s.uow.InTx(ctx, func(ctx context.Context, tx Tx) error {
		locked, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return persistence("lock order", err)
		}
		if !locked.Paid() {
			return &order.InvalidTransitionError{
				OrderID: locked.ID,
				Kind:    "payment",
				From:    string(locked.PaymentStatus),
				To:      string(order.PaymentRefunded),
			}
		}

		outstanding := locked.Outstanding()
		refund = outstanding
		if amount.Valid {
			if amount.Decimal.GreaterThan(outstanding) {
				return order.NewValidationError("amount", "must not exceed %s", outstanding.StringFixed(2))
			}
			refund = amount.Decimal
		}

		if err := s.refundLocked(ctx, locked, refund); err != nil {
			return err
		}
		issued = true

		now := s.now().UTC()
		locked.RefundedAmount = locked.RefundedAmount.Add(refund)
		locked.UpdatedAt = now
		if locked.RefundedAmount.GreaterThanOrEqual(locked.Totals.Total) {
			if err := locked.SetPaymentStatus(order.PaymentRefunded, now); err != nil {
				return err
			}
			if !locked.Status.Terminal() {
				if err := locked.TransitionTo(order.StatusRefunded, now); err != nil {
					return err
				}
			}
		}
		updated = locked
		return persistence("update order", tx.Orders().Update(ctx, locked))
	})
	if err != nil {
		if issued {
			// Retrying replays the same gateway refund by its key.
			zctx.From(ctx).Error("Refund issued but order not updated",
				zap.String("order_id", orderID),
				zap.Stringer("amount", refund),
				zap.Error(err),
			)
		}
		return nil, persistence("refund order", err)
	}

	zctx.From(ctx).Info("Order refunded",
		zap.String("order_id", orderID),
		zap.Stringer("amount", refund),
		zap.String("payment_status", string(updated.PaymentStatus)),
	)
	return updated, nil
}

// refundLocked issues a gateway refund for a locked order. The idempotency
// key is derived from the amount refunded so far, so a retry after a failed
// order update replays the same refund instead of issuing a new one.
func (s *Service) refundLocked(ctx context.Context, o *order.Order, amount decimal.Decimal) error {
	_, err := s.gateway.RefundTransaction(ctx, payment.RefundRequest{
		TransactionID:  o.PaymentTransactionID,
		Amount:         decimal.NewNullDecimal(amount),
		IdempotencyKey: refundKey(o.ID, o.RefundedAmount, amount),
	})
	return err
}

func refundKey(orderID string, refunded, amount decimal.Decimal) string {
	return fmt.Sprintf("%s:refund:%s:%s", orderID, refunded.StringFixed(2), amount.StringFixed(2))
}

// ExpireStale cancels up to limit PENDING orders created before olderThan
// ago whose payment never completed. Orders that turn out to be paid are
// skipped. It returns the number of cancelled orders.
func (s *Service) ExpireStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	lg := zctx.From(ctx)
	before := s.now().UTC().Add(-olderThan)

	ids, err := s.uow.Orders().ListStale(ctx, before, limit)
	if err != nil {
		return 0, persistence("list stale orders", err)
	}

	var expired int
	for _, id := range ids {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if _, err := s.cancel(ctx, id, false); err != nil {
			if errors.Is(err, errPaidMeanwhile) {
				lg.Info("Stale order was paid, keeping", zap.String("order_id", id))
				continue
			}
			lg.Warn("Expire order failed", zap.String("order_id", id), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}
