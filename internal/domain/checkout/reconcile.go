package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
)

// ReconcileResult describes what a reconciliation did.
type ReconcileResult struct {
	Order *order.Order
	// Outcome is the gateway status observed during re-verification.
	Outcome payment.TransactionStatus
	// Applied is set when this call changed the order.
	Applied bool
	// Duplicate is set when the transaction id had already been claimed.
	Duplicate bool
}

// Reconcile merges the gateway outcome of a transaction into its order
// exactly once. The reported status is only a hint: the transaction is
// always re-read from the gateway.
func (s *Service) Reconcile(ctx context.Context, transactionID string, reported payment.TransactionStatus) (*ReconcileResult, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Reconcile", trace.WithAttributes(
		attribute.String("payment.transaction_id", transactionID),
	))
	defer span.End()

	if transactionID == "" {
		return nil, recordError(span, order.NewValidationError("transactionId", "is required"))
	}
	lg := zctx.From(ctx).With(zap.String("transaction_id", transactionID))

	txn, err := s.gateway.RetrieveTransaction(ctx, transactionID)
	if err != nil {
		return nil, recordError(span, err)
	}
	if reported != "" && reported != txn.Status {
		lg.Info("Reported outcome differs from gateway",
			zap.String("reported", string(reported)),
			zap.String("gateway", string(txn.Status)),
		)
	}

	res := &ReconcileResult{Outcome: txn.Status}
	if !txn.Status.Terminal() {
		o, err := s.orderFor(ctx, s.uow.Orders(), txn, false)
		if err != nil {
			return nil, recordError(span, persistence("find order", err))
		}
		res.Order = o
		s.countReconcile(ctx, "non_terminal")
		return res, nil
	}

	target := order.PaymentFailed
	if txn.Status == payment.StatusSucceeded {
		target = order.PaymentCompleted
	}

	err = s.uow.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := s.orderFor(ctx, tx.Orders(), txn, true)
		if err != nil {
			return persistence("lock order", err)
		}
		res.Order = o

		claimed, err := tx.Guard().TryClaim(ctx, txn.ID)
		if err != nil {
			return persistence("claim transaction", err)
		}
		if !claimed {
			res.Duplicate = true
			return nil
		}

		applied, err := applyOutcome(o, txn.ID, target, s.now().UTC())
		if err != nil {
			return err
		}
		if !applied {
			if o.PaymentTransactionID != txn.ID {
				lg.Warn("Outcome for superseded payment attempt",
					zap.String("order_id", o.ID),
					zap.String("current_transaction_id", o.PaymentTransactionID),
					zap.String("outcome", string(txn.Status)),
				)
			}
			return nil
		}
		if err := tx.Orders().Update(ctx, o); err != nil {
			return persistence("update order", err)
		}
		res.Applied = true
		return nil
	})
	if err != nil {
		var transition *order.InvalidTransitionError
		if errors.As(err, &transition) {
			lg.Error("Payment outcome rejected by order state", zap.Error(err))
			s.countReconcile(ctx, "rejected")
		}
		return nil, recordError(span, persistence("reconcile", err))
	}

	switch {
	case res.Duplicate:
		s.countReconcile(ctx, "duplicate")
	case res.Applied:
		s.countReconcile(ctx, "applied")
		lg.Info("Payment reconciled",
			zap.String("order_id", res.Order.ID),
			zap.String("payment_status", string(res.Order.PaymentStatus)),
			zap.String("order_status", string(res.Order.Status)),
		)
		if res.Order.PaymentStatus == order.PaymentCompleted {
			s.signalCartClear(ctx, res.Order.ClientID, res.Order.ID)
		}
	default:
		s.countReconcile(ctx, "unchanged")
	}
	return res, nil
}

// Confirm is the client-driven path: the shopper reports that payment
// finished in the browser. The claim is re-verified with the gateway.
func (s *Service) Confirm(ctx context.Context, orderID, transactionID string) (*ReconcileResult, error) {
	if transactionID == "" {
		return nil, order.NewValidationError("transactionId", "is required")
	}
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentTransactionID != transactionID {
		owner, err := s.uow.Orders().FindByTransaction(ctx, transactionID)
		if err != nil && !errors.Is(err, order.ErrNotFound) {
			return nil, persistence("find order", err)
		}
		if owner == nil || owner.ID != orderID {
			return nil, order.NewValidationError("transactionId", "does not belong to order %s", orderID)
		}
	}
	return s.Reconcile(ctx, transactionID, "")
}

// HandleWebhook authenticates a gateway notification and reconciles the
// transaction it refers to. Events without a transaction are acknowledged
// without effect.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (*ReconcileResult, error) {
	ev, err := s.gateway.VerifyWebhook(payload, signature)
	if err != nil {
		return nil, err
	}
	if ev.TransactionID == "" {
		zctx.From(ctx).Debug("Webhook without transaction", zap.String("event_type", ev.Type))
		return &ReconcileResult{}, nil
	}
	return s.Reconcile(ctx, ev.TransactionID, ev.Status)
}

// applyOutcome moves the payment status of o to target for transactionID.
// Outcomes of superseded attempts and repeated outcomes leave o unchanged.
func applyOutcome(o *order.Order, transactionID string, target order.PaymentStatus, now time.Time) (bool, error) {
	if o.Status.Terminal() {
		return false, &order.InvalidTransitionError{
			OrderID: o.ID,
			Kind:    "order",
			From:    string(o.Status),
			To:      string(o.Status),
		}
	}

	switch o.PaymentTransactionID {
	case transactionID:
	case "":
		// Webhook raced ahead of the attempt being recorded.
		o.PaymentTransactionID = transactionID
		if o.PaymentAttempts == 0 {
			o.PaymentAttempts = 1
		}
	default:
		return false, nil
	}

	if o.PaymentStatus == target {
		return false, nil
	}
	if err := o.SetPaymentStatus(target, now); err != nil {
		return false, err
	}
	if target == order.PaymentCompleted && o.Status == order.StatusPending {
		if err := o.TransitionTo(order.StatusConfirmed, now); err != nil {
			return false, err
		}
	}
	return true, nil
}

// orderFor resolves the order of a transaction, preferring the order id
// recorded in the gateway metadata.
func (s *Service) orderFor(ctx context.Context, repo order.Repository, txn *payment.Transaction, lock bool) (*order.Order, error) {
	id := txn.OrderID
	if id == "" {
		o, err := repo.FindByTransaction(ctx, txn.ID)
		if err != nil {
			return nil, err
		}
		if !lock {
			return o, nil
		}
		id = o.ID
	}
	if lock {
		return repo.GetForUpdate(ctx, id)
	}
	return repo.Get(ctx, id)
}

// signalCartClear notifies the cart subsystem without blocking the caller.
// Failures are logged and not retried.
func (s *Service) signalCartClear(ctx context.Context, clientID, orderID string) {
	ctx = context.WithoutCancel(ctx)

	s.signals.Add(1)
	go func() {
		defer s.signals.Done()

		ctx, cancel := context.WithTimeout(ctx, s.signalTimeout)
		defer cancel()

		if err := s.carts.NotifyCartClear(ctx, clientID, orderID); err != nil {
			s.metrics.cartSignals.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
			zctx.From(ctx).Warn("Cart clear signal failed",
				zap.String("client_id", clientID),
				zap.String("order_id", orderID),
				zap.Error(err),
			)
			return
		}
		s.metrics.cartSignals.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "sent")))
	}()
}

func (s *Service) countReconcile(ctx context.Context, result string) {
	s.metrics.reconciled.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
