package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
)

func TestAdvanceStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.paidOrder(t)

	for _, to := range []order.Status{order.StatusProcessing, order.StatusShipped, order.StatusDelivered} {
		updated, err := f.svc.AdvanceStatus(ctx, o.ID, to)
		require.NoError(t, err)
		assert.Equal(t, to, updated.Status)
	}
	assert.Equal(t, order.StatusDelivered, f.store.order(o.ID).Status)

	_, err := f.svc.AdvanceStatus(ctx, o.ID, order.StatusShipped)
	var itErr *order.InvalidTransitionError
	require.ErrorAs(t, err, &itErr)
}

func TestAdvanceStatus_Rejected(t *testing.T) {
	tests := []struct {
		name       string
		to         order.Status
		validation bool
	}{
		{name: "SkipConfirmation", to: order.StatusProcessing},
		{name: "Confirmed", to: order.StatusConfirmed, validation: true},
		{name: "Cancelled", to: order.StatusCancelled, validation: true},
		{name: "Unknown", to: order.Status("LOST"), validation: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			o, err := f.svc.CreateOrder(context.Background(), validRequest())
			require.NoError(t, err)

			_, err = f.svc.AdvanceStatus(context.Background(), o.ID, tt.to)
			if tt.validation {
				var vErr *order.ValidationError
				require.ErrorAs(t, err, &vErr)
			} else {
				var itErr *order.InvalidTransitionError
				require.ErrorAs(t, err, &itErr)
			}
			assert.Equal(t, order.StatusPending, f.store.order(o.ID).Status)
		})
	}
}

func TestCancel_PendingPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, session := f.createAndOpen(t)

	cancelled, err := f.svc.Cancel(ctx, o.ID)
	require.NoError(t, err)

	assert.Equal(t, order.StatusCancelled, cancelled.Status)
	assert.Equal(t, order.PaymentFailed, cancelled.PaymentStatus)
	assert.Equal(t, []string{session.TransactionID}, f.gateway.cancelled)
	assert.Empty(t, f.gateway.refunds)

	// The gateway's own cancellation notice arrives afterwards.
	res, err := f.svc.HandleWebhook(ctx, []byte(session.TransactionID+":cancelled"), "valid")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, order.StatusCancelled, f.store.order(o.ID).Status)
}

func TestCancel_PaidOrderIsRefunded(t *testing.T) {
	f := newFixture(t)

	o := f.paidOrder(t)

	cancelled, err := f.svc.Cancel(context.Background(), o.ID)
	require.NoError(t, err)

	assert.Equal(t, order.StatusCancelled, cancelled.Status)
	assert.Equal(t, order.PaymentRefunded, cancelled.PaymentStatus)
	assert.True(t, dec("64.99").Equal(cancelled.RefundedAmount))
	require.Len(t, f.gateway.refunds, 1)
	assert.True(t, dec("64.99").Equal(f.gateway.refunds[0].Decimal))
}

func TestCancel_PartiallyRefundedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.paidOrder(t)
	_, err := f.svc.Refund(ctx, o.ID, decimal.NewNullDecimal(dec("10.00")))
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, o.ID)
	require.NoError(t, err)

	assert.True(t, dec("64.99").Equal(cancelled.RefundedAmount))
	require.Len(t, f.gateway.refunds, 2)
	assert.True(t, dec("54.99").Equal(f.gateway.refunds[1].Decimal))
}

func TestCancel_RetryAfterFailedUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.paidOrder(t)
	f.store.updateErr = errStoreDown

	_, err := f.svc.Cancel(ctx, o.ID)
	var pErr *order.PersistenceError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, order.StatusConfirmed, f.store.order(o.ID).Status)

	f.store.updateErr = nil
	cancelled, err := f.svc.Cancel(ctx, o.ID)
	require.NoError(t, err)

	assert.Equal(t, order.StatusCancelled, cancelled.Status)
	assert.Len(t, f.gateway.refunds, 1)
}

func TestCancel_PaidAtGatewayBeforeCancel(t *testing.T) {
	f := newFixture(t)

	o, session := f.createAndOpen(t)
	f.gateway.setStatus(session.TransactionID, payment.StatusSucceeded)

	cancelled, err := f.svc.Cancel(context.Background(), o.ID)
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, order.StatusCancelled, cancelled.Status)
	assert.Equal(t, order.PaymentRefunded, cancelled.PaymentStatus)
	assert.Empty(t, f.gateway.cancelled)
	assert.Len(t, f.gateway.refunds, 1)
	assert.True(t, f.store.claimed(session.TransactionID))
}

func TestCancel_TerminalOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.paidOrder(t)
	for _, to := range []order.Status{order.StatusProcessing, order.StatusShipped, order.StatusDelivered} {
		_, err := f.svc.AdvanceStatus(ctx, o.ID, to)
		require.NoError(t, err)
	}

	_, err := f.svc.Cancel(ctx, o.ID)

	var itErr *order.InvalidTransitionError
	require.ErrorAs(t, err, &itErr)
	assert.Empty(t, f.gateway.refunds)
}

func TestCancel_GatewayError(t *testing.T) {
	f := newFixture(t)

	o, _ := f.createAndOpen(t)
	f.gateway.cancelErr = &payment.GatewayError{Op: "cancel", StatusCode: 500, Temporary: true}

	_, err := f.svc.Cancel(context.Background(), o.ID)

	var gwErr *payment.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, order.StatusPending, f.store.order(o.ID).Status)
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.paidOrder(t)

	partial, err := f.svc.Refund(ctx, o.ID, decimal.NewNullDecimal(dec("10.00")))
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, partial.Status)
	assert.Equal(t, order.PaymentCompleted, partial.PaymentStatus)
	assert.True(t, dec("10.00").Equal(partial.RefundedAmount))

	rest, err := f.svc.Refund(ctx, o.ID, decimal.NullDecimal{})
	require.NoError(t, err)
	assert.Equal(t, order.StatusRefunded, rest.Status)
	assert.Equal(t, order.PaymentRefunded, rest.PaymentStatus)
	assert.True(t, dec("64.99").Equal(rest.RefundedAmount))

	require.Len(t, f.gateway.refunds, 2)
	assert.True(t, dec("10.00").Equal(f.gateway.refunds[0].Decimal))
	assert.True(t, dec("54.99").Equal(f.gateway.refunds[1].Decimal))

	_, err = f.svc.Refund(ctx, o.ID, decimal.NullDecimal{})
	var itErr *order.InvalidTransitionError
	require.ErrorAs(t, err, &itErr)
}

func TestRefund_InvalidAmount(t *testing.T) {
	tests := []struct {
		name   string
		amount string
	}{
		{name: "Zero", amount: "0"},
		{name: "Negative", amount: "-5"},
		{name: "AboveTotal", amount: "65.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			o := f.paidOrder(t)

			_, err := f.svc.Refund(context.Background(), o.ID, decimal.NewNullDecimal(dec(tt.amount)))

			var vErr *order.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, "amount", vErr.Fields[0].Field)
			assert.Empty(t, f.gateway.refunds)
		})
	}
}

func TestRefund_DeliveredOrderKeepsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.paidOrder(t)
	for _, to := range []order.Status{order.StatusProcessing, order.StatusShipped, order.StatusDelivered} {
		_, err := f.svc.AdvanceStatus(ctx, o.ID, to)
		require.NoError(t, err)
	}

	refunded, err := f.svc.Refund(ctx, o.ID, decimal.NullDecimal{})
	require.NoError(t, err)

	assert.Equal(t, order.StatusDelivered, refunded.Status)
	assert.Equal(t, order.PaymentRefunded, refunded.PaymentStatus)
}

func TestRefund_UnpaidOrder(t *testing.T) {
	f := newFixture(t)

	o, _ := f.createAndOpen(t)

	_, err := f.svc.Refund(context.Background(), o.ID, decimal.NullDecimal{})

	var itErr *order.InvalidTransitionError
	require.ErrorAs(t, err, &itErr)
	assert.Empty(t, f.gateway.refunds)
}

func TestRefund_GatewayError(t *testing.T) {
	f := newFixture(t)

	o := f.paidOrder(t)
	f.gateway.refundErr = &payment.GatewayError{Op: "refund", StatusCode: 402, Code: "charge_disputed"}

	_, err := f.svc.Refund(context.Background(), o.ID, decimal.NullDecimal{})

	var gwErr *payment.GatewayError
	require.ErrorAs(t, err, &gwErr)

	stored := f.store.order(o.ID)
	assert.Equal(t, order.PaymentCompleted, stored.PaymentStatus)
	assert.True(t, stored.RefundedAmount.IsZero())
}

func TestRefund_Concurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.paidOrder(t)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Refund(ctx, o.ID, decimal.NewNullDecimal(dec("40.00")))
		}()
	}
	wg.Wait()

	var succeeded, rejected int
	for _, err := range errs {
		var vErr *order.ValidationError
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &vErr):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	stored := f.store.order(o.ID)
	assert.True(t, dec("40.00").Equal(stored.RefundedAmount))
	assert.True(t, stored.RefundedAmount.LessThanOrEqual(stored.Totals.Total))
	assert.Len(t, f.gateway.refunds, 1)
}

func TestRefund_RetryAfterFailedUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.paidOrder(t)
	f.store.updateErr = errStoreDown

	_, err := f.svc.Refund(ctx, o.ID, decimal.NewNullDecimal(dec("10.00")))
	var pErr *order.PersistenceError
	require.ErrorAs(t, err, &pErr)
	assert.True(t, f.store.order(o.ID).RefundedAmount.IsZero())

	f.store.updateErr = nil
	refunded, err := f.svc.Refund(ctx, o.ID, decimal.NewNullDecimal(dec("10.00")))
	require.NoError(t, err)

	assert.True(t, dec("10.00").Equal(refunded.RefundedAmount))
	assert.Len(t, f.gateway.refunds, 1, "retry replays the first gateway refund")

	// A second, separate refund of the same amount is a new gateway refund.
	_, err = f.svc.Refund(ctx, o.ID, decimal.NewNullDecimal(dec("10.00")))
	require.NoError(t, err)
	assert.Len(t, f.gateway.refunds, 2)
}

func TestRefundKey(t *testing.T) {
	assert.Equal(t, "ord_1:refund:0.00:10.00", refundKey("ord_1", decimal.Zero, dec("10")))
	assert.Equal(t, "ord_1:refund:10.00:54.99", refundKey("ord_1", dec("10"), dec("54.99")))
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	abandoned, _ := f.createAndOpen(t)
	paidLate, lateSession := f.createAndOpen(t)
	f.gateway.setStatus(lateSession.TransactionID, payment.StatusSucceeded)

	f.clock.Advance(2 * time.Hour)
	fresh, err := f.svc.CreateOrder(ctx, validRequest())
	require.NoError(t, err)

	expired, err := f.svc.ExpireStale(ctx, time.Hour, 10)
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, 1, expired)
	assert.Equal(t, order.StatusCancelled, f.store.order(abandoned.ID).Status)
	assert.Equal(t, order.StatusConfirmed, f.store.order(paidLate.ID).Status)
	assert.Equal(t, order.StatusPending, f.store.order(fresh.ID).Status)
	assert.Empty(t, f.gateway.refunds)
}
