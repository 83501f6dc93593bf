package checkout

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
)

func TestCheckout_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, order.PaymentPending, o.PaymentStatus)

	session, err := f.svc.OpenPayment(ctx, o.ID, dec("64.99"))
	require.NoError(t, err)
	assert.NotEmpty(t, session.ClientSecret)
	assert.Equal(t, int64(6499), f.gateway.txns[session.TransactionID].AmountMinor)

	f.gateway.setStatus(session.TransactionID, payment.StatusSucceeded)

	res, err := f.svc.Reconcile(ctx, session.TransactionID, payment.StatusSucceeded)
	require.NoError(t, err)
	f.svc.Wait()

	assert.True(t, res.Applied)
	assert.Equal(t, order.StatusConfirmed, res.Order.Status)
	assert.Equal(t, order.PaymentCompleted, res.Order.PaymentStatus)

	stored := f.store.order(o.ID)
	assert.Equal(t, order.StatusConfirmed, stored.Status)
	assert.Equal(t, order.PaymentCompleted, stored.PaymentStatus)
	assert.Equal(t, []string{"client-1/" + o.ID}, f.cart.calls)
	assert.True(t, f.store.claimed(session.TransactionID))
}

func TestReconcile_DuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, session := f.createAndOpen(t)
	f.gateway.setStatus(session.TransactionID, payment.StatusSucceeded)

	webhook := []byte(session.TransactionID + ":succeeded")
	first, err := f.svc.HandleWebhook(ctx, webhook, "valid")
	require.NoError(t, err)
	second, err := f.svc.HandleWebhook(ctx, webhook, "valid")
	require.NoError(t, err)
	confirm, err := f.svc.Confirm(ctx, o.ID, session.TransactionID)
	require.NoError(t, err)
	f.svc.Wait()

	assert.True(t, first.Applied)
	assert.False(t, second.Applied)
	assert.True(t, second.Duplicate)
	assert.True(t, confirm.Duplicate)
	assert.Equal(t, order.StatusConfirmed, confirm.Order.Status)
	assert.Equal(t, 1, f.cart.count())
}

func TestReconcile_ConcurrentDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, session := f.createAndOpen(t)
	f.gateway.setStatus(session.TransactionID, payment.StatusSucceeded)

	const deliveries = 10
	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	wg.Add(deliveries)
	for range deliveries {
		go func() {
			defer wg.Done()
			res, err := f.svc.Reconcile(ctx, session.TransactionID, payment.StatusSucceeded)
			assert.NoError(t, err)
			if err == nil && res.Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	f.svc.Wait()

	assert.Equal(t, int32(1), applied.Load())
	assert.Equal(t, 1, f.cart.count())
}

func TestReconcile_StalePendingDoesNotRegress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.paidOrder(t)
	require.Equal(t, order.StatusConfirmed, o.Status)

	// A late notification for the same transaction while the gateway read
	// is served from a lagging replica.
	f.gateway.setStatus(o.PaymentTransactionID, payment.StatusPending)
	res, err := f.svc.Reconcile(ctx, o.PaymentTransactionID, payment.StatusPending)
	require.NoError(t, err)

	assert.False(t, res.Applied)
	stored := f.store.order(o.ID)
	assert.Equal(t, order.StatusConfirmed, stored.Status)
	assert.Equal(t, order.PaymentCompleted, stored.PaymentStatus)
}

func TestReconcile_NonTerminalIgnored(t *testing.T) {
	f := newFixture(t)

	o, session := f.createAndOpen(t)

	res, err := f.svc.Reconcile(context.Background(), session.TransactionID, payment.StatusSucceeded)
	require.NoError(t, err)

	assert.False(t, res.Applied)
	assert.Equal(t, payment.StatusRequiresAction, res.Outcome)
	assert.Equal(t, order.PaymentPending, f.store.order(o.ID).PaymentStatus)
	assert.False(t, f.store.claimed(session.TransactionID), "non-terminal outcome must not consume the claim")
}

func TestReconcile_FailedKeepsOrderPendingAndRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, session := f.createAndOpen(t)
	f.gateway.setStatus(session.TransactionID, payment.StatusFailed)

	res, err := f.svc.Reconcile(ctx, session.TransactionID, payment.StatusFailed)
	require.NoError(t, err)
	f.svc.Wait()

	assert.True(t, res.Applied)
	assert.Equal(t, order.StatusPending, res.Order.Status)
	assert.Equal(t, order.PaymentFailed, res.Order.PaymentStatus)
	assert.Zero(t, f.cart.count())

	retry, err := f.svc.OpenPayment(ctx, o.ID, o.Totals.Total)
	require.NoError(t, err)
	assert.NotEqual(t, session.TransactionID, retry.TransactionID)

	stored := f.store.order(o.ID)
	assert.Equal(t, order.PaymentPending, stored.PaymentStatus)
	assert.Equal(t, retry.TransactionID, stored.PaymentTransactionID)
	assert.Equal(t, 2, stored.PaymentAttempts)
}

func TestReconcile_DeliveredOrderRejected(t *testing.T) {
	f := newFixture(t)

	o, session := f.createAndOpen(t)
	delivered := f.store.order(o.ID)
	delivered.Status = order.StatusDelivered
	f.store.put(delivered)
	f.gateway.setStatus(session.TransactionID, payment.StatusSucceeded)

	_, err := f.svc.Reconcile(context.Background(), session.TransactionID, payment.StatusSucceeded)
	f.svc.Wait()

	var itErr *order.InvalidTransitionError
	require.ErrorAs(t, err, &itErr)
	assert.Equal(t, o.ID, itErr.OrderID)

	stored := f.store.order(o.ID)
	assert.Equal(t, order.StatusDelivered, stored.Status)
	assert.Equal(t, order.PaymentPending, stored.PaymentStatus)
	assert.False(t, f.store.claimed(session.TransactionID))
	assert.Zero(t, f.cart.count())
}

func TestReconcile_GatewayErrorClaimsNothing(t *testing.T) {
	f := newFixture(t)

	o, session := f.createAndOpen(t)
	f.gateway.retrieveErr = &payment.GatewayError{Op: "retrieve", StatusCode: 503, Temporary: true}

	_, err := f.svc.Reconcile(context.Background(), session.TransactionID, payment.StatusSucceeded)

	var gwErr *payment.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.False(t, f.store.claimed(session.TransactionID))
	assert.Equal(t, order.PaymentPending, f.store.order(o.ID).PaymentStatus)
}

func TestReconcile_StoreFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, session := f.createAndOpen(t)
	f.gateway.setStatus(session.TransactionID, payment.StatusSucceeded)
	f.store.updateErr = errStoreDown

	_, err := f.svc.Reconcile(ctx, session.TransactionID, payment.StatusSucceeded)
	var pErr *order.PersistenceError
	require.ErrorAs(t, err, &pErr)
	assert.False(t, f.store.claimed(session.TransactionID))

	// The gateway redelivers once the store is back.
	f.store.updateErr = nil
	res, err := f.svc.Reconcile(ctx, session.TransactionID, payment.StatusSucceeded)
	require.NoError(t, err)
	f.svc.Wait()

	assert.True(t, res.Applied)
	assert.Equal(t, order.StatusConfirmed, f.store.order(o.ID).Status)
	assert.Equal(t, 1, f.cart.count())
}

func TestReconcile_CartFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.cart.err = errStoreDown

	o := f.paidOrder(t)

	assert.Equal(t, order.StatusConfirmed, o.Status)
	assert.Equal(t, order.PaymentCompleted, o.PaymentStatus)
	assert.Equal(t, 1, f.cart.count())
}

func TestReconcile_SupersededAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, first := f.createAndOpen(t)

	// First attempt fails, the shopper retries.
	f.gateway.setStatus(first.TransactionID, payment.StatusFailed)
	_, err := f.svc.Reconcile(ctx, first.TransactionID, payment.StatusFailed)
	require.NoError(t, err)
	second, err := f.svc.OpenPayment(ctx, o.ID, o.Totals.Total)
	require.NoError(t, err)

	// The second attempt succeeds.
	f.gateway.setStatus(second.TransactionID, payment.StatusSucceeded)
	_, err = f.svc.Reconcile(ctx, second.TransactionID, payment.StatusSucceeded)
	require.NoError(t, err)
	f.svc.Wait()

	// A late duplicate for the first attempt must not touch the paid order.
	res, err := f.svc.HandleWebhook(ctx, []byte(first.TransactionID+":failed"), "valid")
	require.NoError(t, err)
	assert.False(t, res.Applied)

	stored := f.store.order(o.ID)
	assert.Equal(t, order.StatusConfirmed, stored.Status)
	assert.Equal(t, order.PaymentCompleted, stored.PaymentStatus)
	assert.Equal(t, second.TransactionID, stored.PaymentTransactionID)
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	f := newFixture(t)

	_, session := f.createAndOpen(t)
	f.gateway.setStatus(session.TransactionID, payment.StatusSucceeded)

	_, err := f.svc.HandleWebhook(context.Background(), []byte(session.TransactionID+":succeeded"), "forged")

	var sigErr *payment.SignatureError
	require.ErrorAs(t, err, &sigErr)
	assert.False(t, f.store.claimed(session.TransactionID))
}

func TestHandleWebhook_WithoutTransaction(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.HandleWebhook(context.Background(), []byte(":"), "valid")
	require.NoError(t, err)
	assert.Nil(t, res.Order)
}

func TestConfirm_ForeignTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, sessionA := f.createAndOpen(t)
	orderB, _ := f.createAndOpen(t)

	_, err := f.svc.Confirm(ctx, orderB.ID, sessionA.TransactionID)

	var vErr *order.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "transactionId", vErr.Fields[0].Field)
}
