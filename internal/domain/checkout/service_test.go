package checkout

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-checkout/internal/domain/idempotency"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
	"github.com/xenking/storefront-checkout/internal/domain/product"
)

// --- Mock implementations ---

// memStore is an in-memory UnitOfWork. InTx serializes transactions, which
// stands in for row locks, and restores the previous state on error.
type memStore struct {
	txMu sync.Mutex

	mu        sync.Mutex
	orders    map[string]*order.Order
	attempts  map[string]string
	guard     *idempotency.MemoryGuard
	createErr error
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{
		orders:   make(map[string]*order.Order),
		attempts: make(map[string]string),
		guard:    idempotency.NewMemoryGuard(),
	}
}

func (s *memStore) Orders() order.Repository { return memOrders{s: s} }

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := make(map[string]*order.Order, len(s.orders))
	for id, o := range s.orders {
		snapshot[id] = cloneOrder(o)
	}
	attempts := make(map[string]string, len(s.attempts))
	for k, v := range s.attempts {
		attempts[k] = v
	}
	s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(ctx, tx); err != nil {
		s.mu.Lock()
		s.orders = snapshot
		s.attempts = attempts
		s.mu.Unlock()
		for _, key := range tx.claimed {
			s.guard.Release(key)
		}
		return err
	}
	return nil
}

func (s *memStore) order(id string) *order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		return cloneOrder(o)
	}
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *memStore) put(o *order.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = cloneOrder(o)
	if o.PaymentTransactionID != "" {
		s.attempts[o.PaymentTransactionID] = o.ID
	}
}

func (s *memStore) claimed(key string) bool {
	ok, _ := s.guard.Claimed(context.Background(), key)
	return ok
}

type memTx struct {
	s       *memStore
	claimed []string
}

func (t *memTx) Orders() order.Repository { return memOrders{s: t.s} }

func (t *memTx) Guard() idempotency.Guard { return txGuard{tx: t} }

type txGuard struct {
	tx *memTx
}

func (g txGuard) TryClaim(ctx context.Context, key string) (bool, error) {
	ok, err := g.tx.s.guard.TryClaim(ctx, key)
	if ok {
		g.tx.claimed = append(g.tx.claimed, key)
	}
	return ok, err
}

func (g txGuard) Claimed(ctx context.Context, key string) (bool, error) {
	return g.tx.s.guard.Claimed(ctx, key)
}

type memOrders struct {
	s *memStore
}

func (r memOrders) Create(_ context.Context, o *order.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.createErr != nil {
		return r.s.createErr
	}
	r.s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (r memOrders) Get(_ context.Context, id string) (*order.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (r memOrders) GetForUpdate(ctx context.Context, id string) (*order.Order, error) {
	return r.Get(ctx, id)
}

func (r memOrders) FindByTransaction(ctx context.Context, transactionID string) (*order.Order, error) {
	r.s.mu.Lock()
	id, ok := r.s.attempts[transactionID]
	r.s.mu.Unlock()
	if !ok {
		return nil, order.ErrNotFound
	}
	return r.Get(ctx, id)
}

func (r memOrders) ListByClient(_ context.Context, clientID string, limit int) ([]order.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []order.Order
	for _, o := range r.s.orders {
		if o.ClientID == clientID {
			out = append(out, *cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memOrders) ListStale(_ context.Context, before time.Time, limit int) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []string
	for _, o := range r.s.orders {
		if o.Status == order.StatusPending && o.PaymentStatus != order.PaymentCompleted && o.CreatedAt.Before(before) {
			ids = append(ids, o.ID)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r memOrders) Update(_ context.Context, o *order.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.updateErr != nil {
		return r.s.updateErr
	}
	if _, ok := r.s.orders[o.ID]; !ok {
		return order.ErrNotFound
	}
	r.s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (r memOrders) RecordAttempt(_ context.Context, orderID, transactionID string, _ int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.attempts[transactionID] = orderID
	return nil
}

func cloneOrder(o *order.Order) *order.Order {
	c := *o
	if o.Items != nil {
		c.Items = make([]order.OrderItem, len(o.Items))
		for i, it := range o.Items {
			it.Variant = maps.Clone(it.Variant)
			c.Items[i] = it
		}
	}
	return &c
}

type mockProductRepo struct {
	byID   map[string]product.Product
	getErr error
}

func (m *mockProductRepo) GetByID(_ context.Context, id string) (*product.Product, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	p, ok := m.byID[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

func (m *mockProductRepo) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []product.Product
	for _, id := range ids {
		if p, ok := m.byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeGateway struct {
	mu          sync.Mutex
	txns        map[string]*payment.Transaction
	byKey       map[string]string
	seq         int
	openErr     error
	retrieveErr error
	refundErr   error
	cancelErr   error
	opened      int
	cancelled   []string
	refunds     []decimal.NullDecimal
	refundKeys  map[string]*payment.Refund
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		txns:       make(map[string]*payment.Transaction),
		byKey:      make(map[string]string),
		refundKeys: make(map[string]*payment.Refund),
	}
}

func (g *fakeGateway) OpenTransaction(_ context.Context, req payment.OpenRequest) (*payment.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openErr != nil {
		return nil, g.openErr
	}
	if id, ok := g.byKey[req.IdempotencyKey]; ok {
		c := *g.txns[id]
		return &c, nil
	}
	g.seq++
	g.opened++
	txn := &payment.Transaction{
		ID:           fmt.Sprintf("txn_%d", g.seq),
		ClientSecret: fmt.Sprintf("secret_%d", g.seq),
		Status:       payment.StatusRequiresAction,
		AmountMinor:  payment.ToMinorUnits(req.Amount),
		Currency:     req.Currency,
		OrderID:      req.OrderID,
	}
	g.txns[txn.ID] = txn
	g.byKey[req.IdempotencyKey] = txn.ID
	c := *txn
	return &c, nil
}

func (g *fakeGateway) RetrieveTransaction(_ context.Context, id string) (*payment.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.retrieveErr != nil {
		return nil, g.retrieveErr
	}
	txn, ok := g.txns[id]
	if !ok {
		return &payment.Transaction{ID: id, Status: payment.StatusPending}, nil
	}
	c := *txn
	return &c, nil
}

func (g *fakeGateway) RefundTransaction(_ context.Context, req payment.RefundRequest) (*payment.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	if re, ok := g.refundKeys[req.IdempotencyKey]; ok {
		c := *re
		return &c, nil
	}
	g.refunds = append(g.refunds, req.Amount)
	re := &payment.Refund{
		ID:            fmt.Sprintf("re_%d", len(g.refunds)),
		TransactionID: req.TransactionID,
		Status:        "succeeded",
	}
	g.refundKeys[req.IdempotencyKey] = re
	c := *re
	return &c, nil
}

func (g *fakeGateway) CancelTransaction(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancelled = append(g.cancelled, id)
	if txn, ok := g.txns[id]; ok {
		txn.Status = payment.StatusCancelled
	}
	return nil
}

// VerifyWebhook accepts payloads of the form "<txn>:<status>" signed with
// the literal signature "valid".
func (g *fakeGateway) VerifyWebhook(payload []byte, signature string) (*payment.Event, error) {
	if signature != "valid" {
		return nil, &payment.SignatureError{Reason: "signature mismatch"}
	}
	txn, status, _ := strings.Cut(string(payload), ":")
	return &payment.Event{
		ID:            "evt_" + txn,
		Type:          "transaction.updated",
		TransactionID: txn,
		Status:        payment.TransactionStatus(status),
	}, nil
}

func (g *fakeGateway) setStatus(id string, status payment.TransactionStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.txns[id].Status = status
}

type fakeCart struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *fakeCart) NotifyCartClear(_ context.Context, clientID, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, clientID+"/"+orderID)
	return c.err
}

func (c *fakeCart) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// --- Helpers ---

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc      *Service
	store    *memStore
	gateway  *fakeGateway
	cart     *fakeCart
	products *mockProductRepo
	clock    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:   newMemStore(),
		gateway: newFakeGateway(),
		cart:    &fakeCart{},
		products: &mockProductRepo{byID: map[string]product.Product{
			"p1": {ID: "p1", SKU: "MUG-01", Name: "Ceramic mug", Price: dec("25.00"), Available: true},
			"p2": {ID: "p2", SKU: "TEE-01", Name: "T-shirt", Price: dec("15.50"), Available: true},
			"p3": {ID: "p3", SKU: "OLD-01", Name: "Discontinued", Price: dec("9.99"), Available: false},
		}},
		clock: &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
	}

	svc, err := NewService(f.store, f.products, f.gateway, f.cart,
		WithClock(f.clock.Now),
		WithCurrency("usd"),
	)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testAddress() order.Address {
	return order.Address{
		FullName:   "Ada Lovelace",
		Email:      "ada@example.com",
		Line1:      "12 Analytical St",
		City:       "London",
		PostalCode: "N1 9GU",
		Country:    "GB",
	}
}

// validRequest is one item, qty 2 at 25.00, shipping 4.99, tax 10.00.
func validRequest() CreateOrderRequest {
	return CreateOrderRequest{
		ClientID:        "client-1",
		ShippingAddress: testAddress(),
		ShippingMethod:  "standard",
		PaymentMethod:   "card",
		Items: []ItemRequest{
			{ProductID: "p1", Name: "Mug", Quantity: 2, UnitPrice: dec("25.00"), Variant: map[string]string{"color": "blue"}},
		},
		Totals: order.Totals{
			Subtotal: dec("50.00"),
			Shipping: dec("4.99"),
			Tax:      dec("10.00"),
			Discount: decimal.Zero,
			Total:    dec("64.99"),
		},
	}
}

// createAndOpen creates the standard order and opens its payment.
func (f *fixture) createAndOpen(t *testing.T) (*order.Order, *PaymentSession) {
	t.Helper()
	ctx := context.Background()

	o, err := f.svc.CreateOrder(ctx, validRequest())
	require.NoError(t, err)

	session, err := f.svc.OpenPayment(ctx, o.ID, o.Totals.Total)
	require.NoError(t, err)
	return o, session
}

// paidOrder returns an order whose payment completed.
func (f *fixture) paidOrder(t *testing.T) *order.Order {
	t.Helper()

	o, session := f.createAndOpen(t)
	f.gateway.setStatus(session.TransactionID, payment.StatusSucceeded)
	_, err := f.svc.Reconcile(context.Background(), session.TransactionID, payment.StatusSucceeded)
	require.NoError(t, err)
	f.svc.Wait()
	return f.store.order(o.ID)
}

var errStoreDown = errors.New("connection reset by peer")
