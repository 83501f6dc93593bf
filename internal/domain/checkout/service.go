// Package checkout turns checkout requests into orders, opens gateway
// payments for them and reconciles gateway outcomes back into order state.
//
// Both the client confirm call and the gateway webhook end up in
// Service.Reconcile. The gateway transaction id is the idempotency key: the
// claim and the order mutation commit in one storage transaction under a
// row lock on the order.
package checkout

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/storefront-checkout/internal/domain/idempotency"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/payment"
	"github.com/xenking/storefront-checkout/internal/domain/product"
)

// Tx exposes repositories bound to one storage transaction.
type Tx interface {
	Orders() order.Repository
	Guard() idempotency.Guard
}

// UnitOfWork runs work atomically against the order store.
type UnitOfWork interface {
	// Orders returns a repository outside of any transaction.
	Orders() order.Repository
	// InTx runs fn in a transaction. It commits when fn returns nil and
	// rolls back otherwise, returning fn's error unchanged.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// CartNotifier delivers the cart-clear signal to the cart subsystem.
type CartNotifier interface {
	NotifyCartClear(ctx context.Context, clientID, orderID string) error
}

// Service is the order orchestrator and payment reconciler.
type Service struct {
	uow      UnitOfWork
	products product.Repository
	gateway  payment.Gateway
	carts    CartNotifier
	numbers  *order.NumberGenerator

	currency      string
	signalTimeout time.Duration
	now           func() time.Time

	tracer  trace.Tracer
	metrics serviceMetrics

	signals sync.WaitGroup
}

type serviceMetrics struct {
	ordersCreated metric.Int64Counter
	reconciled    metric.Int64Counter
	cartSignals   metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithCurrency sets the ISO currency code for new orders and payments.
func WithCurrency(currency string) Option {
	return func(s *Service) { s.currency = currency }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSignalTimeout bounds a single cart-clear delivery.
func WithSignalTimeout(d time.Duration) Option {
	return func(s *Service) { s.signalTimeout = d }
}

// WithTelemetry sets the tracer and meter providers.
func WithTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) Option {
	return func(s *Service) {
		s.tracer = tp.Tracer("checkout")
		s.metrics.meter(mp)
	}
}

// NewService creates the checkout service.
func NewService(
	uow UnitOfWork,
	products product.Repository,
	gateway payment.Gateway,
	carts CartNotifier,
	opts ...Option,
) (*Service, error) {
	switch {
	case uow == nil:
		return nil, errors.New("checkout: unit of work is required")
	case products == nil:
		return nil, errors.New("checkout: product repository is required")
	case gateway == nil:
		return nil, errors.New("checkout: payment gateway is required")
	case carts == nil:
		return nil, errors.New("checkout: cart notifier is required")
	}

	s := &Service{
		uow:           uow,
		products:      products,
		gateway:       gateway,
		carts:         carts,
		numbers:       order.NewNumberGenerator(),
		currency:      "usd",
		signalTimeout: 5 * time.Second,
		now:           time.Now,
		tracer:        tracenoop.NewTracerProvider().Tracer("checkout"),
	}
	s.metrics.meter(metricnoop.NewMeterProvider())
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Wait blocks until all in-flight cart-clear signals are delivered or failed.
func (s *Service) Wait() {
	s.signals.Wait()
}

func (m *serviceMetrics) meter(mp metric.MeterProvider) {
	meter := mp.Meter("checkout")
	// Instrument creation only fails on invalid names; fall back to no-ops.
	var err error
	if m.ordersCreated, err = meter.Int64Counter("checkout.orders.created",
		metric.WithDescription("Orders created")); err != nil {
		m.ordersCreated = metricnoop.Int64Counter{}
	}
	if m.reconciled, err = meter.Int64Counter("checkout.payments.reconciled",
		metric.WithDescription("Reconciliation attempts by result")); err != nil {
		m.reconciled = metricnoop.Int64Counter{}
	}
	if m.cartSignals, err = meter.Int64Counter("checkout.cart_signals",
		metric.WithDescription("Cart-clear signals by result")); err != nil {
		m.cartSignals = metricnoop.Int64Counter{}
	}
}

// persistence wraps storage failures. Domain errors pass through untouched.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		validation *order.ValidationError
		transition *order.InvalidTransitionError
		stored     *order.PersistenceError
		gateway    *payment.GatewayError
	)
	switch {
	case errors.Is(err, order.ErrNotFound),
		errors.As(err, &validation),
		errors.As(err, &transition),
		errors.As(err, &stored),
		errors.As(err, &gateway):
		return err
	}
	return &order.PersistenceError{Op: op, Err: err}
}

func recordError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
