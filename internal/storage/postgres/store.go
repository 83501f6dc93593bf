package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-checkout/internal/domain/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/idempotency"
	"github.com/xenking/storefront-checkout/internal/domain/order"
)

var _ checkout.UnitOfWork = (*Store)(nil)

// Store is the checkout unit of work. Work passed to InTx sees repositories
// bound to a single read-committed transaction; rows locked with
// GetForUpdate stay locked until it ends.
type Store struct {
	pool   *pgxpool.Pool
	orders *OrderRepository
}

// NewStore returns a Store over pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, orders: newOrderRepository(pool)}
}

func (s *Store) Orders() order.Repository { return s.orders }

// InTx runs fn in a transaction and commits when it returns nil.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx checkout.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &storeTx{
			orders: newOrderRepository(tx),
			guard:  newGuardRepository(tx),
		})
	})
}

type storeTx struct {
	orders *OrderRepository
	guard  *GuardRepository
}

func (t *storeTx) Orders() order.Repository { return t.orders }
func (t *storeTx) Guard() idempotency.Guard { return t.guard }

// isNoRows reports whether err is the pgx no-rows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
