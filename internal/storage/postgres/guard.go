package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/storefront-checkout/internal/domain/idempotency"
)

const (
	claimEventSQL = `INSERT INTO processed_payment_events (transaction_id) VALUES ($1)
		ON CONFLICT (transaction_id) DO NOTHING`

	claimedEventSQL = `SELECT EXISTS (SELECT 1 FROM processed_payment_events WHERE transaction_id = $1)`

	listClaimedSQL = `SELECT transaction_id FROM processed_payment_events`
)

var _ idempotency.Guard = (*GuardRepository)(nil)

// GuardRepository keeps claimed transaction ids in processed_payment_events.
// Bound to a transaction, a claim becomes durable only on commit; a
// concurrent claim of the same id blocks on the unique index until then.
type GuardRepository struct {
	db dbtx
}

func newGuardRepository(db dbtx) *GuardRepository {
	return &GuardRepository{db: db}
}

// NewGuardRepository returns a guard outside of any transaction, for
// read-only use.
func NewGuardRepository(db dbtx) *GuardRepository {
	return newGuardRepository(db)
}

func (r *GuardRepository) TryClaim(ctx context.Context, key string) (bool, error) {
	tag, err := r.db.Exec(ctx, claimEventSQL, key)
	if err != nil {
		return false, fmt.Errorf("claiming event %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *GuardRepository) Claimed(ctx context.Context, key string) (bool, error) {
	var ok bool
	if err := r.db.QueryRow(ctx, claimedEventSQL, key).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking event %q: %w", key, err)
	}
	return ok, nil
}

// ForEachClaimed streams every claimed key to fn.
func (r *GuardRepository) ForEachClaimed(ctx context.Context, fn func(key string)) error {
	rows, err := r.db.Query(ctx, listClaimedSQL)
	if err != nil {
		return fmt.Errorf("listing claimed events: %w", err)
	}
	var key string
	_, err = pgx.ForEachRow(rows, []any{&key}, func() error {
		fn(key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("listing claimed events: %w", err)
	}
	return nil
}
