package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/storefront-checkout/internal/domain/order"
)

const (
	insertAddressSQL = `INSERT INTO addresses (id, full_name, email, phone, line1, line2, city, region, postal_code, country)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	insertOrderSQL = `INSERT INTO orders (id, number, client_id, status, payment_status,
			subtotal, shipping, tax, discount, total, currency, shipping_method, payment_method,
			shipping_address_id, billing_address_id, note, payment_transaction_id, payment_attempts,
			refunded_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	insertItemSQL = `INSERT INTO order_items (id, order_id, position, product_id, variant_id, sku, name,
			quantity, unit_price, total_price, variant)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	selectItemsSQL = `SELECT order_id, id, product_id, variant_id, sku, name, quantity, unit_price, total_price, variant
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`

	updateOrderSQL = `UPDATE orders SET status = $2, payment_status = $3, payment_transaction_id = $4,
			payment_attempts = $5, refunded_amount = $6, updated_at = $7
		WHERE id = $1`

	insertAttemptSQL = `INSERT INTO payment_attempts (transaction_id, order_id, amount_minor)
		VALUES ($1, $2, $3) ON CONFLICT (transaction_id) DO NOTHING`
)

// orderColumns must stay in the order scanOrder reads them.
var orderColumns = []string{
	"o.id", "o.number", "o.client_id", "o.status", "o.payment_status",
	"o.subtotal", "o.shipping", "o.tax", "o.discount", "o.total", "o.currency",
	"o.shipping_method", "o.payment_method", "o.note",
	"COALESCE(o.payment_transaction_id, '')", "o.payment_attempts", "o.refunded_amount",
	"o.created_at", "o.updated_at",
	"sa.id", "sa.full_name", "sa.email", "sa.phone", "sa.line1", "sa.line2",
	"sa.city", "sa.region", "sa.postal_code", "sa.country",
	"ba.id", "ba.full_name", "ba.email", "ba.phone", "ba.line1", "ba.line2",
	"ba.city", "ba.region", "ba.postal_code", "ba.country",
}

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Orders
// are stored across orders, order_items and addresses.
type OrderRepository struct {
	db dbtx
	sb sq.StatementBuilderType
}

func newOrderRepository(db dbtx) *OrderRepository {
	return &OrderRepository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Create writes the order, its addresses and its items in one transaction
// (a savepoint when already inside one).
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := insertAddress(ctx, tx, o.ShippingAddress); err != nil {
			return err
		}
		if o.BillingAddress.ID != o.ShippingAddress.ID {
			if err := insertAddress(ctx, tx, o.BillingAddress); err != nil {
				return err
			}
		}

		_, err := tx.Exec(ctx, insertOrderSQL,
			o.ID, o.Number, o.ClientID, string(o.Status), string(o.PaymentStatus),
			o.Totals.Subtotal, o.Totals.Shipping, o.Totals.Tax, o.Totals.Discount, o.Totals.Total,
			o.Currency, o.ShippingMethod, o.PaymentMethod,
			o.ShippingAddress.ID, o.BillingAddress.ID, o.Note,
			nullIfEmpty(o.PaymentTransactionID), o.PaymentAttempts, o.RefundedAmount,
			o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("creating order %q: %w", o.ID, err)
		}

		batch := &pgx.Batch{}
		for i, item := range o.Items {
			variant := item.Variant
			if variant == nil {
				variant = map[string]string{}
			}
			batch.Queue(insertItemSQL,
				item.ID, o.ID, i, item.ProductID, item.VariantID, item.SKU, item.Name,
				item.Quantity, item.UnitPrice, item.TotalPrice, variant,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("creating items of order %q: %w", o.ID, err)
		}
		return nil
	})
}

func insertAddress(ctx context.Context, tx pgx.Tx, a order.Address) error {
	_, err := tx.Exec(ctx, insertAddressSQL,
		a.ID, a.FullName, a.Email, a.Phone, a.Line1, a.Line2, a.City, a.Region, a.PostalCode, a.Country,
	)
	if err != nil {
		return fmt.Errorf("creating address %q: %w", a.ID, err)
	}
	return nil
}

// Get returns a snapshot of the order.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return r.getOne(ctx, r.selectOrders().Where(sq.Eq{"o.id": id}))
}

// GetForUpdate returns the order and locks its row until the surrounding
// transaction ends.
func (r *OrderRepository) GetForUpdate(ctx context.Context, id string) (*order.Order, error) {
	return r.getOne(ctx, r.selectOrders().Where(sq.Eq{"o.id": id}).Suffix("FOR UPDATE OF o"))
}

// FindByTransaction resolves any attempt of an order, current or
// superseded, to its order.
func (r *OrderRepository) FindByTransaction(ctx context.Context, transactionID string) (*order.Order, error) {
	q := r.selectOrders().
		Where(sq.Or{
			sq.Eq{"o.payment_transaction_id": transactionID},
			sq.Expr("o.id = (SELECT order_id FROM payment_attempts WHERE transaction_id = ?)", transactionID),
		}).
		Limit(1)
	return r.getOne(ctx, q)
}

// ListByClient returns the newest orders of a client.
func (r *OrderRepository) ListByClient(ctx context.Context, clientID string, limit int) ([]order.Order, error) {
	q := r.selectOrders().
		Where(sq.Eq{"o.client_id": clientID}).
		OrderBy("o.created_at DESC", "o.number DESC").
		Limit(uint64(limit))

	orders, err := r.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing orders of client %q: %w", clientID, err)
	}
	out := make([]order.Order, len(orders))
	for i, o := range orders {
		out[i] = *o
	}
	return out, nil
}

// ListStale returns ids of PENDING orders created before the cutoff whose
// payment has not completed, oldest first.
func (r *OrderRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]string, error) {
	sql, args, err := r.sb.Select("id").
		From("orders").
		Where(sq.Eq{"status": string(order.StatusPending)}).
		Where(sq.NotEq{"payment_status": string(order.PaymentCompleted)}).
		Where(sq.Lt{"created_at": before}).
		OrderBy("created_at").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building stale orders query: %w", err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing stale orders: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Update writes the mutable state of the order: statuses, the current
// attempt, refunds and the update time.
func (r *OrderRepository) Update(ctx context.Context, o *order.Order) error {
	tag, err := r.db.Exec(ctx, updateOrderSQL,
		o.ID, string(o.Status), string(o.PaymentStatus), nullIfEmpty(o.PaymentTransactionID),
		o.PaymentAttempts, o.RefundedAmount, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating order %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// RecordAttempt remembers that transactionID was opened for the order.
func (r *OrderRepository) RecordAttempt(ctx context.Context, orderID, transactionID string, amountMinor int64) error {
	if _, err := r.db.Exec(ctx, insertAttemptSQL, transactionID, orderID, amountMinor); err != nil {
		return fmt.Errorf("recording attempt %q of order %q: %w", transactionID, orderID, err)
	}
	return nil
}

func (r *OrderRepository) selectOrders() sq.SelectBuilder {
	return r.sb.Select(orderColumns...).
		From("orders o").
		Join("addresses sa ON sa.id = o.shipping_address_id").
		Join("addresses ba ON ba.id = o.billing_address_id")
}

func (r *OrderRepository) getOne(ctx context.Context, q sq.SelectBuilder) (*order.Order, error) {
	orders, err := r.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("getting order: %w", err)
	}
	if len(orders) == 0 {
		return nil, order.ErrNotFound
	}
	return orders[0], nil
}

// query runs an order select and attaches the items of every row.
func (r *OrderRepository) query(ctx context.Context, q sq.SelectBuilder) ([]*order.Order, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}

	ids := make([]string, len(orders))
	byID := make(map[string]*order.Order, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		byID[o.ID] = o
	}

	itemRows, err := r.db.Query(ctx, selectItemsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting order items: %w", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var (
			orderID string
			item    order.OrderItem
		)
		if err := itemRows.Scan(
			&orderID, &item.ID, &item.ProductID, &item.VariantID, &item.SKU, &item.Name,
			&item.Quantity, &item.UnitPrice, &item.TotalPrice, &item.Variant,
		); err != nil {
			return nil, fmt.Errorf("scanning order item: %w", err)
		}
		if o, ok := byID[orderID]; ok {
			o.Items = append(o.Items, item)
		}
	}
	if err := itemRows.Err(); err != nil {
		return nil, fmt.Errorf("reading order items: %w", err)
	}
	return orders, nil
}

func scanOrder(row pgx.CollectableRow) (*order.Order, error) {
	var (
		o             order.Order
		status        string
		paymentStatus string
	)
	sa, ba := &o.ShippingAddress, &o.BillingAddress
	err := row.Scan(
		&o.ID, &o.Number, &o.ClientID, &status, &paymentStatus,
		&o.Totals.Subtotal, &o.Totals.Shipping, &o.Totals.Tax, &o.Totals.Discount, &o.Totals.Total, &o.Currency,
		&o.ShippingMethod, &o.PaymentMethod, &o.Note,
		&o.PaymentTransactionID, &o.PaymentAttempts, &o.RefundedAmount,
		&o.CreatedAt, &o.UpdatedAt,
		&sa.ID, &sa.FullName, &sa.Email, &sa.Phone, &sa.Line1, &sa.Line2,
		&sa.City, &sa.Region, &sa.PostalCode, &sa.Country,
		&ba.ID, &ba.FullName, &ba.Email, &ba.Phone, &ba.Line1, &ba.Line2,
		&ba.City, &ba.Region, &ba.PostalCode, &ba.Country,
	)
	if err != nil {
		return nil, err
	}
	o.Status = order.Status(status)
	o.PaymentStatus = order.PaymentStatus(paymentStatus)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
