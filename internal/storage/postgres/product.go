package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/storefront-checkout/internal/domain/product"
)

const (
	getProductByIDSQL = `SELECT id, sku, name, price, available FROM products WHERE id = $1`

	getProductsByIDsSQL = `SELECT id, sku, name, price, available FROM products WHERE id = ANY($1)`

	upsertProductSQL = `INSERT INTO products (id, sku, name, price, available)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET sku = EXCLUDED.sku, name = EXCLUDED.name,
			price = EXCLUDED.price, available = EXCLUDED.available`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	db dbtx
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(db dbtx) *ProductRepository {
	return &ProductRepository{db: db}
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	rows, err := r.db.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[product.Product])
	if err != nil {
		if isNoRows(err) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// GetByIDs returns products matching any of the given IDs. Unknown IDs are
// left out.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.db.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[product.Product])
}

// Upsert inserts or replaces a catalog product.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product) error {
	if _, err := r.db.Exec(ctx, upsertProductSQL, p.ID, p.SKU, p.Name, p.Price, p.Available); err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}
