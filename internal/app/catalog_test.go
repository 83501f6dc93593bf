package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-checkout/internal/domain/product"
	"github.com/xenking/storefront-checkout/pkg/cache"
)

type priceBook struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (b *priceBook) set(id, price string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[id] = decimal.RequireFromString(price)
}

func (b *priceBook) GetByID(_ context.Context, id string) (*product.Product, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	price, ok := b.prices[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &product.Product{ID: id, Name: id, Price: price, Available: true}, nil
}

func (b *priceBook) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	var out []product.Product
	for _, id := range ids {
		if p, err := b.GetByID(ctx, id); err == nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

func TestNewCatalog_PricingBypassesCache(t *testing.T) {
	ctx := context.Background()
	db := &priceBook{prices: map[string]decimal.Decimal{}}
	db.set("mug", "25.00")

	pricing, quotes := newCatalog(db, cache.NewMemoryStore(), time.Hour)

	quoted, err := quotes.GetByID(ctx, "mug")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("25.00").Equal(quoted.Price))

	db.set("mug", "30.00")

	// The quote is stale until the TTL passes.
	quoted, err = quotes.GetByID(ctx, "mug")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("25.00").Equal(quoted.Price))

	priced, err := pricing.GetByIDs(ctx, []string{"mug"})
	require.NoError(t, err)
	require.Len(t, priced, 1)
	assert.True(t, decimal.RequireFromString("30.00").Equal(priced[0].Price))
}
