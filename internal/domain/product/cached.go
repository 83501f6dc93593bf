package product

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-checkout/pkg/cache"
)

var _ Repository = (*CachedRepository)(nil)

// CachedRepository fronts a Repository with a get-or-fetch cache keyed by
// product id. Missing products are not cached.
type CachedRepository struct {
	next   Repository
	loader *cache.Loader[Product]
}

// NewCachedRepository wraps next with a cache over store.
func NewCachedRepository(next Repository, store cache.Store, ttl time.Duration) *CachedRepository {
	return &CachedRepository{
		next:   next,
		loader: cache.NewLoader[Product](store, "product", ttl),
	}
}

func (r *CachedRepository) GetByID(ctx context.Context, id string) (*Product, error) {
	p, err := r.loader.GetOrFetch(ctx, id, func(ctx context.Context) (Product, error) {
		p, err := r.next.GetByID(ctx, id)
		if err != nil {
			return Product{}, err
		}
		return *p, nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByIDs resolves each id through the cache. Unknown ids are skipped, as
// the underlying repository does.
func (r *CachedRepository) GetByIDs(ctx context.Context, ids []string) ([]Product, error) {
	out := make([]Product, 0, len(ids))
	for _, id := range ids {
		p, err := r.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}
