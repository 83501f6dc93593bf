// Package cache implements get-or-fetch caching with a TTL and single-flight
// de-duplication of concurrent fetches for the same key.
//
// The cache is best-effort: store failures are logged and fall through to
// the fetch function, so a broken backend never fails a request.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Store is a byte-oriented key/value store with per-entry expiry.
type Store interface {
	// Get returns the value and true if the key is present and not expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// FetchFunc loads the authoritative value on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Loader is a typed get-or-fetch front for a Store.
type Loader[T any] struct {
	store  Store
	prefix string
	ttl    time.Duration
	group  singleflight.Group
}

// NewLoader creates a Loader that namespaces keys with prefix.
func NewLoader[T any](store Store, prefix string, ttl time.Duration) *Loader[T] {
	return &Loader[T]{
		store:  store,
		prefix: prefix,
		ttl:    ttl,
	}
}

// GetOrFetch returns the cached value for key or calls fetch once for all
// concurrent callers and caches its result. Fetch errors are not cached.
func (l *Loader[T]) GetOrFetch(ctx context.Context, key string, fetch FetchFunc[T]) (T, error) {
	fullKey := l.prefix + ":" + key
	lg := zctx.From(ctx)

	if v, ok := l.lookup(ctx, fullKey); ok {
		return v, nil
	}

	res, err, _ := l.group.Do(fullKey, func() (any, error) {
		// Another flight may have filled the entry while we waited.
		if v, ok := l.lookup(ctx, fullKey); ok {
			return v, nil
		}

		v, err := fetch(ctx)
		if err != nil {
			return v, err
		}

		data, err := json.Marshal(v)
		if err != nil {
			lg.Warn("Cache encode failed", zap.String("key", fullKey), zap.Error(err))
			return v, nil
		}
		if err := l.store.Set(ctx, fullKey, data, l.ttl); err != nil {
			lg.Warn("Cache write failed", zap.String("key", fullKey), zap.Error(err))
		}
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	v, ok := res.(T)
	if !ok {
		var zero T
		return zero, errors.Errorf("cache: unexpected value type %T", res)
	}
	return v, nil
}

func (l *Loader[T]) lookup(ctx context.Context, key string) (T, bool) {
	var v T

	data, ok, err := l.store.Get(ctx, key)
	if err != nil {
		zctx.From(ctx).Warn("Cache read failed", zap.String("key", key), zap.Error(err))
		return v, false
	}
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(data, &v); err != nil {
		zctx.From(ctx).Warn("Cache decode failed", zap.String("key", key), zap.Error(err))
		return v, false
	}
	return v, true
}
