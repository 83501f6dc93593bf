// Package idempotency records which payment events were already applied.
package idempotency

import (
	"context"
	"sync"
)

// Guard is the set of claimed event keys (gateway transaction ids).
// TryClaim must be atomic: among concurrent calls for one key exactly one
// returns true.
type Guard interface {
	TryClaim(ctx context.Context, key string) (bool, error)
	Claimed(ctx context.Context, key string) (bool, error)
}

var _ Guard = (*MemoryGuard)(nil)

// MemoryGuard is a process-local Guard. It does not survive restarts and is
// meant for tests and single-process tooling.
type MemoryGuard struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemoryGuard returns an empty MemoryGuard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{keys: make(map[string]struct{})}
}

func (g *MemoryGuard) TryClaim(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.keys[key]; ok {
		return false, nil
	}
	g.keys[key] = struct{}{}
	return true, nil
}

func (g *MemoryGuard) Claimed(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.keys[key]
	return ok, nil
}

// Release forgets a key. Used to undo a claim when the surrounding unit of
// work is rolled back.
func (g *MemoryGuard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.keys, key)
}
