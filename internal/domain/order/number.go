package order

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NumberPrefix starts every human-facing order number.
const NumberPrefix = "ORD-"

// NumberGenerator issues order numbers. Numbers are ULIDs, so they sort by
// creation time and are unique within a process even for the same millisecond.
type NumberGenerator struct {
	mu      sync.Mutex
	entropy io.Reader
}

// NewNumberGenerator returns a generator backed by crypto/rand with monotonic
// entropy.
func NewNumberGenerator() *NumberGenerator {
	return &NumberGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns a new order number for the given time.
func (g *NumberGenerator) Next(now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return NumberPrefix + ulid.MustNew(ulid.Timestamp(now), g.entropy).String()
}
