package health

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
)

// Pinger is implemented by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports p unhealthy when Ping fails.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrap(err, "ping")
		}
		return nil
	}
}

// GoroutineCountCheck fails when more than threshold goroutines are running,
// which usually means a leak.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// Heartbeat is beaten by a periodic background job after every round.
type Heartbeat struct {
	last atomic.Int64
}

// Beat records a completed round at now.
func (b *Heartbeat) Beat(now time.Time) {
	b.last.Store(now.UnixNano())
}

// Last returns the time of the latest round, zero if none completed.
func (b *Heartbeat) Last() time.Time {
	ns := b.last.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// HeartbeatCheck fails when b was not beaten within maxAge. A job that has
// not completed its first round yet is given maxAge from the first check.
func HeartbeatCheck(b *Heartbeat, maxAge time.Duration, now func() time.Time) CheckFunc {
	var first atomic.Int64
	return func(_ context.Context) error {
		t := now()
		last := b.Last()
		if last.IsZero() {
			first.CompareAndSwap(0, t.UnixNano())
			last = time.Unix(0, first.Load())
		}
		if age := t.Sub(last); age > maxAge {
			return errors.Errorf("last round %s ago exceeds %s", age.Truncate(time.Second), maxAge)
		}
		return nil
	}
}
