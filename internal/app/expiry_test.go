package app

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExpirer struct {
	batches []int
	err     error
	calls   int
	limit   int
	after   time.Duration
}

func (f *fakeExpirer) ExpireStale(_ context.Context, olderThan time.Duration, limit int) (int, error) {
	f.after, f.limit = olderThan, limit
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	if len(f.batches) == 0 {
		return 0, nil
	}
	n := f.batches[0]
	f.batches = f.batches[1:]
	return n, nil
}

func TestExpirySweeper_DrainsBacklog(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f := &fakeExpirer{batches: []int{10, 10, 3}}
	s := newExpirySweeper(f, ExpiryConfig{After: 24 * time.Hour, Interval: time.Minute, BatchSize: 10})
	s.now = func() time.Time { return now }

	s.sweep(context.Background())

	assert.Equal(t, 3, f.calls)
	assert.Equal(t, 10, f.limit)
	assert.Equal(t, 24*time.Hour, f.after)
	assert.Equal(t, now, s.heartbeat.Last().UTC())
}

func TestExpirySweeper_FailureSkipsHeartbeat(t *testing.T) {
	f := &fakeExpirer{err: errors.New("connection reset")}
	s := newExpirySweeper(f, ExpiryConfig{After: time.Hour, Interval: time.Minute})

	s.sweep(context.Background())

	assert.Equal(t, 1, f.calls)
	assert.Equal(t, 100, f.limit, "default batch size")
	assert.True(t, s.heartbeat.Last().IsZero())
}

func TestExpirySweeper_RunStopsWithContext(t *testing.T) {
	f := &fakeExpirer{}
	s := newExpirySweeper(f, ExpiryConfig{After: time.Hour, Interval: time.Millisecond, BatchSize: 5})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return !s.heartbeat.Last().IsZero() }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
