package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passingCheck() CheckFunc {
	return func(_ context.Context) error {
		return nil
	}
}

func failingCheck(msg string) CheckFunc {
	return func(_ context.Context) error {
		return errors.New(msg)
	}
}

func probe(t *testing.T, endpoint http.HandlerFunc) (int, statusResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	endpoint(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func runN(c *check, n int) {
	for range n {
		c.run(context.Background())
	}
}

func TestLiveEndpoint(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, passingCheck())
	h.AddLivenessCheck("db", time.Second, failingCheck("connection refused"))

	// Checks start healthy.
	code, body := probe(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)

	// Two failures stay below the default threshold of three.
	runN(h.liveness[1], 2)
	code, _ = probe(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)

	runN(h.liveness[1], 1)
	code, body = probe(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, map[string]string{"db": "connection refused"}, body.Checks)
}

func TestLiveEndpoint_NoChecks(t *testing.T) {
	code, body := probe(t, New().LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passingCheck())
	h.AddReadinessCheck("redis", time.Second, failingCheck("i/o timeout"))

	code, body := probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code, "not ready before SetReady")
	assert.Contains(t, body.Checks, "_readiness")

	h.SetReady(true)
	code, _ = probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)

	runN(h.readiness[1], 3)
	code, body = probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body.Checks, "redis")
	assert.NotContains(t, body.Checks, "postgres")
	assert.NotContains(t, body.Checks, "_readiness")

	// Draining.
	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestIsReady(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passingCheck())

	assert.False(t, h.IsReady())
	h.SetReady(true)
	assert.True(t, h.IsReady())
	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestCheckRecovery(t *testing.T) {
	failing := true
	h := New()
	h.AddLivenessCheck("flaky", time.Second, func(_ context.Context) error {
		if failing {
			return errors.New("down")
		}
		return nil
	})
	c := h.liveness[0]

	runN(c, 3)
	assert.False(t, c.healthy.Load())

	failing = false
	runN(c, 1)
	assert.True(t, c.healthy.Load())
	assert.NoError(t, c.lastError())
}

func TestWithThresholds(t *testing.T) {
	failing := true
	h := New()
	h.AddReadinessCheck("gateway", time.Second, func(_ context.Context) error {
		if failing {
			return errors.New("unreachable")
		}
		return nil
	}, WithThresholds(1, 2))
	c := h.readiness[0]

	runN(c, 1)
	assert.False(t, c.healthy.Load(), "one failure is enough")

	failing = false
	runN(c, 1)
	assert.False(t, c.healthy.Load(), "two successes are needed")
	runN(c, 1)
	assert.True(t, c.healthy.Load())
}

func TestCheckTimeout(t *testing.T) {
	h := New()
	h.AddLivenessCheck("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithThresholds(1, 1))
	c := h.liveness[0]

	assert.Nil(t, c.lastError())
	runN(c, 1)
	assert.ErrorIs(t, c.lastError(), context.DeadlineExceeded)
	assert.False(t, c.healthy.Load())
}

func TestStartStop(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	h := New()
	h.AddLivenessCheck("counter", time.Second, func(_ context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	})

	h.Start(context.Background(), 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 2
	}, time.Second, 5*time.Millisecond)

	h.Stop()
	h.Stop()
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.AddLivenessCheck("concurrent", time.Second, failingCheck("err"))
	h.AddReadinessCheck("concurrent", time.Second, passingCheck())
	h.SetReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx, time.Millisecond)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				h.IsReady()
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()
	h.Stop()
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPingCheck(t *testing.T) {
	ok := PingCheck(pingerFunc(func(context.Context) error { return nil }))
	assert.NoError(t, ok(context.Background()))

	refused := errors.New("connection refused")
	bad := PingCheck(pingerFunc(func(context.Context) error { return refused }))
	assert.ErrorIs(t, bad(context.Background()), refused)
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))

	err := GoroutineCountCheck(0)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds threshold")
}

func TestHeartbeatCheck(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	now := start
	var hb Heartbeat
	check := HeartbeatCheck(&hb, time.Minute, func() time.Time { return now })

	// No round yet: the grace period starts with the first check.
	assert.NoError(t, check(context.Background()))
	now = start.Add(90 * time.Second)
	assert.Error(t, check(context.Background()))

	hb.Beat(now)
	assert.Equal(t, now, hb.Last().UTC())
	assert.NoError(t, check(context.Background()))

	now = now.Add(2 * time.Minute)
	err := check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2m0s")
}
