package httpmiddleware

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the sliding window rate limiter.
type RateLimitConfig struct {
	// Max is the maximum number of requests allowed per window.
	Max int
	// Window is the duration of each sliding window.
	Window time.Duration
	// KeyFunc extracts the rate limit key from a request.
	// If nil, the client IP address is used.
	KeyFunc func(*http.Request) string
	// Skip exempts requests from limiting, e.g. gateway webhooks whose
	// redelivery must not be throttled.
	Skip func(*http.Request) bool
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// SkipPathPrefixes returns a Skip func matching any of the path prefixes.
func SkipPathPrefixes(prefixes ...string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(r.URL.Path, p) {
				return true
			}
		}
		return false
	}
}

// KeyByHeader keys requests carrying header by its value and all others by
// client IP, so callers authenticated with a credential get their own
// bucket even behind a shared proxy.
func KeyByHeader(header string) func(*http.Request) string {
	return func(r *http.Request) string {
		if v := r.Header.Get(header); v != "" {
			return header + ":" + v
		}
		return ClientIP(r)
	}
}

// counter holds request counts of the current and the previous fixed
// window. The sliding estimate weights the previous window by its overlap.
type counter struct {
	prev      float64
	curr      float64
	currStart time.Time
}

// advance moves the counter to the window containing now.
func (c *counter) advance(now time.Time, window time.Duration) {
	start := now.Truncate(window)
	switch elapsed := start.Sub(c.currStart); {
	case elapsed <= 0:
		return
	case elapsed == window:
		c.prev = c.curr
	default:
		c.prev = 0
	}
	c.curr = 0
	c.currStart = start
}

// estimate returns the sliding window request count at now.
func (c *counter) estimate(now time.Time, window time.Duration) float64 {
	overlap := 1 - float64(now.Sub(c.currStart))/float64(window)
	return c.prev*max(overlap, 0) + c.curr
}

type rateLimiter struct {
	cfg      RateLimitConfig
	mu       sync.Mutex
	counters map[string]*counter
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &rateLimiter{
		cfg:      cfg,
		counters: make(map[string]*counter),
	}
}

// allow records a request for key if it fits the limit. It reports the
// remaining budget and when the current window ends.
func (rl *rateLimiter) allow(key string, now time.Time) (remaining int, resetAt time.Time, allowed bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.counters[key]
	if !ok {
		c = &counter{currStart: now.Truncate(rl.cfg.Window)}
		rl.counters[key] = c
	}
	c.advance(now, rl.cfg.Window)
	resetAt = c.currStart.Add(rl.cfg.Window)

	limit := float64(rl.cfg.Max)
	used := c.estimate(now, rl.cfg.Window)
	if used >= limit {
		return 0, resetAt, false
	}
	c.curr++
	return max(int(limit-used-1), 0), resetAt, true
}

// evict drops counters idle for two full windows.
func (rl *rateLimiter) evict(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, c := range rl.counters {
		if now.Sub(c.currStart) >= 2*rl.cfg.Window {
			delete(rl.counters, key)
		}
	}
}

func (rl *rateLimiter) runEviction(ctx context.Context) {
	ticker := time.NewTicker(2 * rl.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evict(rl.cfg.Now())
		}
	}
}

// RateLimit returns a middleware that enforces a per-key sliding window rate
// limit. Rejected requests get 429 in the API error format. Responses carry
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset headers.
// A non-positive Max or Window disables limiting.
//
// Idle keys are never evicted; see RateLimitWithCleanup.
func RateLimit(cfg RateLimitConfig) Middleware {
	return newRateLimiter(cfg).middleware()
}

// RateLimitWithCleanup is like RateLimit but evicts idle keys in the
// background until ctx is cancelled.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	rl := newRateLimiter(cfg)
	if cfg.Max > 0 && cfg.Window > 0 {
		go rl.runEviction(ctx)
	}
	return rl.middleware()
}

func (rl *rateLimiter) middleware() Middleware {
	if rl.cfg.Max <= 0 || rl.cfg.Window <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limit := strconv.Itoa(rl.cfg.Max)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.cfg.Skip != nil && rl.cfg.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}
			now := rl.cfg.Now()
			remaining, resetAt, allowed := rl.allow(rl.cfg.KeyFunc(r), now)

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			wait := max(resetAt.Sub(now), 0)
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code":    http.StatusTooManyRequests,
				"message": "rate limit exceeded",
			})
		})
	}
}

// ClientIP returns the originating client address: the first
// X-Forwarded-For hop, then X-Real-IP, then the connection peer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
