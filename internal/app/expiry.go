package app

import (
	"context"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/pkg/health"
)

// expirer is implemented by *checkout.Service.
type expirer interface {
	ExpireStale(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// expirySweeper periodically cancels abandoned unpaid orders. A failed
// round is logged and retried on the next tick.
type expirySweeper struct {
	svc       expirer
	cfg       ExpiryConfig
	heartbeat health.Heartbeat
	now       func() time.Time
}

func newExpirySweeper(svc expirer, cfg ExpiryConfig) *expirySweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &expirySweeper{svc: svc, cfg: cfg, now: time.Now}
}

// Run sweeps every Interval until ctx is done.
func (s *expirySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// sweep expires batches until a short batch shows the backlog is empty.
func (s *expirySweeper) sweep(ctx context.Context) {
	lg := zctx.From(ctx)
	total := 0
	for ctx.Err() == nil {
		n, err := s.svc.ExpireStale(ctx, s.cfg.After, s.cfg.BatchSize)
		total += n
		if err != nil {
			lg.Error("Expiry sweep failed", zap.Error(err), zap.Int("expired", total))
			return
		}
		if n < s.cfg.BatchSize {
			break
		}
	}
	if total > 0 {
		lg.Info("Expired stale orders", zap.Int("count", total))
	}
	s.heartbeat.Beat(s.now())
}
