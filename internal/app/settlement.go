package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/settlement"
	"github.com/xenking/storefront-checkout/internal/storage/postgres"
)

// SyncSettlements reconciles gateway settlement exports against stored
// orders. Records are re-verified with the gateway exactly like webhooks.
func SyncSettlements(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config, sc settlement.Config, files []string) error {
	if len(files) == 0 {
		return errors.New("no settlement files given")
	}
	ctx = zctx.Base(ctx, lg)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	svc, closeSvc, err := newCheckout(lg, pool, postgres.NewProductRepository(pool), cfg, m)
	if err != nil {
		return err
	}
	defer closeSvc()

	syncer := settlement.NewSyncer(postgres.NewGuardRepository(pool), svc, sc)
	st, err := syncer.Run(ctx, files)
	svc.Wait()
	if err != nil {
		return errors.Wrap(err, "sync settlements")
	}
	if st.Failed > 0 {
		return errors.Errorf("%d settlement records failed to reconcile", st.Failed)
	}
	return nil
}
