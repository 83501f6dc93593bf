// Command settlement-sync replays gzip-compressed gateway settlement exports
// so orders whose payment webhooks were lost still reach their final state.
//
// Usage:
//
//	settlement-sync [-workers 4] settlements-2026-05-01.csv.gz ...
package main

import (
	"context"
	"flag"

	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	appkg "github.com/xenking/storefront-checkout/internal/app"
	"github.com/xenking/storefront-checkout/internal/settlement"
)

func main() {
	var sc settlement.Config
	flag.IntVar(&sc.Workers, "workers", 4, "export files processed concurrently")
	flag.UintVar(&sc.BloomCapacity, "bloom-capacity", 1_000_000, "expected number of processed transactions")
	flag.Float64Var(&sc.BloomFPR, "bloom-fpr", 0.001, "bloom filter false positive rate")
	flag.Parse()
	files := flag.Args()

	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := appkg.LoadEnvConfig()
		if err != nil {
			return err
		}
		return appkg.SyncSettlements(ctx, lg, m, cfg, sc, files)
	})
}
