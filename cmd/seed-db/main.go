// Command seed-db loads the product catalog and a back-office API key.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/db"
	appkg "github.com/xenking/storefront-checkout/internal/app"
	"github.com/xenking/storefront-checkout/internal/domain/auth"
	"github.com/xenking/storefront-checkout/internal/domain/product"
	"github.com/xenking/storefront-checkout/internal/storage/postgres"
)

func main() {
	var (
		productsFile string
		apiKey       string
		apiKeyName   string
	)
	flag.StringVar(&productsFile, "products-file", "", "path to products JSON file (embedded catalog when empty)")
	flag.StringVar(&apiKey, "api-key", "", "back-office API key to seed (or SHOP_SEED_API_KEY env)")
	flag.StringVar(&apiKeyName, "api-key-name", "Operator", "display name of the seeded key")
	flag.Parse()

	if apiKey == "" {
		apiKey = os.Getenv("SHOP_SEED_API_KEY")
	}

	app.Run(func(ctx context.Context, lg *zap.Logger, _ *app.Telemetry) error {
		cfg, err := appkg.LoadEnvConfig()
		if err != nil {
			return err
		}
		return run(ctx, lg, cfg, productsFile, apiKey, apiKeyName)
	})
}

func run(ctx context.Context, lg *zap.Logger, cfg *appkg.Config, productsFile, apiKey, apiKeyName string) error {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := postgres.Migrate(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, lg, postgres.NewProductRepository(pool), productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}
	if apiKey == "" {
		lg.Info("No API key given, skipping")
		return nil
	}
	if err := seedAPIKey(ctx, lg, postgres.NewAPIKeyRepository(pool), []byte(cfg.AdminKeyPepper), apiKey, apiKeyName); err != nil {
		return errors.Wrap(err, "seed api key")
	}
	lg.Info("Seed completed")
	return nil
}

func seedProducts(ctx context.Context, lg *zap.Logger, repo *postgres.ProductRepository, productsFile string) error {
	data := db.Products
	if productsFile != "" {
		var err error
		if data, err = os.ReadFile(productsFile); err != nil {
			return errors.Wrap(err, "read products file")
		}
	}

	var products []product.Product
	if err := json.Unmarshal(data, &products); err != nil {
		return errors.Wrap(err, "parse products JSON")
	}

	lg.Info("Upserting products", zap.Int("count", len(products)))
	for _, p := range products {
		if err := repo.Upsert(ctx, p); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}
		lg.Debug("Upserted product", zap.String("id", p.ID), zap.String("name", p.Name))
	}
	return nil
}

func seedAPIKey(ctx context.Context, lg *zap.Logger, repo *postgres.APIKeyRepository, pepper []byte, apiKey, name string) error {
	info := auth.APIKeyInfo{
		ID:      "operator",
		KeyHash: auth.HashKey(pepper, apiKey),
		Name:    name,
		Scopes:  []string{auth.ScopeOrdersManage, auth.ScopeRefunds},
	}
	if err := repo.Upsert(ctx, info); err != nil {
		return errors.Wrap(err, "upsert operator API key")
	}
	lg.Info("Upserted API key", zap.String("id", info.ID), zap.Strings("scopes", info.Scopes))
	return nil
}
