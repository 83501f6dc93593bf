package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront-checkout/internal/cart"
	"github.com/xenking/storefront-checkout/internal/domain/auth"
	"github.com/xenking/storefront-checkout/internal/domain/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/product"
	"github.com/xenking/storefront-checkout/internal/gateway"
	"github.com/xenking/storefront-checkout/internal/handler"
	"github.com/xenking/storefront-checkout/internal/storage/postgres"
	"github.com/xenking/storefront-checkout/pkg/cache"
	"github.com/xenking/storefront-checkout/pkg/health"
	"github.com/xenking/storefront-checkout/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and background jobs,
// and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	ctx = zctx.Base(ctx, lg)
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Catalog cache.
	var store cache.Store
	switch cfg.Cache.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		defer func() { _ = rdb.Close() }()
		redisStore := cache.NewRedisStore(rdb)
		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.PingCheck(redisStore))
		store = redisStore
	default:
		memStore := cache.NewMemoryStore()
		memStore.StartSweeper(ctx, cfg.Cache.TTL)
		store = memStore
	}
	products, catalog := newCatalog(postgres.NewProductRepository(pool), store, cfg.Cache.TTL)

	svc, closeSvc, err := newCheckout(lg, pool, products, cfg, m)
	if err != nil {
		return err
	}
	defer closeSvc()

	keys := auth.NewAuthenticator(postgres.NewAPIKeyRepository(pool), []byte(cfg.AdminKeyPepper))
	h := handler.NewHandler(svc, catalog, keys)

	var sweeper *expirySweeper
	if cfg.Expiry.Enabled {
		sweeper = newExpirySweeper(svc, cfg.Expiry)
		healthSvc.AddLivenessCheck("expiry", time.Second,
			health.HeartbeatCheck(&sweeper.heartbeat, 3*cfg.Expiry.Interval, time.Now))
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)
	defer healthSvc.Stop()

	router := chi.NewRouter()
	router.Use(
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.RequestID(),
		httpmiddleware.Recovery(),
		httpmiddleware.LogRequests(),
		middleware.Timeout(cfg.RequestTimeout),
		cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORS.Origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "Authorization", handler.APIKeyHeader, httpmiddleware.RequestIDHeader},
			ExposedHeaders:   []string{httpmiddleware.RequestIDHeader},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
		// Back-office callers get a bucket per key; gateway redelivery and
		// probes are never throttled.
		httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
			Max:     cfg.RateLimit.Max,
			Window:  cfg.RateLimit.Window,
			KeyFunc: httpmiddleware.KeyByHeader(handler.APIKeyHeader),
			Skip:    httpmiddleware.SkipPathPrefixes("/api/webhooks/", "/livez", "/readyz"),
		}),
	)
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	router.Mount("/api", h.Routes())

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: otelhttp.NewHandler(router, "storefront-api",
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	// Graceful shutdown: drop readiness, let load balancers notice, drain.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})
	if sweeper != nil {
		g.Go(func() error {
			return sweeper.Run(gctx)
		})
	}

	err = g.Wait()

	// Requests are drained; wait for cart signals they started.
	svc.Wait()
	lg.Info("Stopped")
	return err
}

// newCatalog splits catalog reads: pricing goes straight to the database,
// quotes go through the cache and may lag by ttl.
func newCatalog(db product.Repository, store cache.Store, ttl time.Duration) (pricing product.Repository, quotes *product.CachedRepository) {
	return db, product.NewCachedRepository(db, store, ttl)
}

// newCheckout wires the checkout service with its outbound collaborators.
// The returned func releases the cart transport.
func newCheckout(lg *zap.Logger, pool *pgxpool.Pool, products product.Repository, cfg *Config, m *app.Telemetry) (*checkout.Service, func(), error) {
	gw, err := gateway.New(cfg.Gateway)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create gateway client")
	}
	notifier, err := cart.New(cfg.Cart)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create cart notifier")
	}
	closeFn := func() {
		if err := notifier.Close(); err != nil {
			lg.Warn("Close cart notifier", zap.Error(err))
		}
	}

	svc, err := checkout.NewService(postgres.NewStore(pool), products, gw, notifier,
		checkout.WithCurrency(cfg.Currency),
		checkout.WithTelemetry(m.TracerProvider(), m.MeterProvider()),
	)
	if err != nil {
		closeFn()
		return nil, nil, errors.Wrap(err, "create checkout service")
	}
	return svc, closeFn, nil
}
