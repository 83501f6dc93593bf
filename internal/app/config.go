package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/storefront-checkout/internal/cart"
	"github.com/xenking/storefront-checkout/internal/gateway"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (SHOP_ prefix), flags, or YAML config files.
type Config struct {
	Addr           string        `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL    string        `usage:"PostgreSQL connection URL (SHOP_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Currency       string        `default:"usd" usage:"ISO currency of orders and payments"`
	AdminKeyPepper string        `usage:"HMAC pepper for back-office API key hashing" flag:"admin-key-pepper"`
	RequestTimeout time.Duration `default:"25s" usage:"Deadline of one API request; must exceed the gateway call timeout" flag:"request-timeout"`
	Gateway        gateway.Config
	Cart           cart.Config
	Cache          CacheConfig
	Expiry         ExpiryConfig
	RateLimit      RateLimitConfig
	CORS           CORSConfig
	Graceful       GracefulConfig
}

// CacheConfig selects the catalog cache store.
type CacheConfig struct {
	Backend   string        `default:"memory" usage:"Catalog cache backend: memory or redis"`
	RedisAddr string        `default:"localhost:6379" usage:"Redis address for the redis cache backend"`
	TTL       time.Duration `default:"1m" usage:"Catalog cache TTL"`
}

// ExpiryConfig controls cancellation of abandoned unpaid orders. Orders are
// retained indefinitely when disabled.
type ExpiryConfig struct {
	Enabled   bool          `default:"false" usage:"Cancel unpaid orders older than After"`
	After     time.Duration `default:"24h" usage:"Age after which an unpaid order expires"`
	Interval  time.Duration `default:"10m" usage:"Expiry sweep interval"`
	BatchSize int           `default:"100" usage:"Orders expired per sweep"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window (0 disables)"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from flags, environment variables, YAML
// config files and platform defaults, then validates it.
func LoadConfig() (*Config, error) {
	return loadConfig(false)
}

// LoadEnvConfig is LoadConfig without flag parsing, for commands that
// define their own flags.
func LoadEnvConfig() (*Config, error) {
	return loadConfig(true)
}

func loadConfig(skipFlags bool) (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SHOP",
		SkipFlags: skipFlags,
		Files:     []string{"config.yaml", "/etc/storefront/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set SHOP_DATABASE_URL or DATABASE_URL")
	case c.AdminKeyPepper == "":
		return errors.New("admin key pepper is required: set SHOP_ADMIN_KEY_PEPPER")
	case c.Gateway.SecretKey == "" || c.Gateway.WebhookSecret == "":
		return errors.New("gateway secret key and webhook secret are required")
	case c.Cache.Backend != "memory" && c.Cache.Backend != "redis":
		return errors.Errorf("unknown cache backend %q", c.Cache.Backend)
	case c.Expiry.Enabled && (c.Expiry.After <= 0 || c.Expiry.Interval <= 0):
		return errors.New("expiry after and interval must be positive")
	case c.Gateway.CallTimeout <= 0 || c.Gateway.CallTimeout >= c.RequestTimeout:
		return errors.New("gateway call timeout must be positive and shorter than the request timeout")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's SHOP_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
