package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/utafrali/storefront/internal/view"
	pkgconfig "github.com/utafrali/storefront/pkg/config"
)

// Backend and source names accepted by the configuration.
const (
	BackendRedis     = "redis"
	BackendFile      = "file"
	BackendFirestore = "firestore"
	SourceHTTP       = "http"
	SourcePostgres   = "postgres"
)

// Config holds all configuration for the storefront service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort           int      `env:"STOREFRONT_HTTP_PORT" envDefault:"8010"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Redis
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPass string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// Local (device) store: redis or file.
	LocalBackend  string `env:"LOCAL_BACKEND" envDefault:"redis"`
	LocalDataDir  string `env:"LOCAL_DATA_DIR" envDefault:"./data/devices"`
	LocalTTLHours int    `env:"LOCAL_TTL_HOURS" envDefault:"720"`

	// Remote (user) store: redis or firestore.
	RemoteBackend            string `env:"REMOTE_BACKEND" envDefault:"redis"`
	FirestoreProjectID       string `env:"FIRESTORE_PROJECT_ID" envDefault:""`
	FirestoreCredentialsFile string `env:"FIRESTORE_CREDENTIALS_FILE" envDefault:""`
	RemoteConfirmTimeoutMs   int    `env:"REMOTE_CONFIRM_TIMEOUT_MS" envDefault:"2000"`
	RemoteSnapshotTimeoutMs  int    `env:"REMOTE_SNAPSHOT_TIMEOUT_MS" envDefault:"5000"`
	MergeOnLogin             bool   `env:"MERGE_ON_LOGIN" envDefault:"false"`

	// Kafka
	KafkaBrokers  []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	EventsEnabled bool     `env:"EVENTS_ENABLED" envDefault:"true"`

	// Catalog: http (product service) or postgres (product database).
	CatalogSource          string `env:"CATALOG_SOURCE" envDefault:"http"`
	CatalogURL             string `env:"CATALOG_URL" envDefault:"http://localhost:8001"`
	CatalogCacheTTLSeconds int    `env:"CATALOG_CACHE_TTL_SECONDS" envDefault:"60"`

	// PostgreSQL (catalog source postgres)
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"ecommerce"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"ecommerce_secret"`
	PostgresDB   string `env:"PRODUCT_DB_NAME" envDefault:"product_db"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Database pool
	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"2"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Identity
	JWTSecret string `env:"JWT_SECRET" envDefault:""`

	// Sessions
	SessionIdleTTLMinutes int `env:"SESSION_IDLE_TTL_MINUTES" envDefault:"60"`
	NoticeCapacity        int `env:"NOTICE_CAPACITY" envDefault:"50"`

	// Pricing, in cents
	FreeShippingThreshold int64  `env:"FREE_SHIPPING_THRESHOLD" envDefault:"5000"`
	ShippingFee           int64  `env:"SHIPPING_FEE" envDefault:"999"`
	TaxRate               string `env:"TAX_RATE" envDefault:"0.08"`

	// Rate limiting, per device
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"20"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	taxRate decimal.Decimal
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load storefront config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	switch c.LocalBackend {
	case BackendRedis:
	case BackendFile:
		if c.LocalDataDir == "" {
			return fmt.Errorf("LOCAL_DATA_DIR is required when LOCAL_BACKEND is file")
		}
	default:
		return fmt.Errorf("unknown LOCAL_BACKEND %q", c.LocalBackend)
	}
	switch c.RemoteBackend {
	case BackendRedis:
	case BackendFirestore:
		if c.FirestoreProjectID == "" {
			return fmt.Errorf("FIRESTORE_PROJECT_ID is required when REMOTE_BACKEND is firestore")
		}
	default:
		return fmt.Errorf("unknown REMOTE_BACKEND %q", c.RemoteBackend)
	}
	switch c.CatalogSource {
	case SourceHTTP:
		if c.CatalogURL == "" {
			return fmt.Errorf("CATALOG_URL is required when CATALOG_SOURCE is http")
		}
	case SourcePostgres:
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required when CATALOG_SOURCE is postgres")
		}
	default:
		return fmt.Errorf("unknown CATALOG_SOURCE %q", c.CatalogSource)
	}
	if c.EventsEnabled && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when EVENTS_ENABLED is true")
	}
	if c.JWTSecret == "" && c.Environment != "development" {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	if c.RemoteConfirmTimeoutMs < 0 {
		return fmt.Errorf("REMOTE_CONFIRM_TIMEOUT_MS must not be negative")
	}
	if c.RemoteSnapshotTimeoutMs < 0 {
		return fmt.Errorf("REMOTE_SNAPSHOT_TIMEOUT_MS must not be negative")
	}
	if c.SessionIdleTTLMinutes < 1 {
		return fmt.Errorf("SESSION_IDLE_TTL_MINUTES must be at least 1")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.FreeShippingThreshold < 0 || c.ShippingFee < 0 {
		return fmt.Errorf("FREE_SHIPPING_THRESHOLD and SHIPPING_FEE must not be negative")
	}
	rate, err := decimal.NewFromString(c.TaxRate)
	if err != nil {
		return fmt.Errorf("invalid TAX_RATE %q: %w", c.TaxRate, err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("TAX_RATE must be between 0 and 1, got %s", c.TaxRate)
	}
	c.taxRate = rate
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	return nil
}

// PricingPolicy returns the order summary rules.
func (c *Config) PricingPolicy() view.Policy {
	return view.Policy{
		FreeShippingThreshold: c.FreeShippingThreshold,
		ShippingFee:           c.ShippingFee,
		TaxRate:               c.taxRate,
	}
}

// LocalTTL is how long an untouched device collection is kept.
func (c *Config) LocalTTL() time.Duration {
	return time.Duration(c.LocalTTLHours) * time.Hour
}

func (c *Config) RemoteConfirmTimeout() time.Duration {
	return time.Duration(c.RemoteConfirmTimeoutMs) * time.Millisecond
}

// RemoteSnapshotTimeout bounds the wait for a remote collection's first
// snapshot after login.
func (c *Config) RemoteSnapshotTimeout() time.Duration {
	return time.Duration(c.RemoteSnapshotTimeoutMs) * time.Millisecond
}

func (c *Config) SessionIdleTTL() time.Duration {
	return time.Duration(c.SessionIdleTTLMinutes) * time.Minute
}

// CatalogCacheTTL is zero when product caching is disabled.
func (c *Config) CatalogCacheTTL() time.Duration {
	return time.Duration(c.CatalogCacheTTLSeconds) * time.Second
}
