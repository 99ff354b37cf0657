package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 8010, cfg.HTTPPort)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, BackendRedis, cfg.LocalBackend)
	assert.Equal(t, BackendRedis, cfg.RemoteBackend)
	assert.Equal(t, SourceHTTP, cfg.CatalogSource)
	assert.Equal(t, 30*24*time.Hour, cfg.LocalTTL())
	assert.Equal(t, 2*time.Second, cfg.RemoteConfirmTimeout())
	assert.Equal(t, 5*time.Second, cfg.RemoteSnapshotTimeout())
	assert.Equal(t, time.Hour, cfg.SessionIdleTTL())
	assert.Equal(t, time.Minute, cfg.CatalogCacheTTL())
	assert.False(t, cfg.MergeOnLogin)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)

	policy := cfg.PricingPolicy()
	assert.Equal(t, int64(5000), policy.FreeShippingThreshold)
	assert.Equal(t, int64(999), policy.ShippingFee)
	assert.True(t, policy.TaxRate.Equal(decimal.RequireFromString("0.08")))
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("LOCAL_BACKEND", "file")
	t.Setenv("LOCAL_DATA_DIR", "/var/lib/storefront")
	t.Setenv("MERGE_ON_LOGIN", "true")
	t.Setenv("TAX_RATE", "0.2")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, BackendFile, cfg.LocalBackend)
	assert.True(t, cfg.MergeOnLogin)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.PricingPolicy().TaxRate.Equal(decimal.RequireFromString("0.2")))
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"port", map[string]string{"STOREFRONT_HTTP_PORT": "0"}, "invalid HTTP port"},
		{"local backend", map[string]string{"LOCAL_BACKEND": "sqlite"}, `unknown LOCAL_BACKEND "sqlite"`},
		{"remote backend", map[string]string{"REMOTE_BACKEND": "dynamo"}, `unknown REMOTE_BACKEND "dynamo"`},
		{"firestore project", map[string]string{"REMOTE_BACKEND": "firestore"}, "FIRESTORE_PROJECT_ID is required"},
		{"catalog source", map[string]string{"CATALOG_SOURCE": "grpc"}, `unknown CATALOG_SOURCE "grpc"`},
		{"tax rate", map[string]string{"TAX_RATE": "eight percent"}, "invalid TAX_RATE"},
		{"tax rate range", map[string]string{"TAX_RATE": "1.5"}, "TAX_RATE must be between 0 and 1"},
		{"sample rate", map[string]string{"OTEL_SAMPLE_RATE": "2.0"}, "OTEL_SAMPLE_RATE must be between 0.0 and 1.0"},
		{"jwt secret", map[string]string{"ENVIRONMENT": "production"}, "JWT_SECRET is required"},
		{"rate limit", map[string]string{"RATE_LIMIT_RPS": "0"}, "RATE_LIMIT_RPS"},
		{"idle ttl", map[string]string{"SESSION_IDLE_TTL_MINUTES": "0"}, "SESSION_IDLE_TTL_MINUTES"},
		{"not a number", map[string]string{"REDIS_DB": "zero"}, "load storefront config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()

			assert.Nil(t, cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_ProductionWithSecret(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
}
