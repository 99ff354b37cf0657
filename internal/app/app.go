package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/utafrali/storefront/internal/catalog"
	cataloghttp "github.com/utafrali/storefront/internal/catalog/http"
	catalogpg "github.com/utafrali/storefront/internal/catalog/postgres"
	"github.com/utafrali/storefront/internal/config"
	"github.com/utafrali/storefront/internal/domain"
	"github.com/utafrali/storefront/internal/engine"
	"github.com/utafrali/storefront/internal/event"
	handler "github.com/utafrali/storefront/internal/handler/http"
	"github.com/utafrali/storefront/internal/identity"
	"github.com/utafrali/storefront/internal/notify"
	"github.com/utafrali/storefront/internal/session"
	"github.com/utafrali/storefront/internal/store"
	"github.com/utafrali/storefront/internal/store/local"
	remotefs "github.com/utafrali/storefront/internal/store/remote/firestore"
	remoteredis "github.com/utafrali/storefront/internal/store/remote/redis"
	"github.com/utafrali/storefront/pkg/database"
	"github.com/utafrali/storefront/pkg/health"
	"github.com/utafrali/storefront/pkg/httpclient"
	pkgkafka "github.com/utafrali/storefront/pkg/kafka"
	"github.com/utafrali/storefront/pkg/middleware"
	"github.com/utafrali/storefront/pkg/tracing"
)

const serviceName = "storefront"

// App wires together all dependencies and runs the storefront service.
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	rdb        *redis.Client
	pgPool     *pgxpool.Pool
	fsClient   *gcfirestore.Client
	producer   *pkgkafka.Producer
	sessions   *session.Manager
	httpServer *http.Server

	stopBackground  context.CancelFunc
	shutdownTracing func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeClients()
			if a.shutdownTracing != nil {
				_ = a.shutdownTracing(context.Background())
			}
		}
	}()

	a.shutdownTracing, err = tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	healthHandler := health.NewHandler()

	// Redis backs the device stores, the catalog cache and, by default, the
	// user stores.
	a.rdb, err = database.NewRedisClient(ctx, database.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	reg.MustRegister(database.NewRedisStatsCollector(a.rdb))
	healthHandler.Register("redis", func(ctx context.Context) error {
		return a.rdb.Ping(ctx).Err()
	})
	logger.Info("connected to Redis",
		slog.String("addr", cfg.RedisAddr),
		slog.Int("db", cfg.RedisDB),
	)

	localKV, err := a.localKV()
	if err != nil {
		return nil, err
	}
	remoteCart, remoteWishlist, err := a.remoteStores(ctx, healthHandler)
	if err != nil {
		return nil, err
	}
	reader, err := a.catalogReader(ctx, reg, healthHandler)
	if err != nil {
		return nil, err
	}

	var events *event.Producer
	if cfg.EventsEnabled {
		a.producer = pkgkafka.NewProducer(
			pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers),
			pkgkafka.NewProducerMetrics(reg),
			logger,
		)
		events = event.NewProducer(a.producer, logger)
		logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
	}

	a.sessions = session.NewManager(session.Config{
		LocalKV:        localKV,
		RemoteCart:     remoteCart,
		RemoteWishlist: remoteWishlist,
		Notifier: notify.Multi(
			notify.NewLogNotifier(logger),
			notify.NewMetricsNotifier(reg),
		),
		Events:          events,
		MergeOnLogin:    cfg.MergeOnLogin,
		SnapshotTimeout: cfg.RemoteSnapshotTimeout(),
		NoticeCapacity:  cfg.NoticeCapacity,
		IdleTTL:         cfg.SessionIdleTTL(),
		Logger:          logger,
	})

	secret := cfg.JWTSecret
	if secret == "" {
		// Development without a secret: every visitor stays anonymous.
		secret = uuid.NewString()
		logger.Warn("JWT_SECRET not set, bearer tokens will be rejected")
	}
	verifier := identity.NewVerifier(secret)

	bgCtx, stop := context.WithCancel(context.Background())
	a.stopBackground = stop

	router := handler.NewRouter(handler.RouterConfig{
		Sessions:       a.sessions,
		Catalog:        reader,
		Verify:         verifier.Verify,
		Health:         healthHandler,
		Metrics:        middleware.NewHTTPMetrics(serviceName, reg),
		Gatherer:       reg,
		RateLimiter:    middleware.NewRateLimiter(bgCtx, cfg.RateLimitRPS, cfg.RateLimitBurst, logger),
		CORS:           middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins},
		Policy:         cfg.PricingPolicy(),
		ConfirmTimeout: cfg.RemoteConfirmTimeout(),
		Logger:         logger,
	})

	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return a, nil
}

func (a *App) localKV() (func(deviceID string) local.KV, error) {
	switch a.cfg.LocalBackend {
	case config.BackendFile:
		root := a.cfg.LocalDataDir
		a.logger.Info("device collections stored on disk", slog.String("dir", root))
		return func(deviceID string) local.KV { return local.NewFileKV(root, deviceID) }, nil
	case config.BackendRedis:
		ttl := a.cfg.LocalTTL()
		return func(deviceID string) local.KV { return local.NewRedisKV(a.rdb, deviceID, ttl) }, nil
	default:
		return nil, fmt.Errorf("unknown local backend %q", a.cfg.LocalBackend)
	}
}

func (a *App) remoteStores(ctx context.Context, hh *health.Handler) (
	engine.RemoteFactory[domain.CartItem],
	engine.RemoteFactory[domain.WishlistItem],
	error,
) {
	switch a.cfg.RemoteBackend {
	case config.BackendFirestore:
		client, err := remotefs.NewClient(ctx, a.cfg.FirestoreProjectID, a.cfg.FirestoreCredentialsFile, a.logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to firestore: %w", err)
		}
		a.fsClient = client
		hh.Register("firestore", func(ctx context.Context) error {
			_, err := client.Collection("users").Limit(1).Documents(ctx).GetAll()
			return err
		})
		return func(uid string) store.Adapter[domain.CartItem] {
				return remotefs.New[domain.CartItem](client, uid, domain.CartKind.Name, a.logger)
			}, func(uid string) store.Adapter[domain.WishlistItem] {
				return remotefs.New[domain.WishlistItem](client, uid, domain.WishlistKind.Name, a.logger)
			}, nil
	case config.BackendRedis:
		return func(uid string) store.Adapter[domain.CartItem] {
				return remoteredis.New[domain.CartItem](a.rdb, uid, domain.CartKind.Name, a.logger)
			}, func(uid string) store.Adapter[domain.WishlistItem] {
				return remoteredis.New[domain.WishlistItem](a.rdb, uid, domain.WishlistKind.Name, a.logger)
			}, nil
	default:
		return nil, nil, fmt.Errorf("unknown remote backend %q", a.cfg.RemoteBackend)
	}
}

func (a *App) catalogReader(ctx context.Context, reg prometheus.Registerer, hh *health.Handler) (catalog.Reader, error) {
	var reader catalog.Reader
	switch a.cfg.CatalogSource {
	case config.SourcePostgres:
		pool, err := database.NewPostgresPool(ctx, &database.PostgresConfig{
			Host:            a.cfg.PostgresHost,
			Port:            a.cfg.PostgresPort,
			User:            a.cfg.PostgresUser,
			Password:        a.cfg.PostgresPass,
			DBName:          a.cfg.PostgresDB,
			SSLMode:         a.cfg.PostgresSSL,
			MaxConns:        a.cfg.DBMaxConns,
			MinConns:        a.cfg.DBMinConns,
			MaxConnLifetime: time.Duration(a.cfg.DBMaxConnLifetimeMins) * time.Minute,
			MaxConnIdleTime: time.Duration(a.cfg.DBMaxConnIdleTimeMins) * time.Minute,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		a.pgPool = pool
		reg.MustRegister(database.NewPostgresStatsCollector(pool))
		hh.Register("postgres", pool.Ping)
		reader = catalogpg.NewReader(pool)
	case config.SourceHTTP:
		client := httpclient.NewCircuitBreakerClient(
			httpclient.New(httpclient.DefaultConfig()),
			httpclient.DefaultCircuitBreakerConfig("product-service"),
			httpclient.NewBreakerMetrics(reg),
			a.logger,
		)
		reader = cataloghttp.NewReader(client, a.cfg.CatalogURL)
	default:
		return nil, fmt.Errorf("unknown catalog source %q", a.cfg.CatalogSource)
	}

	if ttl := a.cfg.CatalogCacheTTL(); ttl > 0 {
		reader = catalog.NewCachedReader(reader, a.rdb, ttl, a.logger)
	}
	return reader, nil
}

// Run starts the HTTP server and the session janitor and blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go a.sessions.RunJanitor(ctx)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		_ = a.Shutdown()
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
	}

	// Sessions hold subscriptions on the store clients closed below.
	if err := a.sessions.Close(); err != nil {
		a.logger.Error("session close error", slog.String("error", err.Error()))
	}

	if err := a.shutdownTracing(shutdownCtx); err != nil {
		a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
	}

	a.closeClients()
	a.logger.Info("application shutdown complete")
	return nil
}

func (a *App) closeClients() {
	if a.stopBackground != nil {
		a.stopBackground()
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		}
	}
	if a.fsClient != nil {
		if err := a.fsClient.Close(); err != nil {
			a.logger.Error("firestore close error", slog.String("error", err.Error()))
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
		}
	}
}
