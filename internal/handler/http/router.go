package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/storefront/internal/catalog"
	"github.com/utafrali/storefront/internal/view"
	"github.com/utafrali/storefront/pkg/health"
	"github.com/utafrali/storefront/pkg/middleware"
)

// RouterConfig holds the collaborators of the storefront router.
type RouterConfig struct {
	Sessions    SessionSource
	Catalog     catalog.Reader
	Verify      middleware.TokenValidator
	Health      *health.Handler
	Metrics     *middleware.HTTPMetrics
	Gatherer    prometheus.Gatherer
	RateLimiter *middleware.RateLimiter
	CORS        middleware.CORSConfig
	Policy      view.Policy
	// ConfirmTimeout bounds how long a mutation on a remote collection waits
	// for the push feed before responding.
	ConfirmTimeout time.Duration
	Logger         *slog.Logger
}

// NewRouter creates a chi router with all storefront routes registered.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogging(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(chimw.Timeout(30 * time.Second))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}
	r.Use(middleware.Tracing())

	// Health check endpoints
	r.Get("/health/live", cfg.Health.LivenessHandler())
	r.Get("/health/ready", cfg.Health.ReadinessHandler())
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	cartHandler := NewCartHandler(cfg.Catalog, cfg.Policy, cfg.ConfirmTimeout, cfg.Logger)
	wishlistHandler := NewWishlistHandler(cfg.Catalog, cfg.ConfirmTimeout, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(ContentTypeJSON)
		r.Use(middleware.OptionalAuth(cfg.Verify, cfg.Logger))
		r.Use(middleware.RequireDevice)
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Middleware)
		}
		r.Use(middleware.RequestLogger(cfg.Logger))
		r.Use(ResolveSession(cfg.Sessions, cfg.Logger))

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", cartHandler.GetCart)
			r.Delete("/", cartHandler.ClearCart)
			r.Get("/contains", cartHandler.Contains)

			r.Post("/items", cartHandler.AddItem)
			r.Put("/items/{itemId}", cartHandler.UpdateItemQuantity)
			r.Delete("/items/{itemId}", cartHandler.RemoveItem)
		})

		r.Route("/wishlist", func(r chi.Router) {
			r.Get("/", wishlistHandler.GetWishlist)
			r.Delete("/", wishlistHandler.ClearWishlist)
			r.Get("/contains", wishlistHandler.Contains)

			r.Post("/items", wishlistHandler.AddItem)
			r.Delete("/items/{productId}", wishlistHandler.RemoveItem)
		})

		r.Get("/notices", GetNotices)
	})

	return r
}
