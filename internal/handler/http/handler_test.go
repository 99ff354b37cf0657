package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/storefront/internal/domain"
	"github.com/utafrali/storefront/internal/identity"
	"github.com/utafrali/storefront/internal/session"
	"github.com/utafrali/storefront/internal/store"
	"github.com/utafrali/storefront/internal/store/local"
	remoteredis "github.com/utafrali/storefront/internal/store/remote/redis"
	"github.com/utafrali/storefront/internal/view"
	apperrors "github.com/utafrali/storefront/pkg/errors"
	"github.com/utafrali/storefront/pkg/health"
	"github.com/utafrali/storefront/pkg/httputil"
	"github.com/utafrali/storefront/pkg/logger"
	"github.com/utafrali/storefront/pkg/middleware"
)

// ============================================================================
// Mock catalog
// ============================================================================

type mockCatalog struct {
	mock.Mock
}

func (m *mockCatalog) Product(ctx context.Context, id string) (domain.Product, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.Product), args.Error(1)
}

func ptr[T any](v T) *T { return &v }

var (
	shirt = domain.Product{
		ID:      "p1",
		Name:    "Linen Shirt",
		Price:   2000,
		InStock: true,
		Variants: []domain.ProductVariant{
			{ID: "v1", Name: "Large", Type: domain.VariantTypeSize, Value: "L", Price: ptr(int64(2600))},
		},
	}
	mug = domain.Product{ID: "p2", Name: "Mug", Price: 850, InStock: true}
)

// ============================================================================
// Test setup
// ============================================================================

const testSecret = "handler-test-secret"

type envelope[T any] struct {
	Data  T                       `json:"data"`
	Error *httputil.ErrorResponse `json:"error"`
}

type testServer struct {
	handler  http.Handler
	manager  *session.Manager
	verifier *identity.Verifier
	client   *redis.Client
}

func newTestServer(t *testing.T, limiter *middleware.RateLimiter) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	manager := session.NewManager(session.Config{
		LocalKV: func(string) local.KV { return local.NewMemoryKV() },
		RemoteCart: func(userID string) store.Adapter[domain.CartItem] {
			return remoteredis.New[domain.CartItem](client, userID, domain.CartKind.Name, logger.Discard())
		},
		RemoteWishlist: func(userID string) store.Adapter[domain.WishlistItem] {
			return remoteredis.New[domain.WishlistItem](client, userID, domain.WishlistKind.Name, logger.Discard())
		},
		IdleTTL: time.Hour,
		Logger:  logger.Discard(),
	})
	t.Cleanup(func() { _ = manager.Close() })

	cat := new(mockCatalog)
	cat.On("Product", mock.Anything, "p1").Return(shirt, nil).Maybe()
	cat.On("Product", mock.Anything, "p2").Return(mug, nil).Maybe()
	cat.On("Product", mock.Anything, mock.Anything).
		Return(domain.Product{}, apperrors.NotFound("product", "unknown")).Maybe()

	verifier := identity.NewVerifier(testSecret)
	reg := prometheus.NewRegistry()

	h := NewRouter(RouterConfig{
		Sessions:       manager,
		Catalog:        cat,
		Verify:         verifier.Verify,
		Health:         health.NewHandler(),
		Metrics:        middleware.NewHTTPMetrics("storefront", reg),
		Gatherer:       reg,
		RateLimiter:    limiter,
		Policy:         view.DefaultPolicy(),
		ConfirmTimeout: 2 * time.Second,
		Logger:         logger.Discard(),
	})

	return &testServer{handler: h, manager: manager, verifier: verifier, client: client}
}

type call struct {
	method string
	path   string
	body   any
	device string
	token  string
}

func (s *testServer) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if c.device != "" {
		req.Header.Set(middleware.DeviceHeader, c.device)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := s.verifier.Issue(userID, userID+"@example.com", "customer", time.Hour)
	require.NoError(t, err)
	return tok
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) envelope[T] {
	t.Helper()
	var env envelope[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

// ============================================================================
// Cart
// ============================================================================

func TestCart_RequiresDevice(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, call{method: http.MethodGet, path: "/api/v1/cart"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode[CartResponse](t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, "MISSING_DEVICE_ID", env.Error.Code)
}

func TestCart_EmptyCart(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, call{method: http.MethodGet, path: "/api/v1/cart", device: "d1"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"items":[]`)
	env := decode[CartResponse](t, rec)
	assert.Zero(t, env.Data.ItemCount)
	assert.Equal(t, store.BackendLocal, env.Data.Backend)
	assert.Equal(t, view.Summary{}, env.Data.Summary)
}

func TestCart_AddSameProductTwiceMergesQuantity(t *testing.T) {
	s := newTestServer(t, nil)
	add := call{method: http.MethodPost, path: "/api/v1/cart/items", device: "d1", body: map[string]any{"product_id": "p1"}}

	require.Equal(t, http.StatusOK, s.do(t, add).Code)
	rec := s.do(t, add)

	require.Equal(t, http.StatusOK, rec.Code)
	env := decode[CartResponse](t, rec)
	require.Len(t, env.Data.Items, 1)
	assert.Equal(t, 2, env.Data.Items[0].Quantity)
	assert.Equal(t, 2, env.Data.ItemCount)
	assert.Equal(t, int64(4000), env.Data.TotalAmount)
	assert.Equal(t, view.Summary{Subtotal: 4000, Shipping: 999, Tax: 320, Total: 5319, FreeShippingRemaining: 1000}, env.Data.Summary)
}

func TestCart_VariantIsSeparateItem(t *testing.T) {
	s := newTestServer(t, nil)

	require.Equal(t, http.StatusOK, s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", device: "d1",
		body: map[string]any{"product_id": "p1"}}).Code)
	rec := s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", device: "d1",
		body: map[string]any{"product_id": "p1", "variant_id": "v1", "quantity": 2}})

	require.Equal(t, http.StatusOK, rec.Code)
	env := decode[CartResponse](t, rec)
	assert.Len(t, env.Data.Items, 2)
	assert.Equal(t, 3, env.Data.ItemCount)
	assert.Equal(t, int64(2000+2*2600), env.Data.TotalAmount)
	assert.Zero(t, env.Data.Summary.Shipping)
}

func TestCart_AddErrors(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"unknown product", map[string]any{"product_id": "nope"}, http.StatusNotFound, "NOT_FOUND"},
		{"unknown variant", map[string]any{"product_id": "p1", "variant_id": "v9"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"missing product", map[string]any{"quantity": 1}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"quantity too large", map[string]any{"product_id": "p1", "quantity": 5000}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"product id with slash", map[string]any{"product_id": "a/b"}, http.StatusBadRequest, "VALIDATION_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", device: "d1", body: tt.body})
			assert.Equal(t, tt.status, rec.Code)
			env := decode[CartResponse](t, rec)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestCart_EmptyBody(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", device: "d1"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "request body is required")
}

func TestCart_RejectsNonJSONContentType(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/items", strings.NewReader("product_id=p1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(middleware.DeviceHeader, "d1")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestCart_UpdateQuantity(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", device: "d1",
		body: map[string]any{"product_id": "p2"}}).Code)

	rec := s.do(t, call{method: http.MethodPut, path: "/api/v1/cart/items/p2", device: "d1", body: map[string]any{"quantity": 4}})
	require.Equal(t, http.StatusOK, rec.Code)
	env := decode[CartResponse](t, rec)
	require.Len(t, env.Data.Items, 1)
	assert.Equal(t, 4, env.Data.Items[0].Quantity)
	assert.Equal(t, int64(3400), env.Data.TotalAmount)

	rec = s.do(t, call{method: http.MethodPut, path: "/api/v1/cart/items/p2", device: "d1", body: map[string]any{"quantity": 0}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[CartResponse](t, rec).Data.Items)
}

func TestCart_UpdateQuantityErrors(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, call{method: http.MethodPut, path: "/api/v1/cart/items/p9", device: "d1", body: map[string]any{"quantity": 2}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, call{method: http.MethodPut, path: "/api/v1/cart/items/p9", device: "d1", body: map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[CartResponse](t, rec).Error.Code)
}

func TestCart_RemoveAndClear(t *testing.T) {
	s := newTestServer(t, nil)
	for _, id := range []string{"p1", "p2"} {
		require.Equal(t, http.StatusOK, s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", device: "d1",
			body: map[string]any{"product_id": id}}).Code)
	}

	rec := s.do(t, call{method: http.MethodDelete, path: "/api/v1/cart/items/p1", device: "d1"})
	require.Equal(t, http.StatusOK, rec.Code)
	env := decode[CartResponse](t, rec)
	require.Len(t, env.Data.Items, 1)
	assert.Equal(t, "p2", env.Data.Items[0].ProductID)

	rec = s.do(t, call{method: http.MethodDelete, path: "/api/v1/cart/items/p1", device: "d1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, call{method: http.MethodDelete, path: "/api/v1/cart", device: "d1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[CartResponse](t, rec).Data.ItemCount)
}

func TestCart_Contains(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", device: "d1",
		body: map[string]any{"product_id": "p1", "variant_id": "v1"}}).Code)

	tests := []struct {
		query string
		want  bool
	}{
		{"product_id=p1&variant_id=v1", true},
		{"product_id=p1", false},
		{"product_id=p2", false},
	}
	for _, tt := range tests {
		rec := s.do(t, call{method: http.MethodGet, path: "/api/v1/cart/contains?" + tt.query, device: "d1"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, tt.want, decode[ContainsResponse](t, rec).Data.Contains, tt.query)
	}

	rec := s.do(t, call{method: http.MethodGet, path: "/api/v1/cart/contains", device: "d1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCart_DevicesAreIsolated(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", device: "d1",
		body: map[string]any{"product_id": "p1"}}).Code)

	rec := s.do(t, call{method: http.MethodGet, path: "/api/v1/cart", device: "d2"})
	assert.Zero(t, decode[CartResponse](t, rec).Data.ItemCount)
}

// ============================================================================
// Identity
// ============================================================================

func TestCart_IdentifiedVisitorUsesRemoteStore(t *testing.T) {
	s := newTestServer(t, nil)
	token := s.token(t, "u1")

	require.Equal(t, http.StatusOK, s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", device: "d1",
		body: map[string]any{"product_id": "p2"}}).Code)

	rec := s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", device: "d1", token: token,
		body: map[string]any{"product_id": "p1", "quantity": 3}})
	require.Equal(t, http.StatusOK, rec.Code)
	env := decode[CartResponse](t, rec)
	assert.Equal(t, store.BackendRemote, env.Data.Backend)
	require.Len(t, env.Data.Items, 1)
	assert.Equal(t, "p1", env.Data.Items[0].ProductID)
	assert.Equal(t, 3, env.Data.Items[0].Quantity)
	assert.Equal(t, int64(1), s.client.HLen(context.Background(), "users:u1:cart").Val())

	// Signing out shows the device's cart again.
	rec = s.do(t, call{method: http.MethodGet, path: "/api/v1/cart", device: "d1"})
	env = decode[CartResponse](t, rec)
	assert.Equal(t, store.BackendLocal, env.Data.Backend)
	require.Len(t, env.Data.Items, 1)
	assert.Equal(t, "p2", env.Data.Items[0].ProductID)
}

func TestCart_InvalidTokenIsAnonymous(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, call{method: http.MethodGet, path: "/api/v1/cart", device: "d1", token: "not-a-jwt"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.BackendLocal, decode[CartResponse](t, rec).Data.Backend)
}

func TestCart_RemoteClearConverges(t *testing.T) {
	s := newTestServer(t, nil)
	token := s.token(t, "u2")
	for _, id := range []string{"p1", "p2"} {
		require.Equal(t, http.StatusOK, s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", device: "d1", token: token,
			body: map[string]any{"product_id": id}}).Code)
	}

	rec := s.do(t, call{method: http.MethodDelete, path: "/api/v1/cart", device: "d1", token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[CartResponse](t, rec).Data.ItemCount)
	assert.Zero(t, s.client.Exists(context.Background(), "users:u2:cart").Val())
}

// ============================================================================
// Wishlist
// ============================================================================

func TestWishlist_AddDuplicateRemove(t *testing.T) {
	s := newTestServer(t, nil)
	add := call{method: http.MethodPost, path: "/api/v1/wishlist/items", device: "d1", body: map[string]any{"product_id": "p2"}}

	rec := s.do(t, add)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decode[WishlistResponse](t, rec)
	require.Len(t, env.Data.Items, 1)
	assert.Equal(t, 1, env.Data.ItemCount)
	assert.Equal(t, int64(850), env.Data.TotalAmount)

	rec = s.do(t, add)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_EXISTS", decode[WishlistResponse](t, rec).Error.Code)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/v1/wishlist/contains?product_id=p2", device: "d1"})
	assert.True(t, decode[ContainsResponse](t, rec).Data.Contains)

	rec = s.do(t, call{method: http.MethodDelete, path: "/api/v1/wishlist/items/p2", device: "d1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[WishlistResponse](t, rec).Data.Items)
}

func TestWishlist_IdentifiedAddAndClear(t *testing.T) {
	s := newTestServer(t, nil)
	token := s.token(t, "u3")

	rec := s.do(t, call{method: http.MethodPost, path: "/api/v1/wishlist/items", device: "d1", token: token,
		body: map[string]any{"product_id": "p1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	env := decode[WishlistResponse](t, rec)
	assert.Equal(t, store.BackendRemote, env.Data.Backend)
	assert.Len(t, env.Data.Items, 1)

	rec = s.do(t, call{method: http.MethodDelete, path: "/api/v1/wishlist", device: "d1", token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[WishlistResponse](t, rec).Data.ItemCount)
}

// ============================================================================
// Notices and ops
// ============================================================================

func TestNotices_DrainOnce(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", device: "d1",
		body: map[string]any{"product_id": "p1"}}).Code)
	require.Equal(t, http.StatusOK, s.do(t, call{method: http.MethodPost, path: "/api/v1/wishlist/items", device: "d1",
		body: map[string]any{"product_id": "p1"}}).Code)
	require.Equal(t, http.StatusConflict, s.do(t, call{method: http.MethodPost, path: "/api/v1/wishlist/items", device: "d1",
		body: map[string]any{"product_id": "p1"}}).Code)

	rec := s.do(t, call{method: http.MethodGet, path: "/api/v1/notices", device: "d1"})
	require.Equal(t, http.StatusOK, rec.Code)
	notices := decode[NoticesResponse](t, rec).Data.Notices
	require.Len(t, notices, 3)
	assert.Equal(t, "Linen Shirt added to cart!", notices[0].Message)
	assert.Equal(t, "Linen Shirt added to wishlist!", notices[1].Message)
	assert.Equal(t, "Item already in wishlist", notices[2].Message)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/v1/notices", device: "d1"})
	assert.Contains(t, rec.Body.String(), `"notices":[]`)
}

func TestRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := newTestServer(t, middleware.NewRateLimiter(ctx, 0.001, 2, logger.Discard()))

	get := call{method: http.MethodGet, path: "/api/v1/cart", device: "d1"}
	assert.Equal(t, http.StatusOK, s.do(t, get).Code)
	assert.Equal(t, http.StatusOK, s.do(t, get).Code)

	rec := s.do(t, get)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decode[CartResponse](t, rec).Error.Code)

	// Buckets are per device.
	assert.Equal(t, http.StatusOK, s.do(t, call{method: http.MethodGet, path: "/api/v1/cart", device: "d2"}).Code)
}

func TestOpsEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, call{method: http.MethodGet, path: "/health/live"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, call{method: http.MethodGet, path: "/health/ready"})
	assert.Equal(t, http.StatusOK, rec.Code)

	s.do(t, call{method: http.MethodGet, path: "/api/v1/cart", device: "d1"})
	rec = s.do(t, call{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}
