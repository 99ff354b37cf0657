package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/storefront/internal/catalog"
	"github.com/utafrali/storefront/internal/domain"
	"github.com/utafrali/storefront/internal/view"
	apperrors "github.com/utafrali/storefront/pkg/errors"
	"github.com/utafrali/storefront/pkg/httputil"
)

// CartHandler handles HTTP requests for cart endpoints.
type CartHandler struct {
	catalog        catalog.Reader
	policy         view.Policy
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// NewCartHandler creates a new cart HTTP handler.
func NewCartHandler(reader catalog.Reader, policy view.Policy, confirmTimeout time.Duration, logger *slog.Logger) *CartHandler {
	return &CartHandler{
		catalog:        reader,
		policy:         policy,
		confirmTimeout: confirmTimeout,
		logger:         logger,
	}
}

// --- Request DTOs ---

// AddCartItemRequest is the JSON request body for adding an item to the cart.
// A missing quantity adds one unit.
type AddCartItemRequest struct {
	ProductID string `json:"product_id" validate:"required,max=128,identifier"`
	VariantID string `json:"variant_id" validate:"omitempty,max=128,identifier"`
	Quantity  int    `json:"quantity" validate:"gte=0,lte=999"`
}

// UpdateQuantityRequest is the JSON request body for updating an item's
// quantity. Zero or less removes the item.
type UpdateQuantityRequest struct {
	Quantity *int `json:"quantity" validate:"required,lte=999"`
}

func (h *CartHandler) respond(w http.ResponseWriter, v view.View[domain.CartItem], backend string) {
	httputil.WriteData(w, CartResponse{
		Items:       nonNil(v.Items()),
		ItemCount:   v.Count(),
		TotalAmount: v.Total(),
		Summary:     view.Summarize(v.Total(), h.policy),
		Backend:     backend,
		Revision:    v.Revision(),
	})
}

// GetCart handles GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	h.respond(w, s.Cart.View(), s.Cart.State().Backend)
}

// AddItem handles POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req AddCartItemRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err, h.logger)
		return
	}

	ctx := r.Context()
	product, err := h.catalog.Product(ctx, req.ProductID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	variant, err := catalog.ResolveVariant(product, req.VariantID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	cart := sessionFromContext(ctx).Cart
	key := domain.Key{ProductID: product.ID}
	if variant != nil {
		key.VariantID = variant.ID
	}
	want := max(req.Quantity, 1)
	if existing, ok := cart.View().FindKey(key); ok {
		want += existing.Units()
	}
	if err := cart.AddItem(ctx, product, req.Quantity, variant); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	until := holds[domain.CartItem](key.ItemID(), func(n int) bool { return n >= want })
	h.respond(w, settle(ctx, cart, h.confirmTimeout, until), cart.State().Backend)
}

// UpdateItemQuantity handles PUT /api/v1/cart/items/{itemId}
func (h *CartHandler) UpdateItemQuantity(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemId")

	var req UpdateQuantityRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err, h.logger)
		return
	}

	ctx := r.Context()
	cart := sessionFromContext(ctx).Cart
	quantity := *req.Quantity
	if err := cart.UpdateQuantity(ctx, itemID, quantity); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	until := lacks[domain.CartItem](itemID)
	if quantity > 0 {
		until = holds[domain.CartItem](itemID, func(n int) bool { return n == quantity })
	}
	h.respond(w, settle(ctx, cart, h.confirmTimeout, until), cart.State().Backend)
}

// RemoveItem handles DELETE /api/v1/cart/items/{itemId}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemId")

	ctx := r.Context()
	cart := sessionFromContext(ctx).Cart
	if err := cart.RemoveItem(ctx, itemID); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	h.respond(w, settle(ctx, cart, h.confirmTimeout, lacks[domain.CartItem](itemID)), cart.State().Backend)
}

// ClearCart handles DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cart := sessionFromContext(ctx).Cart
	if err := cart.ClearAll(ctx); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	h.respond(w, settle(ctx, cart, h.confirmTimeout, empty[domain.CartItem]), cart.State().Backend)
}

// Contains handles GET /api/v1/cart/contains?product_id=&variant_id=
func (h *CartHandler) Contains(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("product_id")
	if productID == "" {
		httputil.WriteError(w, r, apperrors.InvalidInput("product_id is required"), h.logger)
		return
	}
	variantID := r.URL.Query().Get("variant_id")

	cart := sessionFromContext(r.Context()).Cart
	httputil.WriteData(w, ContainsResponse{Contains: cart.IsMember(productID, variantID)})
}
