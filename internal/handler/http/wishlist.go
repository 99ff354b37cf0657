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

// WishlistHandler handles HTTP requests for wishlist endpoints.
type WishlistHandler struct {
	catalog        catalog.Reader
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// NewWishlistHandler creates a new wishlist HTTP handler.
func NewWishlistHandler(reader catalog.Reader, confirmTimeout time.Duration, logger *slog.Logger) *WishlistHandler {
	return &WishlistHandler{
		catalog:        reader,
		confirmTimeout: confirmTimeout,
		logger:         logger,
	}
}

// AddWishlistItemRequest is the JSON request body for adding a product to
// the wishlist.
type AddWishlistItemRequest struct {
	ProductID string `json:"product_id" validate:"required,max=128,identifier"`
}

func (h *WishlistHandler) respond(w http.ResponseWriter, v view.View[domain.WishlistItem], backend string) {
	httputil.WriteData(w, WishlistResponse{
		Items:       nonNil(v.Items()),
		ItemCount:   v.Count(),
		TotalAmount: v.Total(),
		Backend:     backend,
		Revision:    v.Revision(),
	})
}

// GetWishlist handles GET /api/v1/wishlist
func (h *WishlistHandler) GetWishlist(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	h.respond(w, s.Wishlist.View(), s.Wishlist.State().Backend)
}

// AddItem handles POST /api/v1/wishlist/items
func (h *WishlistHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req AddWishlistItemRequest
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

	wishlist := sessionFromContext(ctx).Wishlist
	if err := wishlist.AddItem(ctx, product, 1, nil); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	until := holds[domain.WishlistItem](product.ID, func(int) bool { return true })
	h.respond(w, settle(ctx, wishlist, h.confirmTimeout, until), wishlist.State().Backend)
}

// RemoveItem handles DELETE /api/v1/wishlist/items/{productId}
func (h *WishlistHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productId")

	ctx := r.Context()
	wishlist := sessionFromContext(ctx).Wishlist
	if err := wishlist.RemoveItem(ctx, productID); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	h.respond(w, settle(ctx, wishlist, h.confirmTimeout, lacks[domain.WishlistItem](productID)), wishlist.State().Backend)
}

// ClearWishlist handles DELETE /api/v1/wishlist
func (h *WishlistHandler) ClearWishlist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wishlist := sessionFromContext(ctx).Wishlist
	if err := wishlist.ClearAll(ctx); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	h.respond(w, settle(ctx, wishlist, h.confirmTimeout, empty[domain.WishlistItem]), wishlist.State().Backend)
}

// Contains handles GET /api/v1/wishlist/contains?product_id=
func (h *WishlistHandler) Contains(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("product_id")
	if productID == "" {
		httputil.WriteError(w, r, apperrors.InvalidInput("product_id is required"), h.logger)
		return
	}

	wishlist := sessionFromContext(r.Context()).Wishlist
	httputil.WriteData(w, ContainsResponse{Contains: wishlist.IsMember(productID, "")})
}
