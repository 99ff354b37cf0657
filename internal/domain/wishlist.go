package domain

import (
	"fmt"
	"time"

	apperrors "github.com/utafrali/storefront/pkg/errors"
	"github.com/utafrali/storefront/pkg/validator"
)

// WishlistItem is one saved product. Its id is the product id.
type WishlistItem struct {
	ID        string    `json:"id" firestore:"id" validate:"required"`
	ProductID string    `json:"product_id" firestore:"productId" validate:"required,identifier"`
	Product   Product   `json:"product" firestore:"product"`
	AddedAt   time.Time `json:"added_at" firestore:"addedAt" validate:"required"`
}

// WishlistKind describes the wishlist collection.
var WishlistKind = Kind[WishlistItem]{
	Name:     "wishlist",
	Additive: false,
	New:      NewWishlistItem,
}

// NewWishlistItem builds a wishlist entry. Quantity and variant are ignored.
func NewWishlistItem(p Product, _ int, _ *ProductVariant, now time.Time) WishlistItem {
	return WishlistItem{
		ID:        p.ID,
		ProductID: p.ID,
		Product:   p,
		AddedAt:   now.UTC(),
	}
}

func (i WishlistItem) ItemID() string { return i.ID }

func (i WishlistItem) ItemKey() Key { return Key{ProductID: i.ProductID} }

func (i WishlistItem) Units() int { return 1 }

func (i WishlistItem) UnitPrice() int64 { return EffectivePrice(i.Product, nil) }

func (i WishlistItem) Added() time.Time { return i.AddedAt }

func (i WishlistItem) WithUnits(int) WishlistItem { return i }

// Validate checks the item's fields and that its id is its product id.
func (i WishlistItem) Validate() error {
	if err := validator.Validate(i); err != nil {
		return apperrors.InvalidInput(fmt.Sprintf("wishlist item %q: %v", i.ID, err))
	}
	if i.ID != i.ProductID {
		return apperrors.InvalidInput(fmt.Sprintf("wishlist item id %q does not match product %q", i.ID, i.ProductID))
	}
	return nil
}
