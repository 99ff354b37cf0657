package domain

import (
	"fmt"
	"time"

	apperrors "github.com/utafrali/storefront/pkg/errors"
	"github.com/utafrali/storefront/pkg/validator"
)

// CartItem is one line of a cart.
type CartItem struct {
	ID        string          `json:"id" firestore:"id" validate:"required"`
	ProductID string          `json:"product_id" firestore:"productId" validate:"required,identifier"`
	Product   Product         `json:"product" firestore:"product"`
	Quantity  int             `json:"quantity" firestore:"quantity" validate:"gte=1"`
	Variant   *ProductVariant `json:"variant,omitempty" firestore:"variant,omitempty"`
	AddedAt   time.Time       `json:"added_at" firestore:"addedAt" validate:"required"`
}

// CartKind describes the cart collection.
var CartKind = Kind[CartItem]{
	Name:     "cart",
	Additive: true,
	New:      NewCartItem,
}

// NewCartItem builds a cart line for product p. Quantities below one become one.
func NewCartItem(p Product, quantity int, v *ProductVariant, now time.Time) CartItem {
	if quantity < 1 {
		quantity = 1
	}
	key := Key{ProductID: p.ID}
	if v != nil {
		key.VariantID = v.ID
	}
	return CartItem{
		ID:        key.ItemID(),
		ProductID: p.ID,
		Product:   p,
		Quantity:  quantity,
		Variant:   v,
		AddedAt:   now.UTC(),
	}
}

func (i CartItem) ItemID() string { return i.ID }

func (i CartItem) ItemKey() Key {
	k := Key{ProductID: i.ProductID}
	if i.Variant != nil {
		k.VariantID = i.Variant.ID
	}
	return k
}

func (i CartItem) Units() int { return i.Quantity }

func (i CartItem) UnitPrice() int64 { return EffectivePrice(i.Product, i.Variant) }

func (i CartItem) Added() time.Time { return i.AddedAt }

func (i CartItem) WithUnits(n int) CartItem {
	i.Quantity = n
	return i
}

// LineTotal is the line's price times quantity.
func (i CartItem) LineTotal() int64 { return i.UnitPrice() * int64(i.Quantity) }

// Validate checks the item's fields and that its id matches its key.
func (i CartItem) Validate() error {
	if err := validator.Validate(i); err != nil {
		return apperrors.InvalidInput(fmt.Sprintf("cart item %q: %v", i.ID, err))
	}
	if want := i.ItemKey().ItemID(); i.ID != want {
		return apperrors.InvalidInput(fmt.Sprintf("cart item id %q does not match key %q", i.ID, want))
	}
	return nil
}
