package domain

import (
	"cmp"
	"slices"
	"time"
)

// Key identifies one item within a collection.
type Key struct {
	ProductID string
	VariantID string
}

// KeySeparator joins the product and variant ids of a variant item. Neither
// id may contain it, so distinct keys never share an item id.
const KeySeparator = ":"

// ItemID encodes the key as the item's document id.
func (k Key) ItemID() string {
	if k.VariantID == "" {
		return k.ProductID
	}
	return k.ProductID + KeySeparator + k.VariantID
}

// SameKey reports whether a and b address the same item.
func SameKey(a, b Key) bool {
	return a.ProductID == b.ProductID && a.VariantID == b.VariantID
}

// Item is the contract shared by cart and wishlist entries. T is the
// concrete item type so WithUnits can return it without a type assertion.
type Item[T any] interface {
	ItemID() string
	ItemKey() Key
	Units() int
	UnitPrice() int64
	Added() time.Time
	// WithUnits returns a copy carrying n units. Items without a quantity
	// return themselves.
	WithUnits(n int) T
	Validate() error
}

// Kind describes one collection type.
type Kind[T any] struct {
	// Name is the collection's storage name, also used in messages.
	Name string
	// Additive collections merge quantities when the same key is added again.
	// Other collections reject the repeat as a duplicate.
	Additive bool
	New      func(p Product, quantity int, v *ProductVariant, now time.Time) T
}

// SortNewestFirst orders items by AddedAt descending, breaking ties by id.
func SortNewestFirst[T Item[T]](items []T) {
	slices.SortStableFunc(items, func(a, b T) int {
		if c := b.Added().Compare(a.Added()); c != 0 {
			return c
		}
		return cmp.Compare(a.ItemID(), b.ItemID())
	})
}
