// Package view holds immutable collection snapshots and the aggregates
// derived from them.
package view

import (
	"slices"

	"github.com/utafrali/storefront/internal/domain"
)

// View is an immutable snapshot of a collection. Aggregates are computed once
// at construction; every change to the collection produces a new View.
type View[T domain.Item[T]] struct {
	items    []T
	revision uint64
	total    int64
	count    int
	byKey    map[domain.Key]int
	byID     map[string]int
}

// New builds a view over a copy of items, sorted newest first.
func New[T domain.Item[T]](items []T, revision uint64) View[T] {
	sorted := slices.Clone(items)
	domain.SortNewestFirst(sorted)

	v := View[T]{
		items:    sorted,
		revision: revision,
		byKey:    make(map[domain.Key]int, len(sorted)),
		byID:     make(map[string]int, len(sorted)),
	}
	for i, item := range sorted {
		v.total += item.UnitPrice() * int64(item.Units())
		v.count += item.Units()
		v.byKey[item.ItemKey()] = i
		v.byID[item.ItemID()] = i
	}
	return v
}

// Items returns a copy of the items, newest first.
func (v View[T]) Items() []T { return slices.Clone(v.items) }

// Len is the number of distinct items.
func (v View[T]) Len() int { return len(v.items) }

// Revision increases every time the owning engine publishes a new view.
func (v View[T]) Revision() uint64 { return v.revision }

// Total is the sum of effective price times units, in cents.
func (v View[T]) Total() int64 { return v.total }

// Count is the sum of units. For collections without quantities it is the
// number of items.
func (v View[T]) Count() int { return v.count }

// Contains reports whether an item with the given product and variant exists.
func (v View[T]) Contains(productID, variantID string) bool {
	_, ok := v.byKey[domain.Key{ProductID: productID, VariantID: variantID}]
	return ok
}

// Find returns the item with the given id.
func (v View[T]) Find(id string) (T, bool) {
	i, ok := v.byID[id]
	if !ok {
		var zero T
		return zero, false
	}
	return v.items[i], true
}

// FindKey returns the item stored under key.
func (v View[T]) FindKey(key domain.Key) (T, bool) {
	i, ok := v.byKey[key]
	if !ok {
		var zero T
		return zero, false
	}
	return v.items[i], true
}
