// Package store defines the persistence contract shared by the local and
// remote collection backends.
package store

import (
	"context"
)

// Backend names used in logs, metrics and traces.
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Adapter persists one collection.
type Adapter[T any] interface {
	Load(ctx context.Context) ([]T, error)
	Put(ctx context.Context, item T) error
	// UpdateQuantity sets an existing item's quantity. A missing item yields
	// an error wrapping apperrors.ErrNotFound.
	UpdateQuantity(ctx context.Context, id string, quantity int) error
	Delete(ctx context.Context, id string) error
	ClearAll(ctx context.Context) error
}

// Subscription is a live feed opened by Subscriber.Subscribe.
type Subscription interface {
	Close() error
}

// Subscriber is implemented by backends with an independent writer. Such a
// backend pushes the full collection to onChange after every change, starting
// with the current contents. The view of a subscribed backend is never
// updated optimistically, so it can trail the store; adds go through Merge,
// which reads the stored item instead of the view.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context, onChange func([]T)) (Subscription, error)
	// Merge stores item when nothing is stored under its id. Otherwise it
	// stores the existing item with item's units added, and writes nothing
	// when that leaves the units unchanged. The read and the write are atomic
	// against other writers. existed reports whether an item was stored.
	Merge(ctx context.Context, item T) (existed bool, err error)
}

// Subscribable reports whether a is a confirmed-update backend.
func Subscribable[T any](a Adapter[T]) (Subscriber[T], bool) {
	s, ok := a.(Subscriber[T])
	return s, ok
}

// SubscriptionFunc adapts a close function to Subscription.
type SubscriptionFunc func() error

// Close implements Subscription.
func (f SubscriptionFunc) Close() error { return f() }
