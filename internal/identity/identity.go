// Package identity holds the verified visitor identity consumed by the
// collection engines.
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/utafrali/storefront/pkg/middleware"
)

// Identity is a verified user. The zero value means anonymous.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

// Anonymous reports whether no user is identified.
func (i Identity) Anonymous() bool { return i.UserID == "" }

// FromClaims converts validated token claims. Nil claims yield anonymous.
func FromClaims(c *middleware.Claims) Identity {
	if c == nil {
		return Identity{}
	}
	return Identity{UserID: c.UserID, Email: c.Email, Role: c.Role}
}

// WatchFunc is called with the new identity after it changes.
type WatchFunc func(ctx context.Context, id Identity) error

// Holder is the current identity of one visitor.
type Holder struct {
	mu       sync.Mutex
	current  Identity
	set      bool
	watchers map[int]WatchFunc
	next     int
}

// NewHolder creates a Holder with no identity applied yet.
func NewHolder() *Holder {
	return &Holder{watchers: make(map[int]WatchFunc)}
}

// Get returns the current identity.
func (h *Holder) Get() Identity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Watch registers fn and returns a function that unregisters it.
func (h *Holder) Watch(fn WatchFunc) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.watchers[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.watchers, id)
		h.mu.Unlock()
	}
}

// Reset forgets that an identity was applied, so the next Set notifies
// watchers even for the same user.
func (h *Holder) Reset() {
	h.mu.Lock()
	h.set = false
	h.mu.Unlock()
}

// Set applies id. Watchers run, in registration order, only when the user
// changes or on the first Set; their errors are joined. Email or role changes
// for the same user update the holder silently.
func (h *Holder) Set(ctx context.Context, id Identity) error {
	h.mu.Lock()
	changed := !h.set || h.current.UserID != id.UserID
	h.current = id
	h.set = true
	var fns []WatchFunc
	if changed {
		for i := 0; i < h.next; i++ {
			if fn, ok := h.watchers[i]; ok {
				fns = append(fns, fn)
			}
		}
	}
	h.mu.Unlock()

	var errs []error
	for _, fn := range fns {
		if err := fn(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
