package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/utafrali/storefront/internal/domain"
	"github.com/utafrali/storefront/internal/engine"
	"github.com/utafrali/storefront/internal/notify"
	"github.com/utafrali/storefront/internal/view"
	"github.com/utafrali/storefront/pkg/httputil"
	"github.com/utafrali/storefront/pkg/validator"
)

// CartResponse is the cart as returned by every cart endpoint.
type CartResponse struct {
	Items       []domain.CartItem `json:"items"`
	ItemCount   int               `json:"item_count"`
	TotalAmount int64             `json:"total_amount"`
	Summary     view.Summary      `json:"summary"`
	Backend     string            `json:"backend"`
	Revision    uint64            `json:"revision"`
}

// WishlistResponse is the wishlist as returned by every wishlist endpoint.
type WishlistResponse struct {
	Items       []domain.WishlistItem `json:"items"`
	ItemCount   int                   `json:"item_count"`
	TotalAmount int64                 `json:"total_amount"`
	Backend     string                `json:"backend"`
	Revision    uint64                `json:"revision"`
}

// ContainsResponse answers a membership query.
type ContainsResponse struct {
	Contains bool `json:"contains"`
}

// NoticesResponse carries the drained mutation notices, oldest first.
type NoticesResponse struct {
	Notices []notify.Notice `json:"notices"`
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// settle returns the view a mutation response carries. A confirmed backend
// only changes through its feed, so the response waits up to timeout for a
// view satisfying until.
func settle[T domain.Item[T]](ctx context.Context, e *engine.Engine[T], timeout time.Duration, until func(view.View[T]) bool) view.View[T] {
	v := e.View()
	if timeout <= 0 || !e.State().Confirmed || until(v) {
		return v
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for !until(v) {
		var err error
		if v, err = e.AwaitChange(ctx, v.Revision()); err != nil {
			return v
		}
	}
	return v
}

func holds[T domain.Item[T]](id string, units func(int) bool) func(view.View[T]) bool {
	return func(v view.View[T]) bool {
		item, ok := v.Find(id)
		return ok && units(item.Units())
	}
}

func lacks[T domain.Item[T]](id string) func(view.View[T]) bool {
	return func(v view.View[T]) bool {
		_, ok := v.Find(id)
		return !ok
	}
}

func empty[T domain.Item[T]](v view.View[T]) bool { return v.Len() == 0 }

// writeDecodeError reports a body that failed to decode or validate.
func writeDecodeError(w http.ResponseWriter, r *http.Request, err error, l *slog.Logger) {
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		httputil.WriteValidationError(w, err)
		return
	}
	httputil.WriteError(w, r, err, l)
}
