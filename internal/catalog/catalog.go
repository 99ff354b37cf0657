// Package catalog reads product snapshots from the product catalog.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/utafrali/storefront/internal/domain"
	apperrors "github.com/utafrali/storefront/pkg/errors"
)

// Reader returns the current snapshot of a product. Unknown products yield
// an error wrapping apperrors.ErrNotFound.
type Reader interface {
	Product(ctx context.Context, id string) (domain.Product, error)
}

// ResolveVariant returns the variant of p named by variantID, or nil when
// variantID is empty.
func ResolveVariant(p domain.Product, variantID string) (*domain.ProductVariant, error) {
	if variantID == "" {
		return nil, nil
	}
	v, ok := p.Variant(variantID)
	if !ok {
		return nil, apperrors.InvalidInput(fmt.Sprintf("product %s has no variant %s", p.ID, variantID))
	}
	return v, nil
}

const cacheKeyPrefix = "catalog:product:"

// CachedReader keeps product snapshots in Redis for a short time. Cache
// failures fall through to the wrapped reader.
type CachedReader struct {
	next   Reader
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedReader wraps next with a Redis cache.
func NewCachedReader(next Reader, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedReader {
	return &CachedReader{next: next, client: client, ttl: ttl, logger: logger}
}

// Product implements Reader.
func (c *CachedReader) Product(ctx context.Context, id string) (domain.Product, error) {
	key := cacheKeyPrefix + id

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p domain.Product
		if jsonErr := json.Unmarshal(data, &p); jsonErr == nil {
			return p, nil
		}
	case !errors.Is(err, redis.Nil):
		c.logger.WarnContext(ctx, "catalog cache read failed",
			slog.String("product_id", id),
			slog.String("error", err.Error()),
		)
	}

	p, err := c.next.Product(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	if data, err := json.Marshal(p); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.WarnContext(ctx, "catalog cache write failed",
				slog.String("product_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return p, nil
}
