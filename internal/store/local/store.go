// Package local implements the device-scoped collection store used for
// anonymous visitors.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/utafrali/storefront/internal/domain"
	apperrors "github.com/utafrali/storefront/pkg/errors"
)

// Store keeps one collection under a single KV key as a JSON array. Every
// mutation rewrites the whole key; an empty collection deletes it.
type Store[T domain.Item[T]] struct {
	kv     KV
	key    string
	logger *slog.Logger

	mu     sync.Mutex
	items  []T
	loaded bool
}

// New creates a store for the collection named key.
func New[T domain.Item[T]](kv KV, key string, logger *slog.Logger) *Store[T] {
	return &Store[T]{kv: kv, key: key, logger: logger}
}

// Load reads the collection. Missing or corrupt content yields an empty
// collection; corrupt content is also removed from the KV.
func (s *Store[T]) Load(ctx context.Context) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(ctx); err != nil {
		return nil, err
	}
	return slices.Clone(s.items), nil
}

func (s *Store[T]) loadLocked(ctx context.Context) error {
	data, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return apperrors.Unavailable("local store unavailable", err)
	}
	s.items, s.loaded = nil, true
	if !ok {
		return nil
	}

	items, err := decode[T](data)
	if err != nil {
		s.logger.WarnContext(ctx, "discarding corrupt local collection",
			slog.String("key", s.key),
			slog.String("error", err.Error()),
		)
		if err := s.kv.Delete(ctx, s.key); err != nil {
			s.logger.WarnContext(ctx, "failed to delete corrupt local collection",
				slog.String("key", s.key),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}
	s.items = items
	return nil
}

func decode[T domain.Item[T]](data []byte) ([]T, error) {
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if err := item.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[item.ItemID()]; dup {
			return nil, fmt.Errorf("duplicate item %q", item.ItemID())
		}
		seen[item.ItemID()] = struct{}{}
	}
	return items, nil
}

// mutate applies fn to the in-memory collection and persists the result.
// The in-memory copy is kept even when the write fails.
func (s *Store[T]) mutate(ctx context.Context, fn func([]T) ([]T, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.loadLocked(ctx); err != nil {
			return err
		}
	}

	next, err := fn(slices.Clone(s.items))
	if err != nil {
		return err
	}
	s.items = next
	return s.persistLocked(ctx)
}

func (s *Store[T]) persistLocked(ctx context.Context) error {
	if len(s.items) == 0 {
		if err := s.kv.Delete(ctx, s.key); err != nil {
			return apperrors.Unavailable("local store unavailable", err)
		}
		return nil
	}

	data, err := json.Marshal(s.items)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", s.key, err)
	}
	if err := s.kv.Set(ctx, s.key, data); err != nil {
		return apperrors.Unavailable("local store unavailable", err)
	}
	return nil
}

// Put inserts item, or replaces the item with the same id.
func (s *Store[T]) Put(ctx context.Context, item T) error {
	if err := item.Validate(); err != nil {
		return err
	}
	return s.mutate(ctx, func(items []T) ([]T, error) {
		if i := indexOf(items, item.ItemID()); i >= 0 {
			items[i] = item
			return items, nil
		}
		return append([]T{item}, items...), nil
	})
}

// UpdateQuantity sets the quantity of an existing item.
func (s *Store[T]) UpdateQuantity(ctx context.Context, id string, quantity int) error {
	return s.mutate(ctx, func(items []T) ([]T, error) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, apperrors.NotFound(s.key+" item", id)
		}
		items[i] = items[i].WithUnits(quantity)
		return items, nil
	})
}

// Delete removes the item with id. Removing a missing item is a no-op.
func (s *Store[T]) Delete(ctx context.Context, id string) error {
	return s.mutate(ctx, func(items []T) ([]T, error) {
		if i := indexOf(items, id); i >= 0 {
			return slices.Delete(items, i, i+1), nil
		}
		return items, nil
	})
}

// ClearAll empties the collection and deletes the key.
func (s *Store[T]) ClearAll(ctx context.Context) error {
	return s.mutate(ctx, func([]T) ([]T, error) { return nil, nil })
}

func indexOf[T domain.Item[T]](items []T, id string) int {
	return slices.IndexFunc(items, func(item T) bool { return item.ItemID() == id })
}
