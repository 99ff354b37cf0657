// Package redis implements the identity-scoped authoritative store on Redis.
// Each collection is a hash keyed by item id; every write is followed by a
// publish on the collection's change channel, which drives subscribers.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/utafrali/storefront/internal/domain"
	"github.com/utafrali/storefront/internal/store"
	"github.com/utafrali/storefront/pkg/database"
	apperrors "github.com/utafrali/storefront/pkg/errors"
)

const (
	keyPrefix = "users:"

	// maxTxRetries bounds optimistic transaction attempts on a contended key.
	maxTxRetries = 3

	// clearConcurrency bounds the deletes ClearAll keeps in flight.
	clearConcurrency = 8

	// Backoff between failed snapshot reads of a subscription.
	snapshotRetryBase = 100 * time.Millisecond
	snapshotRetryMax  = 2 * time.Second
)

// Store is one user's collection.
type Store[T domain.Item[T]] struct {
	client     *redis.Client
	userID     string
	collection string
	logger     *slog.Logger
}

var (
	_ store.Adapter[domain.CartItem]    = (*Store[domain.CartItem])(nil)
	_ store.Subscriber[domain.CartItem] = (*Store[domain.CartItem])(nil)
)

// New creates the store for userID's collection.
func New[T domain.Item[T]](client *redis.Client, userID, collection string, logger *slog.Logger) *Store[T] {
	return &Store[T]{
		client:     client,
		userID:     userID,
		collection: collection,
		logger:     logger,
	}
}

// Key is the hash holding the collection.
func (s *Store[T]) Key() string {
	return keyPrefix + s.userID + ":" + s.collection
}

// Channel is the pub/sub channel announcing changes to the collection.
func (s *Store[T]) Channel() string {
	return s.Key() + ":changes"
}

func unavailable(err error) error {
	return apperrors.Unavailable("remote store unavailable", err)
}

// Load reads the whole collection.
func (s *Store[T]) Load(ctx context.Context) ([]T, error) {
	ctx, done := database.TraceQuery(ctx, "redis", "hgetall", "HGETALL "+s.Key())
	fields, err := s.client.HGetAll(ctx, s.Key()).Result()
	done(err)
	if err != nil {
		return nil, unavailable(fmt.Errorf("redis hgetall: %w", err))
	}

	items := make([]T, 0, len(fields))
	for id, raw := range fields {
		var item T
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			s.logger.WarnContext(ctx, "skipping undecodable remote item",
				slog.String("key", s.Key()),
				slog.String("item_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := item.Validate(); err != nil {
			s.logger.WarnContext(ctx, "skipping invalid remote item",
				slog.String("key", s.Key()),
				slog.String("item_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Put writes item under its id and announces the change.
func (s *Store[T]) Put(ctx context.Context, item T) error {
	if err := item.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal %s item: %w", s.collection, err)
	}

	ctx, done := database.TraceQuery(ctx, "redis", "hset", "HSET "+s.Key())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.Key(), item.ItemID(), data)
		pipe.Publish(ctx, s.Channel(), item.ItemID())
		return nil
	})
	done(err)
	if err != nil {
		return unavailable(fmt.Errorf("redis put: %w", err))
	}
	return nil
}

// UpdateQuantity rewrites the quantity of an existing item inside a WATCH
// transaction, so a concurrent delete is never resurrected.
func (s *Store[T]) UpdateQuantity(ctx context.Context, id string, quantity int) error {
	ctx, done := database.TraceQuery(ctx, "redis", "update_quantity", "WATCH "+s.Key())

	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, s.Key(), id).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return apperrors.NotFound(s.collection+" item", id)
			}
			return err
		}

		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return fmt.Errorf("unmarshal %s item %s: %w", s.collection, id, err)
		}
		data, err := json.Marshal(item.WithUnits(quantity))
		if err != nil {
			return fmt.Errorf("marshal %s item: %w", s.collection, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.Key(), id, data)
			pipe.Publish(ctx, s.Channel(), id)
			return nil
		})
		return err
	}

	err := s.watch(ctx, txf)
	done(err)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrConflict):
		return err
	default:
		return unavailable(fmt.Errorf("redis update quantity: %w", err))
	}
}

// Merge adds item's units to the stored item with the same id, or stores
// item when there is none, inside a WATCH transaction.
func (s *Store[T]) Merge(ctx context.Context, item T) (bool, error) {
	if err := item.Validate(); err != nil {
		return false, err
	}
	id := item.ItemID()
	ctx, done := database.TraceQuery(ctx, "redis", "merge", "WATCH "+s.Key())

	var existed bool
	txf := func(tx *redis.Tx) error {
		existed = false
		stored := item

		raw, err := tx.HGet(ctx, s.Key(), id).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var cur T
			if err := json.Unmarshal(raw, &cur); err != nil {
				s.logger.WarnContext(ctx, "replacing undecodable remote item",
					slog.String("key", s.Key()),
					slog.String("item_id", id),
					slog.String("error", err.Error()),
				)
				break
			}
			existed = true
			stored = cur.WithUnits(cur.Units() + item.Units())
			if stored.Units() == cur.Units() {
				return nil
			}
		}

		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal %s item: %w", s.collection, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.Key(), id, data)
			pipe.Publish(ctx, s.Channel(), id)
			return nil
		})
		return err
	}

	err := s.watch(ctx, txf)
	done(err)

	switch {
	case err == nil:
		return existed, nil
	case errors.Is(err, apperrors.ErrConflict):
		return false, err
	default:
		return false, unavailable(fmt.Errorf("redis merge: %w", err))
	}
}

// watch runs txf in a WATCH on the collection key, retrying when another
// writer touched the key first.
func (s *Store[T]) watch(ctx context.Context, txf func(tx *redis.Tx) error) error {
	var err error
	for range maxTxRetries {
		err = s.client.Watch(ctx, txf, s.Key())
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return apperrors.Conflict(s.collection + " item was modified concurrently")
}

// Delete removes the item with id and announces the change.
func (s *Store[T]) Delete(ctx context.Context, id string) error {
	ctx, done := database.TraceQuery(ctx, "redis", "hdel", "HDEL "+s.Key())
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.Key(), id)
		pipe.Publish(ctx, s.Channel(), id)
		return nil
	})
	done(err)
	if err != nil {
		return unavailable(fmt.Errorf("redis delete: %w", err))
	}
	return nil
}

// ClearAll deletes every item, one delete per item, and waits for all of
// them. Failed deletes are joined into the returned error; successful ones
// stay deleted.
func (s *Store[T]) ClearAll(ctx context.Context) error {
	ids, err := s.client.HKeys(ctx, s.Key()).Result()
	if err != nil {
		return unavailable(fmt.Errorf("redis hkeys: %w", err))
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(clearConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.Delete(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Subscribe delivers the current collection to onChange, then the full
// collection again after every announced change, until the subscription is
// closed or ctx ends. Calls to onChange never overlap.
func (s *Store[T]) Subscribe(ctx context.Context, onChange func([]T)) (store.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	pubsub := s.client.Subscribe(ctx, s.Channel())
	// Wait for the confirmation so no change between here and the first
	// snapshot is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, unavailable(fmt.Errorf("redis subscribe %s: %w", s.Channel(), err))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.deliver(ctx, onChange)

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				drain(ch)
				s.deliver(ctx, onChange)
			}
		}
	}()

	var once sync.Once
	return store.SubscriptionFunc(func() error {
		var err error
		once.Do(func() {
			cancel()
			err = pubsub.Close()
			<-done
		})
		return err
	}), nil
}

// drain discards queued change messages; one snapshot covers them all.
func drain(ch <-chan *redis.Message) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// deliver hands the current collection to onChange. A failed read is retried
// with backoff until it succeeds or ctx ends, so a subscriber is never left
// without a snapshot.
func (s *Store[T]) deliver(ctx context.Context, onChange func([]T)) {
	wait := snapshotRetryBase
	for {
		items, err := s.Load(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			onChange(items)
			return
		}

		s.logger.WarnContext(ctx, "remote snapshot read failed, retrying",
			slog.String("key", s.Key()),
			slog.Duration("retry_in", wait),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait = min(wait*2, snapshotRetryMax)
	}
}
