// Package firestore implements the identity-scoped authoritative store on
// Cloud Firestore. Items live at users/{uid}/{collection}/{itemId}.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/utafrali/storefront/internal/domain"
	"github.com/utafrali/storefront/internal/store"
	"github.com/utafrali/storefront/pkg/database"
	apperrors "github.com/utafrali/storefront/pkg/errors"
)

const (
	usersCollection = "users"

	clearConcurrency = 8

	// listenRetryDelay is the pause before a failed snapshot listener is
	// reopened.
	listenRetryDelay = time.Second
)

// Store is one user's collection.
type Store[T domain.Item[T]] struct {
	client     *firestore.Client
	userID     string
	collection string
	logger     *slog.Logger
}

var (
	_ store.Adapter[domain.WishlistItem]    = (*Store[domain.WishlistItem])(nil)
	_ store.Subscriber[domain.WishlistItem] = (*Store[domain.WishlistItem])(nil)
)

// New creates the store for userID's collection.
func New[T domain.Item[T]](client *firestore.Client, userID, collection string, logger *slog.Logger) *Store[T] {
	return &Store[T]{
		client:     client,
		userID:     userID,
		collection: collection,
		logger:     logger,
	}
}

func (s *Store[T]) col() *firestore.CollectionRef {
	return s.client.Collection(usersCollection).Doc(s.userID).Collection(s.collection)
}

// Path is the collection path, for logs.
func (s *Store[T]) Path() string {
	return usersCollection + "/" + s.userID + "/" + s.collection
}

func unavailable(err error) error {
	return apperrors.Unavailable("remote store unavailable", err)
}

// Load reads every document of the collection.
func (s *Store[T]) Load(ctx context.Context) ([]T, error) {
	ctx, done := database.TraceQuery(ctx, "firestore", "list", s.Path())
	docs, err := s.col().Documents(ctx).GetAll()
	done(err)
	if err != nil {
		return nil, unavailable(fmt.Errorf("list %s: %w", s.Path(), err))
	}
	return s.decode(ctx, docs), nil
}

// decode converts documents to items, skipping any that do not decode or
// validate.
func (s *Store[T]) decode(ctx context.Context, docs []*firestore.DocumentSnapshot) []T {
	items := make([]T, 0, len(docs))
	for _, doc := range docs {
		item, err := decodeDoc[T](doc)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping invalid remote item",
				slog.String("path", s.Path()),
				slog.String("item_id", doc.Ref.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		items = append(items, item)
	}
	return items
}

func decodeDoc[T domain.Item[T]](doc *firestore.DocumentSnapshot) (T, error) {
	var item T
	if err := doc.DataTo(&item); err != nil {
		return item, fmt.Errorf("decode: %w", err)
	}
	if err := item.Validate(); err != nil {
		return item, err
	}
	if item.ItemID() != doc.Ref.ID {
		return item, fmt.Errorf("item id %q does not match document %q", item.ItemID(), doc.Ref.ID)
	}
	return item, nil
}

// Put writes item as the document named by its id.
func (s *Store[T]) Put(ctx context.Context, item T) error {
	if err := item.Validate(); err != nil {
		return err
	}

	ctx, done := database.TraceQuery(ctx, "firestore", "set", s.Path()+"/"+item.ItemID())
	_, err := s.col().Doc(item.ItemID()).Set(ctx, item)
	done(err)
	if err != nil {
		return unavailable(fmt.Errorf("set %s/%s: %w", s.Path(), item.ItemID(), err))
	}
	return nil
}

// UpdateQuantity patches the quantity field of an existing document.
func (s *Store[T]) UpdateQuantity(ctx context.Context, id string, quantity int) error {
	ctx, done := database.TraceQuery(ctx, "firestore", "update", s.Path()+"/"+id)
	_, err := s.col().Doc(id).Update(ctx, []firestore.Update{
		{Path: "quantity", Value: quantity},
	})
	done(err)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return apperrors.NotFound(s.collection+" item", id)
		}
		return unavailable(fmt.Errorf("update %s/%s: %w", s.Path(), id, err))
	}
	return nil
}

// Merge adds item's units to the stored document with the same id, or
// creates it, inside a transaction.
func (s *Store[T]) Merge(ctx context.Context, item T) (bool, error) {
	if err := item.Validate(); err != nil {
		return false, err
	}
	ref := s.col().Doc(item.ItemID())

	ctx, done := database.TraceQuery(ctx, "firestore", "merge", s.Path()+"/"+item.ItemID())
	var existed bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existed = false
		doc, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return tx.Create(ref, item)
		}
		if err != nil {
			return err
		}

		cur, err := decodeDoc[T](doc)
		if err != nil {
			s.logger.WarnContext(ctx, "replacing invalid remote item",
				slog.String("path", s.Path()),
				slog.String("item_id", item.ItemID()),
				slog.String("error", err.Error()),
			)
			return tx.Set(ref, item)
		}
		existed = true
		merged := cur.WithUnits(cur.Units() + item.Units())
		if merged.Units() == cur.Units() {
			return nil
		}
		return tx.Set(ref, merged)
	})
	done(err)
	if err != nil {
		return false, unavailable(fmt.Errorf("merge %s/%s: %w", s.Path(), item.ItemID(), err))
	}
	return existed, nil
}

// Delete removes the document with id. Deleting a missing document succeeds.
func (s *Store[T]) Delete(ctx context.Context, id string) error {
	ctx, done := database.TraceQuery(ctx, "firestore", "delete", s.Path()+"/"+id)
	_, err := s.col().Doc(id).Delete(ctx)
	done(err)
	if err != nil {
		return unavailable(fmt.Errorf("delete %s/%s: %w", s.Path(), id, err))
	}
	return nil
}

// ClearAll deletes every document concurrently and waits for all of them.
// Failed deletes are joined into the returned error.
func (s *Store[T]) ClearAll(ctx context.Context) error {
	refs, err := s.col().DocumentRefs(ctx).GetAll()
	if err != nil {
		return unavailable(fmt.Errorf("list %s: %w", s.Path(), err))
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(clearConcurrency)
	for _, ref := range refs {
		g.Go(func() error {
			if err := s.Delete(ctx, ref.ID); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// Subscribe runs a snapshot listener on the collection. Every query snapshot,
// starting with the current contents, is delivered to onChange as the full
// item set. A listener that fails is reopened until the subscription closes.
func (s *Store[T]) Subscribe(ctx context.Context, onChange func([]T)) (store.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			err := s.listen(ctx, onChange)
			if ctx.Err() != nil {
				return
			}
			s.logger.WarnContext(ctx, "firestore listener stopped, reopening",
				slog.String("path", s.Path()),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(listenRetryDelay):
			}
		}
	}()

	var once sync.Once
	return store.SubscriptionFunc(func() error {
		once.Do(func() {
			cancel()
			<-done
		})
		return nil
	}), nil
}

func (s *Store[T]) listen(ctx context.Context, onChange func([]T)) error {
	it := s.col().Snapshots(ctx)
	defer it.Stop()

	for {
		qs, err := it.Next()
		if err != nil {
			return err
		}
		docs, err := qs.Documents.GetAll()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		onChange(s.decode(ctx, docs))
	}
}
