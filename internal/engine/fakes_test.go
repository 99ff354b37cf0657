package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/utafrali/storefront/internal/domain"
	"github.com/utafrali/storefront/internal/store"
	"github.com/utafrali/storefront/internal/store/local"
	apperrors "github.com/utafrali/storefront/pkg/errors"
)

// fakeRemote is an in-memory confirmed backend. Every successful change is
// pushed to subscribers unless held. With lagging set, a new subscriber gets
// its first snapshot from another goroutine after firstDelay; with silent
// set it gets none.
type fakeRemote[T domain.Item[T]] struct {
	mu         sync.Mutex
	items      map[string]T
	subs       map[int]func([]T)
	nextSub    int
	held       bool
	lagging    bool
	silent     bool
	firstDelay time.Duration
	failDelete map[string]bool
	failPut    error
	failSub    error
	lastFeed   func([]T)
}

func newFakeRemote[T domain.Item[T]]() *fakeRemote[T] {
	return &fakeRemote[T]{
		items:      make(map[string]T),
		subs:       make(map[int]func([]T)),
		failDelete: make(map[string]bool),
	}
}

var (
	_ store.Adapter[domain.CartItem]    = (*fakeRemote[domain.CartItem])(nil)
	_ store.Subscriber[domain.CartItem] = (*fakeRemote[domain.CartItem])(nil)
)

func (f *fakeRemote[T]) snapshotLocked() []T {
	return slices.Collect(maps.Values(f.items))
}

func (f *fakeRemote[T]) push() {
	f.mu.Lock()
	if f.held {
		f.mu.Unlock()
		return
	}
	snap := f.snapshotLocked()
	subs := slices.Collect(maps.Values(f.subs))
	f.mu.Unlock()

	for _, fn := range subs {
		fn(slices.Clone(snap))
	}
}

// hold stops pushes until release.
func (f *fakeRemote[T]) hold() {
	f.mu.Lock()
	f.held = true
	f.mu.Unlock()
}

func (f *fakeRemote[T]) release() {
	f.mu.Lock()
	f.held = false
	f.mu.Unlock()
	f.push()
}

func (f *fakeRemote[T]) seed(items ...T) {
	f.mu.Lock()
	for _, item := range items {
		f.items[item.ItemID()] = item
	}
	f.mu.Unlock()
	f.push()
}

func (f *fakeRemote[T]) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *fakeRemote[T]) get(id string) (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	return item, ok
}

func (f *fakeRemote[T]) Load(context.Context) ([]T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked(), nil
}

func (f *fakeRemote[T]) Put(_ context.Context, item T) error {
	f.mu.Lock()
	if f.failPut != nil {
		f.mu.Unlock()
		return f.failPut
	}
	f.items[item.ItemID()] = item
	f.mu.Unlock()
	f.push()
	return nil
}

func (f *fakeRemote[T]) Merge(_ context.Context, item T) (bool, error) {
	f.mu.Lock()
	if f.failPut != nil {
		f.mu.Unlock()
		return false, f.failPut
	}
	cur, existed := f.items[item.ItemID()]
	stored := item
	if existed {
		stored = cur.WithUnits(cur.Units() + item.Units())
		if stored.Units() == cur.Units() {
			f.mu.Unlock()
			return true, nil
		}
	}
	f.items[item.ItemID()] = stored
	f.mu.Unlock()
	f.push()
	return existed, nil
}

func (f *fakeRemote[T]) UpdateQuantity(_ context.Context, id string, quantity int) error {
	f.mu.Lock()
	item, ok := f.items[id]
	if !ok {
		f.mu.Unlock()
		return apperrors.NotFound("item", id)
	}
	f.items[id] = item.WithUnits(quantity)
	f.mu.Unlock()
	f.push()
	return nil
}

func (f *fakeRemote[T]) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	if f.failDelete[id] {
		f.mu.Unlock()
		return apperrors.Unavailable("remote store unavailable", fmt.Errorf("delete %s refused", id))
	}
	delete(f.items, id)
	f.mu.Unlock()
	f.push()
	return nil
}

func (f *fakeRemote[T]) ClearAll(ctx context.Context) error {
	f.mu.Lock()
	ids := slices.Collect(maps.Keys(f.items))
	f.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := f.Delete(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fakeRemote[T]) Subscribe(_ context.Context, onChange func([]T)) (store.Subscription, error) {
	f.mu.Lock()
	if f.failSub != nil {
		err := f.failSub
		f.failSub = nil
		f.mu.Unlock()
		return nil, err
	}
	id := f.nextSub
	f.nextSub++
	f.subs[id] = onChange
	f.lastFeed = onChange
	snap := f.snapshotLocked()
	lagging, silent, delay := f.lagging, f.silent, f.firstDelay
	f.mu.Unlock()

	switch {
	case silent:
	case lagging:
		go func() {
			time.Sleep(delay)
			onChange(snap)
		}()
	default:
		onChange(snap)
	}

	return store.SubscriptionFunc(func() error {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		return nil
	}), nil
}

func (f *fakeRemote[T]) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// plainRemote hides Subscribe so the backend is treated as optimistic.
type plainRemote[T domain.Item[T]] struct {
	store.Adapter[T]
}

// flakyKV fails writes on demand.
type flakyKV struct {
	*local.MemoryKV

	mu   sync.Mutex
	fail bool
}

func (k *flakyKV) setFail(fail bool) {
	k.mu.Lock()
	k.fail = fail
	k.mu.Unlock()
}

func (k *flakyKV) Set(ctx context.Context, key string, value []byte) error {
	k.mu.Lock()
	fail := k.fail
	k.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return k.MemoryKV.Set(ctx, key, value)
}
