// Package engine keeps a collection view consistent with whichever backend
// is active for the visitor: the device's local store while anonymous, the
// user's remote store once identified.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/utafrali/storefront/internal/domain"
	"github.com/utafrali/storefront/internal/notify"
	"github.com/utafrali/storefront/internal/store"
	"github.com/utafrali/storefront/internal/view"
	apperrors "github.com/utafrali/storefront/pkg/errors"
	"github.com/utafrali/storefront/pkg/logger"
	"github.com/utafrali/storefront/pkg/tracing"
)

const tracerName = "github.com/utafrali/storefront/internal/engine"

// DefaultSnapshotTimeout bounds how long attaching to a confirmed remote
// store waits for its first snapshot.
const DefaultSnapshotTimeout = 5 * time.Second

// RemoteFactory returns the remote store of one user.
type RemoteFactory[T any] func(userID string) store.Adapter[T]

// Listener is called after every view change, in revision order.
type Listener[T domain.Item[T]] func(ctx context.Context, v view.View[T])

// Config configures an Engine.
type Config[T domain.Item[T]] struct {
	Kind   domain.Kind[T]
	Local  store.Adapter[T]
	Remote RemoteFactory[T]

	Notifier  notify.Notifier
	Listeners []Listener[T]
	Logger    *slog.Logger

	// MergeOnLogin replays the local collection into the remote store when
	// an anonymous visitor becomes identified. Off by default: the local
	// collection is left untouched and not shown.
	MergeOnLogin bool

	// SnapshotTimeout bounds the wait for a confirmed store's first snapshot.
	// Zero means DefaultSnapshotTimeout.
	SnapshotTimeout time.Duration

	Now func() time.Time
}

// Engine synchronizes one collection. It is safe for concurrent use.
type Engine[T domain.Item[T]] struct {
	kind         domain.Kind[T]
	local        store.Adapter[T]
	remote       RemoteFactory[T]
	notifier     notify.Notifier
	listeners    []Listener[T]
	logger       *slog.Logger
	mergeOnLogin bool
	snapTimeout  time.Duration
	now          func() time.Time

	locks *keyLocks

	// switchMu serializes identity changes and Close.
	switchMu sync.Mutex

	mu        sync.RWMutex
	view      view.View[T]
	revision  uint64
	changed   chan struct{}
	active    store.Adapter[T]
	backend   string
	userID    string
	confirmed bool
	attached  bool
	// settled is false while the last switch left the backend unloaded or
	// unsubscribed; applying the same identity again retries it.
	settled bool
	closed    bool
	gen       uint64
	sub       store.Subscription
	subCtx    context.Context

	listenMu     sync.Mutex
	lastNotified uint64
}

// New creates a detached engine. Call SetIdentity to attach it.
func New[T domain.Item[T]](cfg Config[T]) (*Engine[T], error) {
	if cfg.Local == nil {
		return nil, errors.New("engine: local store is required")
	}
	if cfg.Kind.New == nil || cfg.Kind.Name == "" {
		return nil, errors.New("engine: kind is incomplete")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = DefaultSnapshotTimeout
	}

	return &Engine[T]{
		kind:         cfg.Kind,
		local:        cfg.Local,
		remote:       cfg.Remote,
		notifier:     cfg.Notifier,
		listeners:    cfg.Listeners,
		logger:       cfg.Logger.With(slog.String("collection", cfg.Kind.Name)),
		mergeOnLogin: cfg.MergeOnLogin,
		snapTimeout:  cfg.SnapshotTimeout,
		now:          cfg.Now,
		locks:        newKeyLocks(),
		changed:      make(chan struct{}),
	}, nil
}

// Kind returns the collection kind the engine was built for.
func (e *Engine[T]) Kind() domain.Kind[T] { return e.kind }

// View returns the current view.
func (e *Engine[T]) View() view.View[T] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.view
}

// IsMember reports whether the view holds the given product and variant.
func (e *Engine[T]) IsMember(productID, variantID string) bool {
	return e.View().Contains(productID, variantID)
}

// State describes the active backend.
type State struct {
	Attached bool
	Backend  string
	UserID   string
	// Confirmed backends publish changes through their feed only.
	Confirmed bool
}

// State returns the active backend.
func (e *Engine[T]) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return State{
		Attached:  e.attached,
		Backend:   e.backend,
		UserID:    e.userID,
		Confirmed: e.confirmed,
	}
}

// AwaitChange blocks until a view newer than revision after is published or
// ctx ends. It returns the latest view in both cases.
func (e *Engine[T]) AwaitChange(ctx context.Context, after uint64) (view.View[T], error) {
	for {
		e.mu.RLock()
		v, ch := e.view, e.changed
		e.mu.RUnlock()

		if v.Revision() > after {
			return v, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return e.View(), ctx.Err()
		}
	}
}

// SetIdentity switches the engine to the local store when userID is empty,
// or to userID's remote store. Applying the settled current state again is
// a no-op; after a failed switch the same identity retries the attach.
func (e *Engine[T]) SetIdentity(ctx context.Context, userID string) error {
	e.switchMu.Lock()
	defer e.switchMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrDetached
	}
	if e.attached && e.settled && e.userID == userID {
		e.mu.Unlock()
		return nil
	}
	wasAnonymous := e.attached && e.userID == ""
	e.gen++
	gen := e.gen
	oldSub := e.sub
	e.sub = nil
	e.mu.Unlock()

	if oldSub != nil {
		if err := oldSub.Close(); err != nil {
			e.logger.WarnContext(ctx, "failed to close subscription", slog.String("error", err.Error()))
		}
	}

	if userID == "" {
		return e.attachLocal(ctx, gen)
	}
	if e.remote == nil {
		return errors.New("engine: no remote store configured")
	}
	return e.attachRemote(ctx, gen, userID, wasAnonymous)
}

func (e *Engine[T]) attachLocal(ctx context.Context, gen uint64) error {
	items, err := e.local.Load(ctx)

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return nil
	}
	e.active = e.local
	e.backend = store.BackendLocal
	e.userID = ""
	e.confirmed = false
	e.attached = true
	e.settled = err == nil
	v := e.publishLocked(items)
	e.mu.Unlock()

	e.logger.DebugContext(ctx, "collection attached to local store", slog.Int("items", v.Len()))
	e.notifyListeners(ctx, v)

	if err != nil {
		return fmt.Errorf("load local %s: %w", e.kind.Name, err)
	}
	return nil
}

func (e *Engine[T]) attachRemote(ctx context.Context, gen uint64, userID string, wasAnonymous bool) error {
	remote := e.remote(userID)
	sub, confirmed := store.Subscribable(remote)

	if e.mergeOnLogin && wasAnonymous {
		e.mergeLocal(ctx, remote)
	}

	var items []T
	var loadErr error
	if !confirmed {
		items, loadErr = remote.Load(ctx)
	}

	// The subscription outlives the request that triggered the switch.
	subCtx := context.WithoutCancel(ctx)

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return nil
	}
	e.active = remote
	e.backend = store.BackendRemote
	e.userID = userID
	e.confirmed = confirmed
	e.attached = true
	e.settled = !confirmed && loadErr == nil
	e.subCtx = subCtx
	v := e.publishLocked(items)
	e.mu.Unlock()

	e.logger.DebugContext(ctx, "collection attached to remote store",
		slog.String("user_id", userID),
		slog.Bool("confirmed", confirmed),
	)
	e.notifyListeners(ctx, v)

	if !confirmed {
		if loadErr != nil {
			return fmt.Errorf("load remote %s: %w", e.kind.Name, loadErr)
		}
		return nil
	}

	ready := make(chan struct{})
	var first sync.Once
	s, err := sub.Subscribe(subCtx, func(items []T) {
		e.applySnapshot(gen, items)
		first.Do(func() { close(ready) })
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to subscribe to remote collection",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("subscribe remote %s: %w", e.kind.Name, err)
	}

	// Settled means the view holds the store's contents, not the empty
	// placeholder published above.
	if err := e.awaitSnapshot(ctx, ready); err != nil {
		_ = s.Close()
		e.logger.WarnContext(ctx, "remote collection sent no snapshot",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("load remote %s: %w", e.kind.Name, err)
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		_ = s.Close()
		return nil
	}
	e.sub = s
	e.settled = true
	e.mu.Unlock()
	return nil
}

func (e *Engine[T]) awaitSnapshot(ctx context.Context, ready <-chan struct{}) error {
	timer := time.NewTimer(e.snapTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return apperrors.Unavailable("remote store unavailable",
			fmt.Errorf("no snapshot within %s", e.snapTimeout))
	}
}

// mergeLocal replays the local collection into remote using add semantics,
// then clears the local collection if every item made it.
func (e *Engine[T]) mergeLocal(ctx context.Context, remote store.Adapter[T]) {
	local, err := e.local.Load(ctx)
	if err != nil || len(local) == 0 {
		return
	}
	add := e.adder(ctx, remote)
	if add == nil {
		return
	}

	failed := 0
	for _, item := range local {
		if err := add(item); err != nil {
			failed++
			e.logger.WarnContext(ctx, "failed to merge local item",
				slog.String("item_id", item.ItemID()),
				slog.String("error", err.Error()),
			)
		}
	}

	if failed > 0 {
		return
	}
	if err := e.local.ClearAll(ctx); err != nil {
		e.logger.WarnContext(ctx, "failed to clear merged local collection", slog.String("error", err.Error()))
	}
	e.logger.InfoContext(ctx, "merged local collection into remote", slog.Int("items", len(local)))
}

// adder returns how one local item is added to remote: through Merge on a
// confirmed store, against a loaded copy of the collection otherwise. It
// returns nil when the collection cannot be read.
func (e *Engine[T]) adder(ctx context.Context, remote store.Adapter[T]) func(T) error {
	if m, ok := store.Subscribable(remote); ok {
		return func(item T) error {
			_, err := m.Merge(ctx, item)
			return err
		}
	}

	existing, err := remote.Load(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "skipping merge, remote collection unreadable", slog.String("error", err.Error()))
		return nil
	}
	byKey := make(map[domain.Key]T, len(existing))
	for _, item := range existing {
		byKey[item.ItemKey()] = item
	}
	return func(item T) error {
		cur, ok := byKey[item.ItemKey()]
		switch {
		case !ok:
			return remote.Put(ctx, item)
		case !e.kind.Additive:
			return nil
		default:
			return remote.UpdateQuantity(ctx, cur.ItemID(), cur.Units()+item.Units())
		}
	}
}

func (e *Engine[T]) applySnapshot(gen uint64, items []T) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	v := e.publishLocked(items)
	ctx := e.subCtx
	e.mu.Unlock()

	e.notifyListeners(ctx, v)
}

// Close detaches the engine and ends any subscription.
func (e *Engine[T]) Close() error {
	e.switchMu.Lock()
	defer e.switchMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.attached = false
	e.gen++
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()

	if sub != nil {
		return sub.Close()
	}
	return nil
}

// publishLocked replaces the view. Callers hold e.mu.
func (e *Engine[T]) publishLocked(items []T) view.View[T] {
	e.revision++
	e.view = view.New(items, e.revision)
	close(e.changed)
	e.changed = make(chan struct{})
	return e.view
}

func (e *Engine[T]) notifyListeners(ctx context.Context, v view.View[T]) {
	if len(e.listeners) == 0 {
		return
	}
	e.listenMu.Lock()
	defer e.listenMu.Unlock()

	if v.Revision() <= e.lastNotified {
		return
	}
	e.lastNotified = v.Revision()
	for _, l := range e.listeners {
		l(ctx, v)
	}
}

// target is the backend a mutation runs against.
type target[T any] struct {
	adapter   store.Adapter[T]
	backend   string
	confirmed bool
	gen       uint64
	// merger is set on confirmed backends.
	merger store.Subscriber[T]
}

func (e *Engine[T]) acquire(ctx context.Context, action notify.Action) (target[T], error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.attached {
		logger.WithContext(ctx, e.logger).ErrorContext(ctx, "mutation on detached collection",
			slog.String("action", string(action)),
		)
		return target[T]{}, ErrDetached
	}
	t := target[T]{
		adapter:   e.active,
		backend:   e.backend,
		confirmed: e.confirmed,
		gen:       e.gen,
	}
	if t.confirmed {
		t.merger, _ = store.Subscribable(e.active)
	}
	return t, nil
}

// applyOptimistic edits the view of an optimistic backend, unless the
// backend was switched since t was taken.
func (e *Engine[T]) applyOptimistic(ctx context.Context, t target[T], edit func(v view.View[T]) []T) {
	e.mu.Lock()
	if e.gen != t.gen {
		e.mu.Unlock()
		return
	}
	v := e.publishLocked(edit(e.view))
	e.mu.Unlock()

	e.notifyListeners(ctx, v)
}

func (e *Engine[T]) startSpan(ctx context.Context, action notify.Action, backend string) (context.Context, trace.Span) {
	return tracing.Tracer(tracerName).Start(ctx, "collection."+string(action),
		tracing.CollectionAttrs(e.kind.Name, backend))
}

func (e *Engine[T]) emit(ctx context.Context, level notify.Level, action notify.Action, message string, err error) {
	e.notifier.Notify(ctx, notify.Notice{
		Level:      level,
		Action:     action,
		Collection: e.kind.Name,
		Message:    message,
		Err:        err,
		At:         e.now().UTC(),
	})
}

// AddItem adds quantity units of product (and variant) to the collection.
// A quantity below one adds one unit. Adding a key that is already present
// merges quantities in additive collections and fails with ErrDuplicate
// otherwise.
func (e *Engine[T]) AddItem(ctx context.Context, product domain.Product, quantity int, variant *domain.ProductVariant) (err error) {
	if quantity <= 0 {
		quantity = 1
	}
	candidate := e.kind.New(product, quantity, variant, e.now())
	key := candidate.ItemKey()

	unlock := e.locks.lock(key.ItemID())
	defer unlock()

	t, err := e.acquire(ctx, notify.ActionAdd)
	if err != nil {
		return err
	}
	ctx, span := e.startSpan(ctx, notify.ActionAdd, t.backend)
	defer func() { tracing.End(span, err) }()

	failed := "Failed to add item to " + e.kind.Name
	duplicate := func() error {
		msg := "Item already in " + e.kind.Name
		e.emit(ctx, notify.LevelInfo, notify.ActionAdd, msg, nil)
		return duplicateError(msg)
	}

	if t.merger != nil {
		// The view of a confirmed store can trail it, so the store decides
		// between insert and merge.
		if err = candidate.Validate(); err != nil {
			e.emit(ctx, notify.LevelError, notify.ActionAdd, failed, err)
			return err
		}
		var existed bool
		if existed, err = t.merger.Merge(ctx, candidate); err != nil {
			e.emit(ctx, notify.LevelError, notify.ActionAdd, failed, err)
			return apperrors.Wrap(err, "add "+e.kind.Name+" item")
		}
		if existed && !e.kind.Additive {
			return duplicate()
		}
		e.emit(ctx, notify.LevelSuccess, notify.ActionAdd, product.Name+" added to "+e.kind.Name+"!", nil)
		return nil
	}

	existing, found := e.View().FindKey(key)
	if found && !e.kind.Additive {
		return duplicate()
	}

	if found {
		merged := existing.WithUnits(existing.Units() + quantity)
		e.applyOptimistic(ctx, t, func(v view.View[T]) []T { return replace(v.Items(), merged) })
		err = t.adapter.UpdateQuantity(ctx, merged.ItemID(), merged.Units())
	} else {
		if err = candidate.Validate(); err != nil {
			e.emit(ctx, notify.LevelError, notify.ActionAdd, failed, err)
			return err
		}
		e.applyOptimistic(ctx, t, func(v view.View[T]) []T { return replace(v.Items(), candidate) })
		err = t.adapter.Put(ctx, candidate)
	}
	if err != nil {
		e.emit(ctx, notify.LevelError, notify.ActionAdd, failed, err)
		return apperrors.Wrap(err, "add "+e.kind.Name+" item")
	}

	e.emit(ctx, notify.LevelSuccess, notify.ActionAdd, product.Name+" added to "+e.kind.Name+"!", nil)
	return nil
}

// RemoveItem removes the item with id. Removing a missing item succeeds.
func (e *Engine[T]) RemoveItem(ctx context.Context, id string) (err error) {
	unlock := e.locks.lock(id)
	defer unlock()
	return e.remove(ctx, id)
}

func (e *Engine[T]) remove(ctx context.Context, id string) (err error) {
	t, err := e.acquire(ctx, notify.ActionRemove)
	if err != nil {
		return err
	}
	ctx, span := e.startSpan(ctx, notify.ActionRemove, t.backend)
	defer func() { tracing.End(span, err) }()

	if !t.confirmed {
		e.applyOptimistic(ctx, t, func(v view.View[T]) []T { return without(v.Items(), id) })
	}
	if err = t.adapter.Delete(ctx, id); err != nil {
		e.emit(ctx, notify.LevelError, notify.ActionRemove, "Failed to remove item from "+e.kind.Name, err)
		return apperrors.Wrap(err, "remove "+e.kind.Name+" item")
	}

	e.emit(ctx, notify.LevelSuccess, notify.ActionRemove, "Item removed from "+e.kind.Name, nil)
	return nil
}

// UpdateQuantity sets the quantity of the item with id. A quantity of zero
// or less removes the item.
func (e *Engine[T]) UpdateQuantity(ctx context.Context, id string, quantity int) (err error) {
	unlock := e.locks.lock(id)
	defer unlock()

	if quantity <= 0 {
		return e.remove(ctx, id)
	}
	if !e.kind.Additive {
		return apperrors.InvalidInput(e.kind.Name + " items have no quantity")
	}

	t, err := e.acquire(ctx, notify.ActionUpdate)
	if err != nil {
		return err
	}
	ctx, span := e.startSpan(ctx, notify.ActionUpdate, t.backend)
	defer func() { tracing.End(span, err) }()

	const failed = "Failed to update quantity"

	if !t.confirmed {
		existing, found := e.View().Find(id)
		if !found {
			err = apperrors.NotFound(e.kind.Name+" item", id)
			e.emit(ctx, notify.LevelError, notify.ActionUpdate, failed, err)
			return err
		}
		updated := existing.WithUnits(quantity)
		e.applyOptimistic(ctx, t, func(v view.View[T]) []T { return replace(v.Items(), updated) })
	}

	if err = t.adapter.UpdateQuantity(ctx, id, quantity); err != nil {
		e.emit(ctx, notify.LevelError, notify.ActionUpdate, failed, err)
		return apperrors.Wrap(err, "update "+e.kind.Name+" quantity")
	}
	return nil
}

// ClearAll removes every item. On a confirmed backend the view is emptied
// only once every delete succeeded; after a partial failure it follows the
// feed.
func (e *Engine[T]) ClearAll(ctx context.Context) (err error) {
	t, err := e.acquire(ctx, notify.ActionClear)
	if err != nil {
		return err
	}
	ctx, span := e.startSpan(ctx, notify.ActionClear, t.backend)
	defer func() { tracing.End(span, err) }()

	empty := func(view.View[T]) []T { return nil }
	if !t.confirmed {
		e.applyOptimistic(ctx, t, empty)
	}

	if err = t.adapter.ClearAll(ctx); err != nil {
		e.emit(ctx, notify.LevelError, notify.ActionClear, "Failed to clear "+e.kind.Name, err)
		return apperrors.Wrap(err, "clear "+e.kind.Name)
	}
	if t.confirmed {
		e.applyOptimistic(ctx, t, empty)
	}

	e.emit(ctx, notify.LevelSuccess, notify.ActionClear, capitalize(e.kind.Name)+" cleared", nil)
	return nil
}

// replace swaps in item for the entry with the same id, or adds it.
func replace[T domain.Item[T]](items []T, item T) []T {
	for i := range items {
		if items[i].ItemID() == item.ItemID() {
			items[i] = item
			return items
		}
	}
	return append(items, item)
}

func without[T domain.Item[T]](items []T, id string) []T {
	out := items[:0]
	for _, item := range items {
		if item.ItemID() != id {
			out = append(out, item)
		}
	}
	return out
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
