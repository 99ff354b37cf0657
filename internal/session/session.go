// Package session owns the per-device collection engines.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/utafrali/storefront/internal/domain"
	"github.com/utafrali/storefront/internal/engine"
	"github.com/utafrali/storefront/internal/event"
	"github.com/utafrali/storefront/internal/identity"
	"github.com/utafrali/storefront/internal/notify"
	"github.com/utafrali/storefront/internal/store/local"
	"github.com/utafrali/storefront/pkg/logger"
)

// Session is the cart and wishlist of one device.
type Session struct {
	DeviceID string
	Cart     *engine.Engine[domain.CartItem]
	Wishlist *engine.Engine[domain.WishlistItem]
	Identity *identity.Holder
	Notices  *notify.Recorder

	switchMu sync.Mutex
	lastSeen atomic.Int64
}

// SetIdentity switches both collections to id. Failed switches are retried
// on the next call.
func (s *Session) SetIdentity(ctx context.Context, id identity.Identity) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	if err := s.Identity.Set(ctx, id); err != nil {
		s.Identity.Reset()
		return err
	}
	return nil
}

// Close detaches both collections.
func (s *Session) Close() error {
	return errors.Join(s.Cart.Close(), s.Wishlist.Close())
}

func (s *Session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

// Config configures a Manager.
type Config struct {
	// LocalKV returns the local key-value store of a device.
	LocalKV        func(deviceID string) local.KV
	RemoteCart     engine.RemoteFactory[domain.CartItem]
	RemoteWishlist engine.RemoteFactory[domain.WishlistItem]

	// Notifier receives every notice in addition to the session recorder.
	Notifier notify.Notifier
	// Events publishes collection changes when set.
	Events *event.Producer

	MergeOnLogin    bool
	SnapshotTimeout time.Duration
	NoticeCapacity  int
	IdleTTL        time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Manager maps device ids to sessions.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NoticeCapacity <= 0 {
		cfg.NoticeCapacity = 50
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	return &Manager{cfg: cfg, sessions: make(map[string]*Session)}
}

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("session manager closed")

// Get returns the session of deviceID, creating it on first use.
func (m *Manager) Get(deviceID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	now := m.cfg.Now()
	if s, ok := m.sessions[deviceID]; ok {
		s.touch(now)
		return s, nil
	}

	s, err := m.newSession(deviceID)
	if err != nil {
		return nil, err
	}
	s.touch(now)
	m.sessions[deviceID] = s
	m.cfg.Logger.Debug("session created", slog.String("device_id", deviceID))
	return s, nil
}

func (m *Manager) newSession(deviceID string) (*Session, error) {
	holder := identity.NewHolder()
	recorder := notify.NewRecorder(m.cfg.NoticeCapacity)
	notifier := notify.Multi(m.cfg.Notifier, recorder)
	kv := m.cfg.LocalKV(deviceID)
	userID := func() string { return holder.Get().UserID }
	logger := m.cfg.Logger.With(slog.String("device_id", deviceID))

	var cartListeners []engine.Listener[domain.CartItem]
	var wishlistListeners []engine.Listener[domain.WishlistItem]
	if m.cfg.Events != nil {
		cartListeners = append(cartListeners,
			event.Listener[domain.CartItem](m.cfg.Events, domain.CartKind.Name, deviceID, userID))
		wishlistListeners = append(wishlistListeners,
			event.Listener[domain.WishlistItem](m.cfg.Events, domain.WishlistKind.Name, deviceID, userID))
	}

	cart, err := engine.New(engine.Config[domain.CartItem]{
		Kind:            domain.CartKind,
		Local:           local.New[domain.CartItem](kv, domain.CartKind.Name, logger),
		Remote:          m.cfg.RemoteCart,
		Notifier:        notifier,
		Listeners:       cartListeners,
		Logger:          logger,
		MergeOnLogin:    m.cfg.MergeOnLogin,
		SnapshotTimeout: m.cfg.SnapshotTimeout,
		Now:             m.cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("create cart engine: %w", err)
	}
	wishlist, err := engine.New(engine.Config[domain.WishlistItem]{
		Kind:            domain.WishlistKind,
		Local:           local.New[domain.WishlistItem](kv, domain.WishlistKind.Name, logger),
		Remote:          m.cfg.RemoteWishlist,
		Notifier:        notifier,
		Listeners:       wishlistListeners,
		Logger:          logger,
		MergeOnLogin:    m.cfg.MergeOnLogin,
		SnapshotTimeout: m.cfg.SnapshotTimeout,
		Now:             m.cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("create wishlist engine: %w", err)
	}

	holder.Watch(func(ctx context.Context, id identity.Identity) error {
		return errors.Join(
			cart.SetIdentity(ctx, id.UserID),
			wishlist.SetIdentity(ctx, id.UserID),
		)
	})

	return &Session{
		DeviceID: deviceID,
		Cart:     cart,
		Wishlist: wishlist,
		Identity: holder,
		Notices:  recorder,
	}, nil
}

// Len is the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// EvictIdle closes sessions idle for longer than the configured TTL and
// returns how many were evicted.
func (m *Manager) EvictIdle() int {
	now := m.cfg.Now()

	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if s.idleSince(now) > m.cfg.IdleTTL {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		if err := s.Close(); err != nil {
			m.cfg.Logger.Warn("failed to close idle session",
				slog.String("device_id", s.DeviceID),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(idle) > 0 {
		m.cfg.Logger.Debug("evicted idle sessions", slog.Int("count", len(idle)))
	}
	return len(idle)
}

// RunJanitor evicts idle sessions periodically until ctx ends.
func (m *Manager) RunJanitor(ctx context.Context) {
	interval := m.cfg.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle()
		}
	}
}

// Close closes every session. Later Get calls fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
