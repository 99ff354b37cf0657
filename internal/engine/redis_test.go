package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/storefront/internal/domain"
	"github.com/utafrali/storefront/internal/notify"
	"github.com/utafrali/storefront/internal/store"
	"github.com/utafrali/storefront/internal/store/local"
	remoteredis "github.com/utafrali/storefront/internal/store/remote/redis"
	"github.com/utafrali/storefront/pkg/logger"
)

// redisCart runs a cart engine against a miniredis-backed remote store, where
// snapshots arrive asynchronously over pub/sub.
func redisCart(t *testing.T) (*Engine[domain.CartItem], func(userID string) *remoteredis.Store[domain.CartItem]) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	open := func(userID string) *remoteredis.Store[domain.CartItem] {
		return remoteredis.New[domain.CartItem](client, userID, domain.CartKind.Name, logger.Discard())
	}
	e, err := New(Config[domain.CartItem]{
		Kind:  domain.CartKind,
		Local: local.New[domain.CartItem](local.NewMemoryKV(), domain.CartKind.Name, logger.Discard()),
		Remote: func(userID string) store.Adapter[domain.CartItem] {
			return open(userID)
		},
		Notifier:        notify.NewRecorder(8),
		SnapshotTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, open
}

func storedQuantity(t *testing.T, s *remoteredis.Store[domain.CartItem], id string) int {
	t.Helper()
	items, err := s.Load(context.Background())
	require.NoError(t, err)
	for _, item := range items {
		if item.ItemID() == id {
			return item.Quantity
		}
	}
	t.Fatalf("item %s not stored", id)
	return 0
}

func eventuallyCount(t *testing.T, e *Engine[domain.CartItem], want int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return e.View().Count() == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_RedisRepeatedAddsAccumulate(t *testing.T) {
	e, open := redisCart(t)
	ctx := context.Background()
	require.NoError(t, e.SetIdentity(ctx, "u1"))

	for range 3 {
		require.NoError(t, e.AddItem(ctx, shirt, 1, nil))
	}

	assert.Equal(t, 3, storedQuantity(t, open("u1"), "p1"))
	eventuallyCount(t, e, 3)
}

func TestEngine_RedisAddAfterLoginOntoStoredItem(t *testing.T) {
	e, open := redisCart(t)
	ctx := context.Background()
	require.NoError(t, e.SetIdentity(ctx, ""))
	require.NoError(t, open("u1").Put(ctx, domain.NewCartItem(shirt, 5, nil, time.Now())))

	require.NoError(t, e.SetIdentity(ctx, "u1"))
	v := e.View()
	require.Equal(t, 1, v.Len())
	assert.Equal(t, 5, v.Count())

	require.NoError(t, e.AddItem(ctx, shirt, 1, nil))
	assert.Equal(t, 6, storedQuantity(t, open("u1"), "p1"))
	eventuallyCount(t, e, 6)
}

func TestEngine_RedisUpdateAfterLogin(t *testing.T) {
	e, open := redisCart(t)
	ctx := context.Background()
	require.NoError(t, open("u1").Put(ctx, domain.NewCartItem(shirt, 5, nil, time.Now())))

	require.NoError(t, e.SetIdentity(ctx, "u1"))
	require.NoError(t, e.UpdateQuantity(ctx, "p1", 2))

	assert.Equal(t, 2, storedQuantity(t, open("u1"), "p1"))
	eventuallyCount(t, e, 2)
}
