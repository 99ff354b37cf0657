package local

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/storefront/internal/domain"
	apperrors "github.com/utafrali/storefront/pkg/errors"
)

var t0 = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func item(productID string, qty int) domain.CartItem {
	return domain.NewCartItem(domain.Product{ID: productID, Name: productID, Price: 1000}, qty, nil, t0)
}

func kvs(t *testing.T) map[string]KV {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]KV{
		"memory": NewMemoryKV(),
		"file":   NewFileKV(t.TempDir(), "device-1"),
		"redis":  NewRedisKV(client, "device-1", time.Hour),
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, kv := range kvs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New[domain.CartItem](kv, "cart", newTestLogger())

			require.NoError(t, s.Put(ctx, item("p1", 1)))
			require.NoError(t, s.Put(ctx, item("p2", 3)))
			require.NoError(t, s.UpdateQuantity(ctx, "p1", 5))

			fresh := New[domain.CartItem](kv, "cart", newTestLogger())
			got, err := fresh.Load(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)

			byID := map[string]int{}
			for _, it := range got {
				byID[it.ID] = it.Quantity
				assert.True(t, it.AddedAt.Equal(t0), "timestamps survive the round trip")
			}
			assert.Equal(t, map[string]int{"p1": 5, "p2": 3}, byID)

			require.NoError(t, fresh.Delete(ctx, "p2"))
			got, err = New[domain.CartItem](kv, "cart", newTestLogger()).Load(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "p1", got[0].ID)
		})
	}
}

func TestStore_EmptyCollectionDeletesKey(t *testing.T) {
	for name, kv := range kvs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New[domain.CartItem](kv, "cart", newTestLogger())

			require.NoError(t, s.Put(ctx, item("p1", 1)))
			require.NoError(t, s.ClearAll(ctx))

			_, ok, err := kv.Get(ctx, "cart")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Put(ctx, item("p2", 1)))
			require.NoError(t, s.Delete(ctx, "p2"))
			_, ok, err = kv.Get(ctx, "cart")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_LoadMissingKey(t *testing.T) {
	s := New[domain.WishlistItem](NewMemoryKV(), "wishlist", newTestLogger())
	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_CorruptContentIsDiscarded(t *testing.T) {
	valid, err := json.Marshal([]domain.CartItem{item("p1", 1)})
	require.NoError(t, err)
	dup, err := json.Marshal([]domain.CartItem{item("p1", 1), item("p1", 2)})
	require.NoError(t, err)

	tests := []struct {
		name string
		data string
	}{
		{"unparseable", "{not json"},
		{"wrong shape", `{"id":"p1"}`},
		{"invalid item", `[{"id":"p1","product_id":"p1","quantity":0,"added_at":"2026-02-01T10:00:00Z"}]`},
		{"bad timestamp", strings.Replace(string(valid), "2026-02-01T10:00:00Z", "yesterday", 1)},
		{"duplicate ids", string(dup)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			kv := NewMemoryKV()
			require.NoError(t, kv.Set(ctx, "cart", []byte(tt.data)))

			got, err := New[domain.CartItem](kv, "cart", newTestLogger()).Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, got)

			_, ok, err := kv.Get(ctx, "cart")
			require.NoError(t, err)
			assert.False(t, ok, "corrupt key must be cleared")
		})
	}
}

func TestStore_MutationWithoutLoadKeepsExistingItems(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	require.NoError(t, New[domain.CartItem](kv, "cart", newTestLogger()).Put(ctx, item("p1", 1)))

	s := New[domain.CartItem](kv, "cart", newTestLogger())
	require.NoError(t, s.Put(ctx, item("p2", 1)))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestStore_UpdateQuantityMissing(t *testing.T) {
	s := New[domain.CartItem](NewMemoryKV(), "cart", newTestLogger())
	err := s.UpdateQuantity(context.Background(), "nope", 2)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStore_PutRejectsInvalidItem(t *testing.T) {
	s := New[domain.CartItem](NewMemoryKV(), "cart", newTestLogger())
	bad := item("p1", 1)
	bad.Quantity = 0
	assert.ErrorIs(t, s.Put(context.Background(), bad), apperrors.ErrInvalidInput)
}

func TestStore_PutReplacesSameID(t *testing.T) {
	ctx := context.Background()
	s := New[domain.CartItem](NewMemoryKV(), "cart", newTestLogger())

	require.NoError(t, s.Put(ctx, item("p1", 1)))
	require.NoError(t, s.Put(ctx, item("p1", 4)))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 4, got[0].Quantity)
}

func TestStore_KVFailureIsUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	s := New[domain.CartItem](NewRedisKV(client, "d", time.Hour), "cart", newTestLogger())
	_, err := s.Load(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrServiceUnavail)
}

func TestRedisKV_KeyLayoutAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	kv := NewRedisKV(client, "device-9", 30*24*time.Hour)
	require.NoError(t, kv.Set(context.Background(), "wishlist", []byte("[]")))

	assert.True(t, mr.Exists("device:device-9:wishlist"))
	assert.Equal(t, 30*24*time.Hour, mr.TTL("device:device-9:wishlist"))
}

func TestFileKV_Layout(t *testing.T) {
	root := t.TempDir()
	kv := NewFileKV(root, "device-2")
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "cart", []byte("[]")))
	data, err := os.ReadFile(filepath.Join(root, "device-2", "cart.json"))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	entries, err := os.ReadDir(filepath.Join(root, "device-2"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	require.NoError(t, kv.Delete(ctx, "cart"))
	require.NoError(t, kv.Delete(ctx, "cart"))
}
