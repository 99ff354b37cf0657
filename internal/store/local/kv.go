package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is a device-scoped key-value store.
type KV interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// RedisKV stores device keys in Redis under device:{deviceID}:{key}. Every
// write refreshes the TTL so abandoned devices expire.
type RedisKV struct {
	client   *redis.Client
	deviceID string
	ttl      time.Duration
}

// NewRedisKV creates a Redis-backed KV for one device.
func NewRedisKV(client *redis.Client, deviceID string, ttl time.Duration) *RedisKV {
	return &RedisKV{client: client, deviceID: deviceID, ttl: ttl}
}

func (k *RedisKV) key(name string) string {
	return "device:" + k.deviceID + ":" + name
}

// Get implements KV.
func (k *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := k.client.Get(ctx, k.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, true, nil
}

// Set implements KV.
func (k *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	if err := k.client.Set(ctx, k.key(key), value, k.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements KV.
func (k *RedisKV) Delete(ctx context.Context, key string) error {
	if err := k.client.Del(ctx, k.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// FileKV stores each key as a file under one directory per device. Writes go
// through a temp file and rename so a crash never leaves a torn value.
type FileKV struct {
	dir string
}

// NewFileKV creates a file-backed KV rooted at root/deviceID.
func NewFileKV(root, deviceID string) *FileKV {
	return &FileKV{dir: filepath.Join(root, deviceID)}
}

func (k *FileKV) path(key string) string {
	return filepath.Join(k.dir, key+".json")
}

// Get implements KV.
func (k *FileKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(k.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return data, true, nil
}

// Set implements KV.
func (k *FileKV) Set(_ context.Context, key string, value []byte) error {
	if err := os.MkdirAll(k.dir, 0o750); err != nil {
		return fmt.Errorf("create device dir: %w", err)
	}

	tmp, err := os.CreateTemp(k.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), k.path(key)); err != nil {
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

// Delete implements KV.
func (k *FileKV) Delete(_ context.Context, key string) error {
	if err := os.Remove(k.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// MemoryKV keeps values in process memory.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV creates an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

// Get implements KV.
func (k *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set implements KV.
func (k *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements KV.
func (k *MemoryKV) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.data, key)
	return nil
}
