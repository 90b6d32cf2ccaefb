package envelope

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// KeyStore holds wrapped data keys by key id.
type KeyStore interface {
	PutKey(ctx context.Context, keyID string, wrapped []byte) error
	GetKey(ctx context.Context, keyID string) ([]byte, bool, error)
	DeleteKey(ctx context.Context, keyID string) error
}

// MemoryKeyStore keeps wrapped keys in process memory.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string][]byte)}
}

func (m *MemoryKeyStore) PutKey(_ context.Context, keyID string, wrapped []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.keys[keyID]; exists {
		return fmt.Errorf("key %s already exists", keyID)
	}
	m.keys[keyID] = append([]byte(nil), wrapped...)
	return nil
}

func (m *MemoryKeyStore) GetKey(_ context.Context, keyID string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[keyID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), k...), true, nil
}

func (m *MemoryKeyStore) DeleteKey(_ context.Context, keyID string) error {
	m.mu.Lock()
	delete(m.keys, keyID)
	m.mu.Unlock()
	return nil
}

// RedisKeyStore keeps wrapped keys in Redis under prefix+keyID.
type RedisKeyStore struct {
	client *redis.Client
	prefix string
}

func NewRedisKeyStore(client *redis.Client, prefix string) *RedisKeyStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "filevault:dek:"
	}
	return &RedisKeyStore{client: client, prefix: prefix}
}

func (r *RedisKeyStore) PutKey(ctx context.Context, keyID string, wrapped []byte) error {
	ok, err := r.client.SetNX(ctx, r.prefix+keyID, wrapped, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %s already exists", keyID)
	}
	return nil
}

func (r *RedisKeyStore) GetKey(ctx context.Context, keyID string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.prefix+keyID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisKeyStore) DeleteKey(ctx context.Context, keyID string) error {
	return r.client.Del(ctx, r.prefix+keyID).Err()
}

// OpenKeyStore returns the key store named by backend ("memory" or "redis").
func OpenKeyStore(backend string, client *redis.Client) (KeyStore, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "redis":
		if client == nil {
			return nil, errors.New("redis key store requires a client")
		}
		return NewRedisKeyStore(client, ""), nil
	case "memory":
		return NewMemoryKeyStore(), nil
	default:
		return nil, fmt.Errorf("unknown key store %q", backend)
	}
}
