package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data []byte
	opts PutOptions
}

// MemoryStore is an in-process Provider used by tests and single-binary runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	puts    int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) Put(ctx context.Context, path string, r io.Reader, size int64, opts PutOptions) (string, error) {
	key, err := cleanKey(path)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return "", fmt.Errorf("write object: got %d bytes, expected %d", len(data), size)
	}
	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, opts: opts}
	m.puts++
	m.mu.Unlock()
	return key, nil
}

func (m *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	key, err := cleanKey(path)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	key, err := cleanKey(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SignedURL(ctx context.Context, path string, expiry time.Duration) (string, error) {
	key, err := cleanKey(path)
	if err != nil {
		return "", err
	}
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return fmt.Sprintf("memory://%s?expires=%d", key, time.Now().Add(expiry).Unix()), nil
}

// Keys lists stored keys with the given prefix in lexical order.
func (m *MemoryStore) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// PutCount returns how many successful writes the store has accepted.
func (m *MemoryStore) PutCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}
