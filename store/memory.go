package store

import (
	"context"
	"fmt"
	"sync"
)

type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	// Writes counts successful Set calls.
	Writes int
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (ms *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	value, ok := ms.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]byte, len(value))
	copy(out, value)

	return out, nil
}

func (ms *MemStore) Set(_ context.Context, key string, value []byte) error {
	if !validKey(key) {
		return fmt.Errorf("[MemStore] : %w: %q", ErrInvalidKey, key)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	ms.data[key] = stored
	ms.Writes++

	return nil
}

func (ms *MemStore) Ping(_ context.Context) error {
	return nil
}
