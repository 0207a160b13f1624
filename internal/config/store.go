package config

import (
	"context"
	"maps"
	"sync"
)

// Store persists the values of one configuration layer.
type Store interface {
	// ReadAll returns every persisted key of the layer.
	ReadAll(ctx context.Context) (map[string]any, error)
	// WriteOne persists a single key. A nil value deletes the key.
	WriteOne(ctx context.Context, key string, value any) error
}

// MemoryStore is an in-process Store, mainly for hosts without persistence.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]any
}

// NewMemoryStore creates a MemoryStore seeded with values.
func NewMemoryStore(values map[string]any) *MemoryStore {
	s := &MemoryStore{values: make(map[string]any, len(values))}
	maps.Copy(s.values, values)
	return s
}

func (s *MemoryStore) ReadAll(context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.values), nil
}

func (s *MemoryStore) WriteOne(_ context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.values, key)
		return nil
	}
	s.values[key] = value
	return nil
}
