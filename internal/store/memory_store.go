package store

import (
	"context"
	"sync"

	"github.com/devrev/pairdb/datagrid/internal/model"
)

// MemoryStore keeps persisted entries in a map. It backs the "memory" persistence type and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]model.Entry
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]model.Entry)}
}

// LoadAllKeys returns every stored key
func (s *MemoryStore) LoadAllKeys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

// Load returns a copy of the stored entry
func (s *MemoryStore) Load(ctx context.Context, key string) (*model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *MemoryStore) Write(ctx context.Context, entry *model.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = *entry
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Len returns the number of stored entries
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error {
	return nil
}
