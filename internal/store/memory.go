// Package store provides the durable and ephemeral persistence backends:
// entity storage ({kind}:{id} JSON documents), the append-only order event
// journal, and the SQLite idempotency backend.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryEntityStore keeps entities in a map; everything is lost on restart.
// The development default when no database path is configured.
type MemoryEntityStore struct {
	mu   sync.RWMutex
	data map[string][]byte // {kind}:{id} -> stable JSON
}

// NewMemoryEntityStore builds an empty in-memory store.
func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{data: make(map[string][]byte)}
}

func entityKey(kind, id string) string {
	return kind + ":" + id
}

// Put stores an entity as stable JSON.
func (s *MemoryEntityStore) Put(_ context.Context, kind, id string, value interface{}) error {
	raw, err := stableJSON(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[entityKey(kind, id)] = raw
	s.mu.Unlock()
	return nil
}

// Get loads an entity into out; found is false when absent.
func (s *MemoryEntityStore) Get(_ context.Context, kind, id string, out interface{}) (bool, error) {
	s.mu.RLock()
	raw, ok := s.data[entityKey(kind, id)]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode entity %s:%s: %w", kind, id, err)
	}
	return true, nil
}

// Delete removes an entity; deleting an absent entity is not an error.
func (s *MemoryEntityStore) Delete(_ context.Context, kind, id string) error {
	s.mu.Lock()
	delete(s.data, entityKey(kind, id))
	s.mu.Unlock()
	return nil
}

// List returns the sorted ids stored under a kind.
func (s *MemoryEntityStore) List(_ context.Context, kind string) ([]string, error) {
	prefix := kind + ":"
	s.mu.RLock()
	ids := make([]string, 0)
	for key := range s.data {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			ids = append(ids, key[len(prefix):])
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

// stableJSON serializes with sorted object keys so equal values produce
// byte-equal documents.
func stableJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize entity: %w", err)
	}
	var norm interface{}
	if err := json.Unmarshal(raw, &norm); err != nil {
		return nil, fmt.Errorf("failed to normalize entity: %w", err)
	}
	return json.Marshal(norm)
}
