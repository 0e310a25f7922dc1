package objectstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Object is a stored body with its content type.
type Object struct {
	Body        []byte
	ContentType string
}

// MemoryStore keeps objects in memory for demo/testing.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

// Put stores a copy of body at key.
func (s *MemoryStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_ = ctx
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Object{Body: append([]byte(nil), body...), ContentType: contentType}
	return nil
}

// Get returns the object at key.
func (s *MemoryStore) Get(key string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// Keys lists stored keys in order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
