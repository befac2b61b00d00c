package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore backs tests and the inline deployment target.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Write(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if _, _, err := SplitPath(path); err != nil {
		return "", err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.objects[path] = cp
	s.mu.Unlock()
	return "mem://" + path, nil
}

func (s *MemoryStore) Read(ctx context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.objects[path]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryStore) Exists(ctx context.Context, path string) (bool, error) {
	s.mu.RLock()
	_, ok := s.objects[path]
	s.mu.RUnlock()
	return ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	delete(s.objects, path)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	exists, _ := s.Exists(ctx, path)
	if !exists {
		return "", ErrNotFound
	}
	return fmt.Sprintf("mem://%s?ttl=%d", path, int(ttl.Seconds())), nil
}
