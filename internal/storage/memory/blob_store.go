// Package memory stores artifacts in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/snapframe/snapframe/internal/storage"
)

// BlobStore keeps artifacts in a map and returns pseudo locations.
type BlobStore struct {
	mu           sync.RWMutex
	data         map[string][]byte
	contentTypes map[string]string
}

// NewBlobStore creates an empty in-memory store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data:         make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

// Write persists the artifact and returns a memory:// location.
func (s *BlobStore) Write(_ context.Context, tenant, key, contentType string, data []byte) (string, error) {
	path, err := storage.ObjectPath(tenant, key)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	s.contentTypes[path] = contentType
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns a stored artifact, for test assertions.
func (s *BlobStore) Get(tenant, key string) ([]byte, string, bool) {
	path, err := storage.ObjectPath(tenant, key)
	if err != nil {
		return nil, "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	return data, s.contentTypes[path], ok
}

// Len reports how many artifacts have been written.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
