// Package memblob is the in-memory blob store driver, used by tests and
// the single-process dev profile.
package memblob

import (
	"fmt"
	"sync"

	"github.com/evalbox/evalbox/internal/adapter/blob"
	"github.com/evalbox/evalbox/internal/domain"
)

// Store keeps blobs in a map keyed by content reference.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

var _ domain.BlobStore = (*Store)(nil)

// Put stores data and returns its content reference. Storing the same
// bytes twice is a no-op that yields the same reference.
func (s *Store) Put(ctx domain.Context, id string, data []byte) (string, error) {
	if id == "" {
		return "", fmt.Errorf("op=memblob.Put: %w: empty id", domain.ErrInvalidArgument)
	}
	ref := blob.Sum(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[ref]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.data[ref] = cp
	}
	return ref, nil
}

// Get returns the bytes behind ref, or domain.ErrNotFound.
func (s *Store) Get(ctx domain.Context, ref string) ([]byte, error) {
	if _, err := blob.Parse(ref); err != nil {
		return nil, fmt.Errorf("op=memblob.Get: %w", err)
	}

	s.mu.RLock()
	data, ok := s.data[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("op=memblob.Get: %w", domain.ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Len reports how many distinct blobs are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
