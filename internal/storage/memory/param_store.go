// Package memory provides in-process storage backends.
package memory

import (
	"context"
	"sync"

	"github.com/AltairaLabs/continuation-manager/internal/storage"
)

// InMemoryParameterStore implements storage.ParameterStore using a map
type InMemoryParameterStore struct {
	mu     sync.RWMutex
	params map[string]string
	closed bool
}

// NewInMemoryParameterStore creates an empty parameter store
func NewInMemoryParameterStore() *InMemoryParameterStore {
	return &InMemoryParameterStore{
		params: make(map[string]string),
	}
}

// GetParameter returns the stored value or def
func (s *InMemoryParameterStore) GetParameter(ctx context.Context, key, def string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return def, storage.ErrStoreClosed
	}
	if v, ok := s.params[key]; ok {
		return v, nil
	}
	return def, nil
}

// SetParameter stores value under key
func (s *InMemoryParameterStore) SetParameter(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}
	s.params[key] = value
	return nil
}

// Close marks the store closed
func (s *InMemoryParameterStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
