// Package mock provides a test double for the blob.Store interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/blob"
)

// PutCall records a single invocation of Put.
type PutCall struct {
	Key         string
	Data        []byte
	ContentType string
}

// Store is a mock implementation of blob.Store.
type Store struct {
	mu sync.Mutex

	// BaseURL prefixes returned URLs. Defaults to "https://blob.test/".
	BaseURL string

	// PutErr, if non-nil, is returned by Put.
	PutErr error

	PutCalls []PutCall
}

// Put implements blob.Store.
func (s *Store) Put(_ context.Context, key string, data []byte, contentType string) (*blob.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PutCalls = append(s.PutCalls, PutCall{Key: key, Data: append([]byte(nil), data...), ContentType: contentType})
	if s.PutErr != nil {
		return nil, s.PutErr
	}
	base := s.BaseURL
	if base == "" {
		base = "https://blob.test/"
	}
	return &blob.Object{ID: key, URL: base + key}, nil
}

// CallCount returns the number of Put calls.
func (s *Store) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.PutCalls)
}

var _ blob.Store = (*Store)(nil)
