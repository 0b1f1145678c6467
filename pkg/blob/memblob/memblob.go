// Package memblob is an in-process blob.Store for local development. Objects
// live in memory and are served by the API under a configurable URL prefix.
package memblob

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/parley/pkg/blob"
)

type object struct {
	data        []byte
	contentType string
}

// Store implements blob.Store and blob.Reader.
type Store struct {
	prefix string

	mu      sync.RWMutex
	objects map[string]object
}

// New returns an empty store whose URLs are prefix + key.
func New(prefix string) *Store {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{prefix: prefix, objects: make(map[string]object)}
}

// Put implements blob.Store.
func (s *Store) Put(_ context.Context, key string, data []byte, contentType string) (*blob.Object, error) {
	if key == "" {
		return nil, fmt.Errorf("memblob: key must not be empty")
	}
	s.mu.Lock()
	s.objects[key] = object{data: append([]byte(nil), data...), contentType: contentType}
	s.mu.Unlock()
	return &blob.Object{ID: key, URL: s.prefix + key}, nil
}

// Get implements blob.Reader.
func (s *Store) Get(_ context.Context, key string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[key]
	if !ok {
		return nil, "", blob.ErrNotFound
	}
	return o.data, o.contentType, nil
}

var (
	_ blob.Store  = (*Store)(nil)
	_ blob.Reader = (*Store)(nil)
)
