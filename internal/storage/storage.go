// Package storage defines the object store the pipeline uploads bundles and datasets to.
package storage

import (
	"context"
	"sync"
	"trainpipe/internal/apperrors"
)

// ObjectStore reads and writes whole objects. Put overwrites existing objects.
// Get returns an apperrors.ErrNotFound error for missing objects.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// Object is a stored object held by MemoryStore.
type Object struct {
	Body        []byte
	ContentType string
}

// MemoryStore is an in-process ObjectStore.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

// Put stores a copy of body.
func (s *MemoryStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = Object{Body: append([]byte(nil), body...), ContentType: contentType}
	return nil
}

// Get returns a copy of the stored body.
func (s *MemoryStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	obj, ok := s.Object(bucket, key)
	if !ok {
		return nil, apperrors.NotFound("object", bucket+"/"+key)
	}
	return obj.Body, nil
}

// Object returns a copy of the stored object.
func (s *MemoryStore) Object(bucket, key string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[bucket+"/"+key]
	if !ok {
		return Object{}, false
	}
	obj.Body = append([]byte(nil), obj.Body...)
	return obj, true
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
