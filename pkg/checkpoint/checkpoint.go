// Package checkpoint persists per-pipeline resume positions.
package checkpoint

import (
	"errors"
	"sync"

	"projectd/pkg/feed"
)

var (
	// ErrNotFound means no checkpoint exists under the key.
	ErrNotFound = errors.New("checkpoint: not found")
	// ErrUnavailable means the store could not be reached; callers may
	// proceed without a resume position rather than refuse to start.
	ErrUnavailable = errors.New("checkpoint: store unavailable")
)

// Store is a durable key → position map.
type Store interface {
	// Load returns the saved position for key, ErrNotFound when none exists,
	// or ErrUnavailable when the store cannot be reached.
	Load(key string) (feed.Position, error)
	Save(key string, pos feed.Position) error
	Clear(key string) error
}

// MemStore is an in-memory Store for tests and for running without a
// durable backing store.
type MemStore struct {
	mu sync.Mutex
	m  map[string]feed.Position

	// FailLoads makes Load return ErrUnavailable; test hook for the
	// store-unavailable startup path.
	FailLoads bool
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{m: make(map[string]feed.Position)}
}

func (s *MemStore) Load(key string) (feed.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailLoads {
		return nil, ErrUnavailable
	}
	pos, ok := s.m[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(feed.Position, len(pos))
	copy(out, pos)
	return out, nil
}

func (s *MemStore) Save(key string, pos feed.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(feed.Position, len(pos))
	copy(cp, pos)
	s.m[key] = cp
	return nil
}

func (s *MemStore) Clear(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}
