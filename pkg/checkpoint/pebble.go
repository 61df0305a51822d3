package checkpoint

import (
	"fmt"

	"projectd/pkg/feed"
	"projectd/pkg/store"
)

const keyPrefix = "checkpoint:"

// PebbleStore persists checkpoints in the shared pebble database under a
// dedicated key namespace.
type PebbleStore struct {
	db *store.DB
}

// NewPebbleStore wraps db as a checkpoint store.
func NewPebbleStore(db *store.DB) *PebbleStore {
	return &PebbleStore{db: db}
}

func (s *PebbleStore) Load(key string) (feed.Position, error) {
	if !s.db.Ready() {
		return nil, ErrUnavailable
	}
	v, err := s.db.Get([]byte(keyPrefix + key))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return feed.Position(v), nil
}

func (s *PebbleStore) Save(key string, pos feed.Position) error {
	if !s.db.Ready() {
		return ErrUnavailable
	}
	return s.db.Set([]byte(keyPrefix+key), pos)
}

func (s *PebbleStore) Clear(key string) error {
	if !s.db.Ready() {
		return ErrUnavailable
	}
	return s.db.Delete([]byte(keyPrefix + key))
}
