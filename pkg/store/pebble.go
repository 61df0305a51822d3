package store

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"projectd/pkg/logger"
)

// DB is a thin handle over a pebble database shared by the checkpoint store
// and the projection writer. All writes are synced; the pipeline's
// at-least-once semantics rely on checkpoints not outliving lost writes.
type DB struct {
	db   *pebble.DB
	path string
}

// Open opens (or creates) a Pebble database at the given path.
func Open(path string) (*DB, error) {
	logger.Info("opening_pebble_db", "path", path)
	pdb, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	logger.Info("pebble_opened", "path", path)
	return &DB{db: pdb, path: path}, nil
}

// Close closes the underlying pebble DB.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	if err := d.db.Close(); err != nil {
		return err
	}
	d.db = nil
	logger.Info("pebble_closed", "path", d.path)
	return nil
}

// Ready reports whether the store is opened and usable.
func (d *DB) Ready() bool { return d != nil && d.db != nil }

// Path returns the on-disk path of the database.
func (d *DB) Path() string { return d.path }

// Set writes key=value with a sync to stable storage.
func (d *DB) Set(key, value []byte) error {
	if d.db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	return d.db.Set(key, value, pebble.Sync)
}

// Get returns the value for key. The returned slice is a copy owned by the
// caller. ErrNotFound is pebble.ErrNotFound.
func (d *DB) Get(key []byte) ([]byte, error) {
	if d.db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := d.db.Get(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	if cerr := closer.Close(); cerr != nil {
		return nil, cerr
	}
	return out, nil
}

// Delete removes key with a sync.
func (d *DB) Delete(key []byte) error {
	if d.db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	return d.db.Delete(key, pebble.Sync)
}

// Apply atomically applies a batch of key/value sets with a sync. Used by
// the projection writer so one dispatched batch lands as a unit.
func (d *DB) Apply(kvs map[string][]byte) error {
	if d.db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	b := d.db.NewBatch()
	defer b.Close()
	for k, v := range kvs {
		if err := b.Set([]byte(k), v, nil); err != nil {
			return err
		}
	}
	return d.db.Apply(b, pebble.Sync)
}

// ScanPrefix iterates keys with the given prefix in order, invoking fn with
// each key and value. Iteration stops when fn returns false.
func (d *DB) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	if d.db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	iter, err := d.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
			break
		}
		if !fn(k, iter.Value()) {
			break
		}
	}
	return iter.Error()
}

// IsNotFound reports whether err is the pebble missing-key error.
func IsNotFound(err error) bool { return err == pebble.ErrNotFound }
