// Package projection holds the transform and write path for dispatched
// batches: named mappers turn raw change documents into projection documents,
// and writers upsert them into the projection store.
package projection

import (
	"fmt"
	"sort"
	"sync"
)

// Document is one mapped projection document.
type Document struct {
	// Key identifies the document inside its projection collection.
	// Upserts with the same key overwrite, which is what makes at-least-once
	// redelivery safe.
	Key   string
	Value []byte
}

// Mapper transforms a raw change document into projection documents and
// declares the indexes the projection store should maintain for them.
type Mapper interface {
	// Map returns the projection documents for one change document. An
	// empty result skips the document.
	Map(payload []byte) ([]Document, error)
	// Indexes lists field paths (dot-separated) the store should index.
	Indexes() []string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Mapper)
)

// RegisterMapper registers a mapper under name. Registering the same name
// twice panics; mapper wiring is a startup-time concern.
func RegisterMapper(name string, m Mapper) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("projection: mapper %q registered twice", name))
	}
	registry[name] = m
}

// GetMapper returns the mapper registered under name.
func GetMapper(name string) (Mapper, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	m, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("projection: unknown mapper %q", name)
	}
	return m, nil
}

// MapperNames returns the registered mapper names, sorted.
func MapperNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
