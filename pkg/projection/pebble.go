package projection

import (
	"context"
	"fmt"

	"projectd/pkg/feed"
	"projectd/pkg/logger"
	"projectd/pkg/store"
	"projectd/pkg/utils"
)

// PebbleWriter upserts mapped projection documents into the shared pebble
// database. Key layout:
//
//	proj:<collection>:<docKey>                     projection document
//	idx:<collection>:<field>:<value>:<docKey>      index entry
//
// Writes for one batch are applied atomically; upserts are idempotent with
// respect to at-least-once redelivery.
type PebbleWriter struct {
	db         *store.DB
	collection string
	mapper     Mapper
}

// NewPebbleWriter builds a writer for one projection collection.
func NewPebbleWriter(db *store.DB, collection string, mapper Mapper) *PebbleWriter {
	return &PebbleWriter{db: db, collection: collection, mapper: mapper}
}

// WriteBatch maps and upserts all documents of one dispatched batch. Delete
// operations remove the projection documents (and their index entries are
// left to compaction; index reads must verify the primary document).
func (w *PebbleWriter) WriteBatch(ctx context.Context, docs [][]byte, op feed.OpKind) error {
	if len(docs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	kvs := make(map[string][]byte, len(docs))
	var dels []string
	for _, raw := range docs {
		mapped, err := w.mapper.Map(raw)
		if err != nil {
			return fmt.Errorf("mapper failed for collection %s: %w", w.collection, err)
		}
		for _, d := range mapped {
			key := fmt.Sprintf("proj:%s:%s", w.collection, d.Key)
			if op == feed.OpDelete {
				dels = append(dels, key)
				continue
			}
			kvs[key] = d.Value
			for _, field := range w.mapper.Indexes() {
				if val, ok := utils.ExtractField(d.Value, field); ok {
					idxKey := fmt.Sprintf("idx:%s:%s:%s:%s", w.collection, field, val, d.Key)
					kvs[idxKey] = []byte(d.Key)
				}
			}
		}
	}

	if len(kvs) > 0 {
		if err := w.db.Apply(kvs); err != nil {
			logger.Error("projection_write_failed", "collection", w.collection, "docs", len(docs), "error", err)
			return err
		}
	}
	for _, key := range dels {
		if err := w.db.Delete([]byte(key)); err != nil {
			logger.Error("projection_delete_failed", "collection", w.collection, "key", key, "error", err)
			return err
		}
	}
	logger.Debug("projection_batch_written", "collection", w.collection, "docs", len(docs), "op", string(op))
	return nil
}
