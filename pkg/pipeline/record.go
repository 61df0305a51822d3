// Package pipeline is the consumption/ordering/checkpointing engine: a
// stream watcher reads change records from a feed, admission control keeps
// any one entity out of two concurrently-running batches, a dispatcher runs
// batches under a bounded permit pool, and a checkpoint tracker advances the
// persisted resume position only over a contiguous run of successful batches.
package pipeline

import (
	"projectd/pkg/feed"
)

// ChangeRecord is one admitted change-feed event plus its derived entity id.
// Immutable once read.
type ChangeRecord struct {
	Op       feed.OpKind
	Payload  []byte
	EntityID string
	Position feed.Position
}

// Batch is one dispatch unit: a bounded group of change documents processed
// together, identified by a process-local monotonic sequence number.
type Batch struct {
	Seq       uint64
	Docs      [][]byte
	EntityIDs []string
	// Position is the position marker of the last record in the batch; it
	// is what gets checkpointed once every batch up to and including Seq
	// has completed.
	Position feed.Position
	// Op tags the batch with the operation kind of its first record
	// (informational).
	Op feed.OpKind
}
