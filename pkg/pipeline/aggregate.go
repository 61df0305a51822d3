package pipeline

import (
	"sync"
)

// AggregateTracker enforces per-entity ordering across concurrent batches.
// It records which entity ids are in flight under which batch sequence, and
// queues records whose entity was already in flight at admission time so the
// reader can keep admitting unrelated records instead of stalling the feed.
//
// All operations hold one mutex and never block on I/O. Correctness relies
// on RegisterBatch happening before any IsInFlight check for records read
// later in the feed; the watcher's single-threaded read loop guarantees
// that ordering.
type AggregateTracker struct {
	mu       sync.Mutex
	inFlight map[uint64]map[string]struct{}
	pending  []ChangeRecord
}

// NewAggregateTracker returns an empty tracker.
func NewAggregateTracker() *AggregateTracker {
	return &AggregateTracker{inFlight: make(map[uint64]map[string]struct{})}
}

// RegisterBatch records that entityIDs are now in flight under seq. Called
// once per dispatched batch, before its concurrent processing starts.
func (t *AggregateTracker) RegisterBatch(seq uint64, entityIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	t.inFlight[seq] = set
}

// IsInFlight reports whether entityID appears in any currently-registered
// batch. The empty entity id is never in flight; untracked records have no
// ordering constraint.
func (t *AggregateTracker) IsInFlight(entityID string) bool {
	if entityID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, set := range t.inFlight {
		if _, ok := set[entityID]; ok {
			return true
		}
	}
	return false
}

// AddPending appends a record to the pending queue; used when admission is
// blocked by an in-flight entity.
func (t *AggregateTracker) AddPending(rec ChangeRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, rec)
}

// PendingCount returns the number of queued records.
func (t *AggregateTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// CompleteBatch removes seq's in-flight set and returns, in queue order, the
// pending records whose entity was blocked only by seq (no other registered
// batch still holds it). Returns nil when seq was never registered.
func (t *AggregateTracker) CompleteBatch(seq uint64) []ChangeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.inFlight[seq]
	if !ok {
		return nil
	}
	delete(t.inFlight, seq)

	released := make(map[string]struct{}, len(set))
	for id := range set {
		held := false
		for _, other := range t.inFlight {
			if _, ok := other[id]; ok {
				held = true
				break
			}
		}
		if !held {
			released[id] = struct{}{}
		}
	}
	if len(released) == 0 || len(t.pending) == 0 {
		return nil
	}

	var out []ChangeRecord
	kept := t.pending[:0]
	for _, rec := range t.pending {
		if _, ok := released[rec.EntityID]; ok {
			out = append(out, rec)
		} else {
			kept = append(kept, rec)
		}
	}
	t.pending = kept
	return out
}

// Reset clears all state. Test and recovery use only.
func (t *AggregateTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight = make(map[uint64]map[string]struct{})
	t.pending = nil
}
