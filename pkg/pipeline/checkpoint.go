package pipeline

import (
	"sync"

	"projectd/pkg/checkpoint"
	"projectd/pkg/feed"
	"projectd/pkg/logger"
)

type outcome struct {
	pos feed.Position
	err error
}

// CheckpointTracker records the outcome of every dispatched batch by
// sequence number and advances the persisted checkpoint only over a
// contiguous run of successes. Batches may complete out of order; the
// persisted position never moves past the oldest unfinished or failed
// batch, so a restart can never skip an event that was in flight when the
// process died.
type CheckpointTracker struct {
	store checkpoint.Store
	key   string
	name  string

	mu       sync.Mutex
	outcomes map[uint64]outcome
	last     uint64
	fatal    error

	// persistMu serializes checkpoint saves so markers reach the store in
	// sequence order; it is never held together with mu around I/O.
	persistMu sync.Mutex
}

// NewCheckpointTracker builds a tracker persisting under key in store.
// name is the owning feed's name, used for logs and metrics.
func NewCheckpointTracker(store checkpoint.Store, key, name string) *CheckpointTracker {
	return &CheckpointTracker{
		store:    store,
		key:      key,
		name:     name,
		outcomes: make(map[uint64]outcome),
	}
}

// MarkComplete records success for seq and advances the checkpoint over the
// now-contiguous run of successes, persisting each position marker in
// sequence order. A checkpoint-store save failure is logged, not fatal: the
// pipeline keeps processing and at-least-once redelivery covers the gap.
func (t *CheckpointTracker) MarkComplete(seq uint64, pos feed.Position) {
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	t.mu.Lock()
	t.outcomes[seq] = outcome{pos: pos}
	var run []feed.Position
	for {
		next, ok := t.outcomes[t.last+1]
		if !ok || next.err != nil {
			break
		}
		t.last++
		delete(t.outcomes, t.last)
		run = append(run, next.pos)
	}
	last := t.last
	t.mu.Unlock()

	for _, p := range run {
		if err := t.store.Save(t.key, p); err != nil {
			logger.Warn("checkpoint_save_failed", "feed", t.name, "key", t.key, "error", err)
		}
	}
	if len(run) > 0 {
		checkpointSeqGauge.WithLabelValues(t.name).Set(float64(last))
		logger.Debug("checkpoint_advanced", "feed", t.name, "seq", last)
	}
}

// MarkFailed records failure for seq and sets the sticky fatal error. The
// checkpoint never advances past a failed sequence.
func (t *CheckpointTracker) MarkFailed(seq uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomes[seq] = outcome{err: err}
	if t.fatal == nil {
		t.fatal = err
	}
	logger.Error("batch_failed", "feed", t.name, "seq", seq, "error", err)
}

// HasFatalError reports whether any batch has failed.
func (t *CheckpointTracker) HasFatalError() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fatal != nil
}

// FatalError returns the first recorded batch failure, or nil.
func (t *CheckpointTracker) FatalError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fatal
}

// LastCheckpointedSeq returns the highest sequence whose position marker has
// been handed to the checkpoint store.
func (t *CheckpointTracker) LastCheckpointedSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// InFlightCount returns the number of recorded outcomes the checkpoint has
// not advanced over yet.
func (t *CheckpointTracker) InFlightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outcomes)
}

// Reset clears all state including the fatal flag. Test use only.
func (t *CheckpointTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomes = make(map[uint64]outcome)
	t.last = 0
	t.fatal = nil
}
