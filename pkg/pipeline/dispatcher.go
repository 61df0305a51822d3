package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"projectd/pkg/feed"
	"projectd/pkg/logger"
)

// ErrPipelineFailed is returned by Dispatch once a batch failure has been
// recorded; no further batches are accepted.
var ErrPipelineFailed = errors.New("pipeline: dispatch halted after fatal error")

// Writer is the external write path for one dispatched batch. Expected
// idempotent with respect to at-least-once redelivery; an error fails the
// pipeline.
type Writer interface {
	WriteBatch(ctx context.Context, docs [][]byte, op feed.OpKind) error
}

// DispatcherOptions configure a BatchDispatcher.
type DispatcherOptions struct {
	// PoolName identifies the dispatcher in logs and status output.
	PoolName string
	// Concurrency caps simultaneously running batch tasks.
	Concurrency int
	// OnFatal is invoked (once per failed batch, from the batch goroutine)
	// after a write failure is recorded. Deciding what a fatal condition
	// means is the embedding process's business.
	OnFatal func(error)
	// OnRelease receives pending records freed when a batch completes, so
	// the watcher can re-admit them through its normal admission path.
	OnRelease func([]ChangeRecord)
}

// BatchDispatcher runs batches as independent goroutines under a counting
// permit pool. Dispatch blocks the caller while acquiring a permit; that is
// the pipeline's backpressure point.
type BatchDispatcher struct {
	name      string
	feedName  string
	sem       chan struct{}
	seq       atomic.Uint64
	agg       *AggregateTracker
	tracker   *CheckpointTracker
	writer    Writer
	onFatal   func(error)
	onRelease func([]ChangeRecord)
	wg        sync.WaitGroup
}

// NewBatchDispatcher wires a dispatcher to its trackers and write path.
func NewBatchDispatcher(opts DispatcherOptions, feedName string, agg *AggregateTracker, tracker *CheckpointTracker, writer Writer) *BatchDispatcher {
	n := opts.Concurrency
	if n <= 0 {
		n = 1
	}
	name := opts.PoolName
	if name == "" {
		name = feedName + "-dispatch"
	}
	return &BatchDispatcher{
		name:      name,
		feedName:  feedName,
		sem:       make(chan struct{}, n),
		agg:       agg,
		tracker:   tracker,
		writer:    writer,
		onFatal:   opts.OnFatal,
		onRelease: opts.OnRelease,
	}
}

// Dispatch accepts one flushed batch. Empty input is a no-op: no sequence is
// consumed and nothing is registered. After a recorded fatal error Dispatch
// fails fast with ErrPipelineFailed. Otherwise it blocks until a concurrency
// permit is free (the backpressure point), then assigns the next sequence,
// registers the batch's entities synchronously (so admission checks made
// after this call see them) and starts the batch task. ctx aborts only the
// permit wait, not running tasks; an aborted wait consumes no sequence, so
// every assigned sequence reaches a checkpoint outcome.
func (d *BatchDispatcher) Dispatch(ctx context.Context, docs [][]byte, entityIDs []string, pos feed.Position, op feed.OpKind) error {
	if len(docs) == 0 {
		return nil
	}
	if d.tracker.HasFatalError() {
		return ErrPipelineFailed
	}

	waitStart := time.Now()
	select {
	case d.sem <- struct{}{}:
		dispatchWaitSeconds.WithLabelValues(d.feedName).Observe(time.Since(waitStart).Seconds())
	case <-ctx.Done():
		return ctx.Err()
	}

	seq := d.seq.Add(1)
	d.agg.RegisterBatch(seq, entityIDs)

	batch := Batch{Seq: seq, Docs: docs, EntityIDs: entityIDs, Position: pos, Op: op}
	batchesDispatchedTotal.WithLabelValues(d.feedName).Inc()
	logger.Debug("batch_dispatched", "pool", d.name, "seq", seq, "docs", len(docs), "entities", len(entityIDs))

	d.wg.Add(1)
	go d.run(batch)
	return nil
}

// run processes one batch. It always releases the permit and completes the
// batch's registration, then hands any freed pending records to OnRelease.
// Batch tasks are not cancelled on stop; they finish naturally so the
// checkpoint is never left inconsistent.
func (d *BatchDispatcher) run(b Batch) {
	defer d.wg.Done()
	defer func() {
		<-d.sem
		released := d.agg.CompleteBatch(b.Seq)
		if len(released) > 0 {
			logger.Info("pending_records_released", "pool", d.name, "seq", b.Seq, "count", len(released))
			if d.onRelease != nil {
				d.onRelease(released)
			}
		}
	}()

	if err := d.writer.WriteBatch(context.Background(), b.Docs, b.Op); err != nil {
		d.tracker.MarkFailed(b.Seq, err)
		batchFailuresTotal.WithLabelValues(d.feedName).Inc()
		logger.Error("batch_write_failed", "pool", d.name, "seq", b.Seq, "docs", len(b.Docs), "error", err)
		if d.onFatal != nil {
			d.onFatal(err)
		}
		return
	}
	d.tracker.MarkComplete(b.Seq, b.Position)
}

// Wait blocks until all started batch tasks have finished.
func (d *BatchDispatcher) Wait() { d.wg.Wait() }

// CurrentSequence returns the last assigned batch sequence number.
func (d *BatchDispatcher) CurrentSequence() uint64 { return d.seq.Load() }

// AvailableSlots returns the number of free concurrency permits.
func (d *BatchDispatcher) AvailableSlots() int { return cap(d.sem) - len(d.sem) }

// PoolName returns the dispatcher's name.
func (d *BatchDispatcher) PoolName() string { return d.name }
