package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"projectd/pkg/checkpoint"
	"projectd/pkg/feed"
	"projectd/pkg/logger"
	"projectd/pkg/utils"
)

// WatcherState is the connection state of a StreamWatcher.
type WatcherState int32

const (
	StateDisconnected WatcherState = iota
	StateConnecting
	StateWatching
	StateTerminated
)

func (s WatcherState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateWatching:
		return "watching"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// WatcherOptions configure a StreamWatcher.
type WatcherOptions struct {
	FeedName      string
	CheckpointKey string
	Ops           []feed.OpKind
	EntityIDField string
	BatchMaxSize  int
	BatchMaxWait  time.Duration
	// IdlePoll paces the read loop when the feed has no records.
	IdlePoll time.Duration
	// BackoffInitial/BackoffMax bound reconnect delays; the delay doubles
	// on consecutive failures and resets after a successful connect.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// StreamWatcher owns the feed cursor. A single goroutine reads records,
// applies per-entity admission control, accumulates a batch and flushes it
// to the dispatcher on size or time thresholds (or early, when a second
// record for an entity already in the current batch arrives).
type StreamWatcher struct {
	opts    WatcherOptions
	source  feed.Source
	ckpt    checkpoint.Store
	tracker *CheckpointTracker
	agg     *AggregateTracker
	disp    *BatchDispatcher

	state   atomic.Int32
	running atomic.Bool
	started atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}

	limiter *rate.Limiter

	// released holds pending records handed back by the dispatcher when
	// their blocking batch completed; the read loop re-admits them ahead of
	// new feed records.
	releaseMu sync.Mutex
	released  []ChangeRecord

	// batch accumulation state, owned by the read loop
	docs       [][]byte
	ids        []string
	idSet      map[string]struct{}
	lastPos    feed.Position
	batchOp    feed.OpKind
	batchStart time.Time
}

// NewStreamWatcher wires a watcher. Start must be called to begin reading.
func NewStreamWatcher(opts WatcherOptions, source feed.Source, ckpt checkpoint.Store, tracker *CheckpointTracker, agg *AggregateTracker, disp *BatchDispatcher) *StreamWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &StreamWatcher{
		opts:    opts,
		source:  source,
		ckpt:    ckpt,
		tracker: tracker,
		agg:     agg,
		disp:    disp,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Every(opts.IdlePoll), 1),
	}
	w.state.Store(int32(StateDisconnected))
	return w
}

// Start launches the read loop. Calling Start twice is a no-op.
func (w *StreamWatcher) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.running.Store(true)
	go w.run()
}

// Stop signals the read loop to exit and waits for it. In-flight batch
// tasks are left to finish naturally. Idempotent.
func (w *StreamWatcher) Stop() {
	w.stopOnce.Do(func() {
		w.running.Store(false)
		w.cancel()
	})
	if w.started.Load() {
		<-w.done
	}
}

// IsRunning reports whether the read loop is active.
func (w *StreamWatcher) IsRunning() bool { return w.running.Load() }

// State returns the watcher's connection state.
func (w *StreamWatcher) State() WatcherState { return WatcherState(w.state.Load()) }

// EnqueueReleased queues records freed by a completed batch for
// re-admission. Wired as the dispatcher's OnRelease callback.
func (w *StreamWatcher) EnqueueReleased(recs []ChangeRecord) {
	if len(recs) == 0 {
		return
	}
	w.releaseMu.Lock()
	w.released = append(w.released, recs...)
	w.releaseMu.Unlock()
}

func (w *StreamWatcher) run() {
	defer close(w.done)
	defer w.running.Store(false)
	defer w.state.Store(int32(StateTerminated))

	backoff := w.opts.BackoffInitial
	for w.running.Load() {
		w.state.Store(int32(StateConnecting))
		cur, err := w.connect()
		if err != nil {
			if errors.Is(err, feed.ErrPositionExpired) {
				w.recoverStalePosition()
				continue
			}
			logger.Warn("feed_connect_failed", "feed", w.opts.FeedName, "backoff", backoff.String(), "error", err)
			if !w.sleep(backoff) {
				break
			}
			backoff = nextBackoff(backoff, w.opts.BackoffMax)
			continue
		}
		backoff = w.opts.BackoffInitial
		w.state.Store(int32(StateWatching))
		logger.Info("feed_watching", "feed", w.opts.FeedName)

		err = w.watch(cur)
		_ = cur.Close()
		if err == nil {
			// stopped or pipeline-fatal
			break
		}
		w.state.Store(int32(StateDisconnected))
		if errors.Is(err, feed.ErrPositionExpired) {
			w.recoverStalePosition()
			continue
		}
		logger.Warn("feed_read_failed", "feed", w.opts.FeedName, "backoff", backoff.String(), "error", err)
		if !w.sleep(backoff) {
			break
		}
		backoff = nextBackoff(backoff, w.opts.BackoffMax)
	}
}

// connect loads the persisted resume position and opens the cursor. An
// unreachable checkpoint store is tolerated: the watcher proceeds without a
// resume position rather than refuse to start.
func (w *StreamWatcher) connect() (feed.Cursor, error) {
	var resume feed.Position
	pos, err := w.ckpt.Load(w.opts.CheckpointKey)
	switch {
	case err == nil:
		resume = pos
	case errors.Is(err, checkpoint.ErrNotFound):
		// first start; open live
	case errors.Is(err, checkpoint.ErrUnavailable):
		logger.Warn("checkpoint_store_unavailable", "feed", w.opts.FeedName, "key", w.opts.CheckpointKey, "error", err)
	default:
		logger.Warn("checkpoint_load_failed", "feed", w.opts.FeedName, "key", w.opts.CheckpointKey, "error", err)
	}
	return w.source.Open(w.ctx, resume, w.opts.Ops)
}

// recoverStalePosition handles a resume position that fell out of the
// feed's retention window: events may have been missed, which is logged
// loudly; the checkpoint is cleared and the watcher resumes from the
// current live position instead of failing permanently.
func (w *StreamWatcher) recoverStalePosition() {
	logger.Error("resume_position_expired", "feed", w.opts.FeedName, "key", w.opts.CheckpointKey,
		"msg", "resume position fell out of the feed retention window; events may have been missed, resuming from live position")
	if err := w.ckpt.Clear(w.opts.CheckpointKey); err != nil {
		logger.Warn("checkpoint_clear_failed", "feed", w.opts.FeedName, "key", w.opts.CheckpointKey, "error", err)
	}
}

// watch is the read/admit/flush loop. Returns nil on stop or pipeline-fatal
// and a feed error when the cursor broke (caller reconnects).
func (w *StreamWatcher) watch(cur feed.Cursor) error {
	w.resetBatch()
	for w.running.Load() {
		if w.tracker.HasFatalError() {
			logger.Error("watcher_halting_on_fatal", "feed", w.opts.FeedName, "error", w.tracker.FatalError())
			w.running.Store(false)
			return nil
		}

		// Re-admit records released by completed batches before reading
		// further; they are older than anything still in the feed.
		for _, rec := range w.drainReleased() {
			if err := w.admit(rec); err != nil {
				return w.dispatchErr(err)
			}
		}

		rec, ok, err := cur.TryNext(w.ctx)
		if err != nil {
			return err
		}
		if ok {
			recordsReadTotal.WithLabelValues(w.opts.FeedName).Inc()
			cr := ChangeRecord{Op: rec.Op, Payload: rec.Payload, Position: rec.Position}
			cr.EntityID, _ = utils.ExtractField(rec.Payload, w.opts.EntityIDField)
			if err := w.admit(cr); err != nil {
				return w.dispatchErr(err)
			}
		}

		if w.shouldFlush() {
			if err := w.flush(); err != nil {
				return w.dispatchErr(err)
			}
		}

		if !ok {
			// Nothing available: pace the poll instead of spinning.
			if err := w.limiter.Wait(w.ctx); err != nil {
				return nil
			}
		}
	}
	return nil
}

// dispatchErr maps dispatcher errors: a fatal pipeline error or stop
// cancellation ends the watch loop cleanly; anything else reconnects.
func (w *StreamWatcher) dispatchErr(err error) error {
	if errors.Is(err, ErrPipelineFailed) || errors.Is(err, context.Canceled) {
		w.running.Store(false)
		return nil
	}
	return err
}

// admit routes one record: defer it when its entity has a batch in flight,
// flush early when its entity is already in the current un-flushed batch,
// otherwise append it to the current batch.
func (w *StreamWatcher) admit(rec ChangeRecord) error {
	if rec.EntityID != "" && w.agg.IsInFlight(rec.EntityID) {
		w.agg.AddPending(rec)
		recordsDeferredTotal.WithLabelValues(w.opts.FeedName).Inc()
		pendingRecordsGauge.WithLabelValues(w.opts.FeedName).Set(float64(w.agg.PendingCount()))
		return nil
	}
	if rec.EntityID != "" {
		if _, dup := w.idSet[rec.EntityID]; dup {
			// A second record for this entity must never share a
			// concurrently-dispatched batch with the first.
			if err := w.flush(); err != nil {
				return err
			}
		}
	}
	if len(w.docs) > 0 && rec.Op != w.batchOp {
		// The write path applies one op kind to a whole batch; a record
		// with a different kind starts a new one.
		if err := w.flush(); err != nil {
			return err
		}
	}
	if len(w.docs) == 0 {
		w.batchStart = time.Now()
		w.batchOp = rec.Op
	}
	w.docs = append(w.docs, rec.Payload)
	if rec.EntityID != "" {
		if _, ok := w.idSet[rec.EntityID]; !ok {
			w.idSet[rec.EntityID] = struct{}{}
			w.ids = append(w.ids, rec.EntityID)
		}
	}
	w.lastPos = rec.Position
	return nil
}

func (w *StreamWatcher) shouldFlush() bool {
	if len(w.docs) == 0 {
		return false
	}
	if len(w.docs) >= w.opts.BatchMaxSize {
		return true
	}
	return time.Since(w.batchStart) >= w.opts.BatchMaxWait
}

func (w *StreamWatcher) flush() error {
	if len(w.docs) == 0 {
		return nil
	}
	docs, ids, pos, op := w.docs, w.ids, w.lastPos, w.batchOp
	w.resetBatch()
	err := w.disp.Dispatch(w.ctx, docs, ids, pos, op)
	pendingRecordsGauge.WithLabelValues(w.opts.FeedName).Set(float64(w.agg.PendingCount()))
	return err
}

func (w *StreamWatcher) resetBatch() {
	w.docs = nil
	w.ids = nil
	w.idSet = make(map[string]struct{})
	w.lastPos = nil
	w.batchOp = ""
	w.batchStart = time.Time{}
}

func (w *StreamWatcher) drainReleased() []ChangeRecord {
	w.releaseMu.Lock()
	out := w.released
	w.released = nil
	w.releaseMu.Unlock()
	return out
}

// sleep waits d or until stop; reports whether the watcher is still running.
func (w *StreamWatcher) sleep(d time.Duration) bool {
	select {
	case <-w.ctx.Done():
		return false
	case <-time.After(d):
		return w.running.Load()
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
