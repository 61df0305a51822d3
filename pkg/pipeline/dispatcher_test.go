package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"projectd/pkg/feed"
)

// gateWriter blocks WriteBatch until released; records written batches and
// their op kinds.
type gateWriter struct {
	gate    chan struct{}
	mu      sync.Mutex
	batches [][][]byte
	ops     []feed.OpKind
	err     error
}

func newGateWriter() *gateWriter { return &gateWriter{gate: make(chan struct{})} }

func (w *gateWriter) WriteBatch(_ context.Context, docs [][]byte, op feed.OpKind) error {
	<-w.gate
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, docs)
	w.ops = append(w.ops, op)
	return nil
}

func (w *gateWriter) release() { close(w.gate) }

func (w *gateWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

func newTestDispatcher(t *testing.T, concurrency int, writer Writer, opts DispatcherOptions) (*BatchDispatcher, *AggregateTracker, *CheckpointTracker) {
	t.Helper()
	agg := NewAggregateTracker()
	tracker := NewCheckpointTracker(&recordingStore{}, "k", "test")
	opts.Concurrency = concurrency
	d := NewBatchDispatcher(opts, "test", agg, tracker, writer)
	return d, agg, tracker
}

func TestDispatchEmptyBatchNoOp(t *testing.T) {
	w := newGateWriter()
	w.release()
	d, _, _ := newTestDispatcher(t, 2, w, DispatcherOptions{})

	if err := d.Dispatch(context.Background(), nil, nil, nil, feed.OpInsert); err != nil {
		t.Fatalf("empty dispatch: %v", err)
	}
	if got := d.CurrentSequence(); got != 0 {
		t.Fatalf("sequence = %d after empty dispatch, want 0", got)
	}
	d.Wait()
	if w.count() != 0 {
		t.Fatalf("writer invoked for empty batch")
	}
}

func TestDispatchAssignsSequencesAndWrites(t *testing.T) {
	w := newGateWriter()
	w.release()
	d, _, tracker := newTestDispatcher(t, 4, w, DispatcherOptions{})

	for i := 0; i < 3; i++ {
		docs := [][]byte{[]byte(`{"id":"a"}`)}
		if err := d.Dispatch(context.Background(), docs, []string{"a"}, feed.Position("p"), feed.OpInsert); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
		// one entity cannot ride two concurrent batches; wait each out
		d.Wait()
	}
	if got := d.CurrentSequence(); got != 3 {
		t.Fatalf("sequence = %d, want 3", got)
	}
	if got := w.count(); got != 3 {
		t.Fatalf("writer saw %d batches, want 3", got)
	}
	if got := tracker.LastCheckpointedSeq(); got != 3 {
		t.Fatalf("checkpoint = %d, want 3", got)
	}
}

func TestDispatchFailFastAfterFatal(t *testing.T) {
	w := newGateWriter()
	w.err = errors.New("projection store rejected batch")
	w.release()

	var fatals atomic.Int32
	d, agg, tracker := newTestDispatcher(t, 2, w, DispatcherOptions{
		OnFatal: func(error) { fatals.Add(1) },
	})

	if err := d.Dispatch(context.Background(), [][]byte{[]byte("{}")}, []string{"a"}, nil, feed.OpInsert); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	d.Wait()

	if !tracker.HasFatalError() {
		t.Fatalf("write failure not recorded as fatal")
	}
	if got := fatals.Load(); got != 1 {
		t.Fatalf("OnFatal called %d times, want 1", got)
	}
	if agg.IsInFlight("a") {
		t.Fatalf("entity still in flight after failed batch completed")
	}

	err := d.Dispatch(context.Background(), [][]byte{[]byte("{}")}, nil, nil, feed.OpInsert)
	if !errors.Is(err, ErrPipelineFailed) {
		t.Fatalf("dispatch after fatal = %v, want ErrPipelineFailed", err)
	}
	if got := d.CurrentSequence(); got != 1 {
		t.Fatalf("sequence = %d, want 1: rejected dispatch must not consume one", got)
	}
}

func TestDispatchBackpressureBlocks(t *testing.T) {
	w := newGateWriter()
	d, _, _ := newTestDispatcher(t, 1, w, DispatcherOptions{})

	if err := d.Dispatch(context.Background(), [][]byte{[]byte("{}")}, []string{"a"}, nil, feed.OpInsert); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if got := d.AvailableSlots(); got != 0 {
		t.Fatalf("available slots = %d with one batch running, want 0", got)
	}

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- d.Dispatch(context.Background(), [][]byte{[]byte("{}")}, []string{"b"}, nil, feed.OpInsert)
	}()

	select {
	case err := <-secondDone:
		t.Fatalf("second dispatch returned %v while the pool was full", err)
	case <-time.After(50 * time.Millisecond):
	}

	w.release()
	select {
	case err := <-secondDone:
		if err != nil {
			t.Fatalf("second dispatch after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second dispatch still blocked after permit freed")
	}
	d.Wait()
}

func TestDispatchPermitWaitHonorsContext(t *testing.T) {
	w := newGateWriter()
	d, agg, tracker := newTestDispatcher(t, 1, w, DispatcherOptions{})

	if err := d.Dispatch(context.Background(), [][]byte{[]byte("{}")}, []string{"a"}, feed.Position("p1"), feed.OpInsert); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.Dispatch(ctx, [][]byte{[]byte("{}")}, []string{"b"}, feed.Position("p2"), feed.OpInsert)
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled dispatch = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled dispatch did not return")
	}
	if agg.IsInFlight("b") {
		t.Fatalf("entity of never-started batch left in flight")
	}
	if got := d.CurrentSequence(); got != 1 {
		t.Fatalf("sequence = %d after aborted wait, want 1: an aborted wait must not consume one", got)
	}

	w.release()
	d.Wait()

	// the aborted wait left no gap, so later batches still checkpoint
	if err := d.Dispatch(context.Background(), [][]byte{[]byte("{}")}, []string{"c"}, feed.Position("p3"), feed.OpInsert); err != nil {
		t.Fatalf("dispatch after aborted wait: %v", err)
	}
	d.Wait()
	if got := tracker.LastCheckpointedSeq(); got != 2 {
		t.Fatalf("checkpoint = %d after aborted wait, want 2", got)
	}
}

func TestDispatchReleaseCallback(t *testing.T) {
	w := newGateWriter()

	var mu sync.Mutex
	var released []ChangeRecord
	d, agg, _ := newTestDispatcher(t, 1, w, DispatcherOptions{
		OnRelease: func(recs []ChangeRecord) {
			mu.Lock()
			released = append(released, recs...)
			mu.Unlock()
		},
	})

	if err := d.Dispatch(context.Background(), [][]byte{[]byte("{}")}, []string{"a"}, nil, feed.OpInsert); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// queue the deferred record while the batch is still held at the gate
	agg.AddPending(ChangeRecord{EntityID: "a", Payload: []byte("deferred")})
	w.release()
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(released) != 1 || string(released[0].Payload) != "deferred" {
		t.Fatalf("released = %+v, want the one deferred record", released)
	}
}
