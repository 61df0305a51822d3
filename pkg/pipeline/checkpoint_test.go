package pipeline

import (
	"errors"
	"sync"
	"testing"

	"projectd/pkg/checkpoint"
	"projectd/pkg/feed"
)

// recordingStore captures Save calls in order.
type recordingStore struct {
	mu    sync.Mutex
	saves []feed.Position
	fail  bool
}

func (s *recordingStore) Load(string) (feed.Position, error) { return nil, checkpoint.ErrNotFound }

func (s *recordingStore) Save(_ string, pos feed.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("save refused")
	}
	cp := make(feed.Position, len(pos))
	copy(cp, pos)
	s.saves = append(s.saves, cp)
	return nil
}

func (s *recordingStore) Clear(string) error { return nil }

func (s *recordingStore) saved() []feed.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]feed.Position(nil), s.saves...)
}

func pos(s string) feed.Position { return feed.Position(s) }

func TestCheckpointAdvancesInOrder(t *testing.T) {
	st := &recordingStore{}
	tr := NewCheckpointTracker(st, "k", "test")

	tr.MarkComplete(1, pos("p1"))
	tr.MarkComplete(2, pos("p2"))
	tr.MarkComplete(3, pos("p3"))

	if got := tr.LastCheckpointedSeq(); got != 3 {
		t.Fatalf("last checkpointed = %d, want 3", got)
	}
	saves := st.saved()
	if len(saves) != 3 || string(saves[0]) != "p1" || string(saves[2]) != "p3" {
		t.Fatalf("saves = %q, want p1 p2 p3 in order", saves)
	}
}

func TestCheckpointHoldsForGap(t *testing.T) {
	st := &recordingStore{}
	tr := NewCheckpointTracker(st, "k", "test")

	// completion order 1, 3, 4: the checkpoint must stop at 1 until 2 lands
	tr.MarkComplete(1, pos("p1"))
	tr.MarkComplete(3, pos("p3"))
	tr.MarkComplete(4, pos("p4"))
	if got := tr.LastCheckpointedSeq(); got != 1 {
		t.Fatalf("last checkpointed = %d, want 1 while 2 outstanding", got)
	}
	if got := tr.InFlightCount(); got != 2 {
		t.Fatalf("in flight = %d, want 2", got)
	}

	tr.MarkComplete(2, pos("p2"))
	if got := tr.LastCheckpointedSeq(); got != 4 {
		t.Fatalf("last checkpointed = %d, want 4 after gap filled", got)
	}
	saves := st.saved()
	want := []string{"p1", "p2", "p3", "p4"}
	if len(saves) != len(want) {
		t.Fatalf("got %d saves, want %d", len(saves), len(want))
	}
	for i, w := range want {
		if string(saves[i]) != w {
			t.Fatalf("save[%d] = %q, want %q", i, saves[i], w)
		}
	}
}

func TestCheckpointCappedByFailure(t *testing.T) {
	st := &recordingStore{}
	tr := NewCheckpointTracker(st, "k", "test")

	tr.MarkComplete(1, pos("p1"))
	tr.MarkFailed(2, errors.New("write rejected"))
	tr.MarkComplete(3, pos("p3"))
	tr.MarkComplete(4, pos("p4"))

	if got := tr.LastCheckpointedSeq(); got != 1 {
		t.Fatalf("last checkpointed = %d, want 1: failure at 2 must cap the run", got)
	}
	if !tr.HasFatalError() {
		t.Fatalf("fatal error not recorded")
	}
	if tr.FatalError() == nil {
		t.Fatalf("FatalError() = nil after MarkFailed")
	}
}

func TestCheckpointFatalErrorSticky(t *testing.T) {
	tr := NewCheckpointTracker(&recordingStore{}, "k", "test")
	first := errors.New("first failure")
	tr.MarkFailed(1, first)
	tr.MarkFailed(2, errors.New("second failure"))
	if got := tr.FatalError(); got != first {
		t.Fatalf("fatal error = %v, want the first failure", got)
	}
}

func TestCheckpointSaveFailureNotFatal(t *testing.T) {
	st := &recordingStore{fail: true}
	tr := NewCheckpointTracker(st, "k", "test")

	tr.MarkComplete(1, pos("p1"))
	if tr.HasFatalError() {
		t.Fatalf("checkpoint-store save failure marked the pipeline fatal")
	}
	if got := tr.LastCheckpointedSeq(); got != 1 {
		t.Fatalf("last checkpointed = %d, want 1: advancement is in-memory", got)
	}
}

func TestCheckpointReset(t *testing.T) {
	tr := NewCheckpointTracker(&recordingStore{}, "k", "test")
	tr.MarkComplete(1, pos("p1"))
	tr.MarkFailed(2, errors.New("boom"))
	tr.Reset()
	if tr.HasFatalError() || tr.LastCheckpointedSeq() != 0 || tr.InFlightCount() != 0 {
		t.Fatalf("reset did not clear tracker state")
	}
}

func TestMemStoreRoundTrip(t *testing.T) {
	st := checkpoint.NewMemStore()
	if _, err := st.Load("k"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("Load on empty store = %v, want ErrNotFound", err)
	}
	if err := st.Save("k", pos("p7")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := st.Load("k")
	if err != nil || string(got) != "p7" {
		t.Fatalf("Load = %q, %v; want p7", got, err)
	}
	if err := st.Clear("k"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := st.Load("k"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("Load after Clear = %v, want ErrNotFound", err)
	}

	st.FailLoads = true
	if _, err := st.Load("k"); !errors.Is(err, checkpoint.ErrUnavailable) {
		t.Fatalf("Load with FailLoads = %v, want ErrUnavailable", err)
	}
}
