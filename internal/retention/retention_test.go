package retention

import (
	"strings"
	"testing"

	"projectd/pkg/checkpoint"
	"projectd/pkg/config"
	"projectd/pkg/feed"
	"projectd/pkg/feed/walfeed"
)

func seedLog(t *testing.T, n int) *walfeed.Log {
	t.Helper()
	log, err := walfeed.Open(walfeed.Options{Dir: t.TempDir(), MaxFileSize: 256})
	if err != nil {
		t.Fatalf("walfeed.Open: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	payload := strings.Repeat("z", 64)
	for i := 0; i < n; i++ {
		if _, err := log.Append(feed.OpInsert, []byte(payload)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return log
}

func TestRunOnceTruncatesBelowMinCheckpoint(t *testing.T) {
	log := seedLog(t, 12)
	ck := checkpoint.NewMemStore()
	// two consumers at different positions: the slower one bounds the cutoff
	_ = ck.Save("fast", walfeed.EncodePosition(10))
	_ = ck.Save("slow", walfeed.EncodePosition(5))

	r := NewRunner(config.RetentionConfig{Enabled: true}, ck, []Target{
		{Source: "s", Log: log, CheckpointKeys: []string{"fast", "slow"}},
	})
	if err := r.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	oldest := log.OldestSeq()
	if oldest > 6 {
		t.Fatalf("oldest = %d: truncated past the slow consumer's checkpoint", oldest)
	}
	if oldest == 0 {
		t.Fatalf("nothing truncated despite checkpoints at 5 and 10")
	}
}

func TestRunOnceSkipsWithoutCheckpoint(t *testing.T) {
	log := seedLog(t, 12)
	ck := checkpoint.NewMemStore()
	_ = ck.Save("fast", walfeed.EncodePosition(10))
	// "new" consumer has no checkpoint yet; seq truncation must not happen

	r := NewRunner(config.RetentionConfig{Enabled: true}, ck, []Target{
		{Source: "s", Log: log, CheckpointKeys: []string{"fast", "new"}},
	})
	if err := r.RunOnce(); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := log.OldestSeq(); got != 0 {
		t.Fatalf("oldest = %d, want 0: missing checkpoint must block truncation", got)
	}
}

func TestRunOnceSkipsUnavailableStore(t *testing.T) {
	log := seedLog(t, 12)
	ck := checkpoint.NewMemStore()
	_ = ck.Save("c", walfeed.EncodePosition(10))
	ck.FailLoads = true

	r := NewRunner(config.RetentionConfig{Enabled: true}, ck, []Target{
		{Source: "s", Log: log, CheckpointKeys: []string{"c"}},
	})
	if err := r.RunOnce(); err == nil {
		t.Fatalf("RunOnce with unreachable checkpoint store reported success")
	}
	if got := log.OldestSeq(); got != 0 {
		t.Fatalf("oldest = %d, want 0: unreachable store must block truncation", got)
	}
}

func TestStartRejectsInvalidCron(t *testing.T) {
	r := NewRunner(config.RetentionConfig{Enabled: true, Cron: "not a cron"}, checkpoint.NewMemStore(), nil)
	if _, err := r.Start(t.Context()); err == nil {
		t.Fatalf("invalid cron accepted")
	}
}

func TestStartDisabledIsNoOp(t *testing.T) {
	r := NewRunner(config.RetentionConfig{Enabled: false}, checkpoint.NewMemStore(), nil)
	cancel, err := r.Start(t.Context())
	if err != nil {
		t.Fatalf("Start disabled: %v", err)
	}
	cancel()
}
