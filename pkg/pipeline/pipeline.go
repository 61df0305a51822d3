package pipeline

import (
	"fmt"
	"time"

	"projectd/pkg/checkpoint"
	"projectd/pkg/config"
	"projectd/pkg/feed"
)

// Options assemble one pipeline instance: one watcher plus one tracker set
// per configured feed. All state is owned by that instance; coordination
// across instances happens only through the persisted checkpoint and the
// fatal callback.
type Options struct {
	Cfg         config.FeedConfig
	Source      feed.Source
	Checkpoints checkpoint.Store
	Writer      Writer
	// OnFatal is called when a batch fails. The embedding process decides
	// whether that means exiting, restarting or demoting to standby.
	OnFatal func(error)
}

// Pipeline is one feed's consumption/ordering/checkpointing engine.
type Pipeline struct {
	name    string
	agg     *AggregateTracker
	tracker *CheckpointTracker
	disp    *BatchDispatcher
	watcher *StreamWatcher
}

// New wires trackers, dispatcher and watcher for one feed config. The
// config must have passed config.ValidateConfig so defaults are present.
func New(opts Options) (*Pipeline, error) {
	cfg := opts.Cfg
	ops := make([]feed.OpKind, 0, len(cfg.WatchOperations))
	for _, s := range cfg.WatchOperations {
		op, err := feed.ParseOpKind(s)
		if err != nil {
			return nil, fmt.Errorf("feed %q: %w", cfg.Name, err)
		}
		ops = append(ops, op)
	}

	agg := NewAggregateTracker()
	tracker := NewCheckpointTracker(opts.Checkpoints, cfg.CheckpointKey, cfg.Name)

	p := &Pipeline{name: cfg.Name, agg: agg, tracker: tracker}

	disp := NewBatchDispatcher(DispatcherOptions{
		Concurrency: cfg.Concurrency,
		OnFatal:     opts.OnFatal,
		OnRelease: func(recs []ChangeRecord) {
			p.watcher.EnqueueReleased(recs)
		},
	}, cfg.Name, agg, tracker, opts.Writer)
	p.disp = disp

	p.watcher = NewStreamWatcher(WatcherOptions{
		FeedName:       cfg.Name,
		CheckpointKey:  cfg.CheckpointKey,
		Ops:            ops,
		EntityIDField:  cfg.EntityIDField,
		BatchMaxSize:   cfg.BatchMaxSize,
		BatchMaxWait:   cfg.BatchMaxWait.Duration(),
		IdlePoll:       cfg.IdlePoll.Duration(),
		BackoffInitial: cfg.BackoffInitial.Duration(),
		BackoffMax:     cfg.BackoffMax.Duration(),
	}, opts.Source, opts.Checkpoints, tracker, agg, disp)

	return p, nil
}

// Name returns the feed name.
func (p *Pipeline) Name() string { return p.name }

// Start launches the watcher's read loop.
func (p *Pipeline) Start() { p.watcher.Start() }

// Stop halts the watcher and waits for in-flight batch tasks to finish
// naturally. Idempotent.
func (p *Pipeline) Stop() {
	p.watcher.Stop()
	p.disp.Wait()
}

// IsRunning reports whether the watcher's read loop is active.
func (p *Pipeline) IsRunning() bool { return p.watcher.IsRunning() }

// HasFatalError reports whether a batch failure halted the pipeline.
func (p *Pipeline) HasFatalError() bool { return p.tracker.HasFatalError() }

// FatalError returns the recorded batch failure, or nil.
func (p *Pipeline) FatalError() error { return p.tracker.FatalError() }

// Status is a point-in-time view of a pipeline's counters.
type Status struct {
	Feed            string    `json:"feed"`
	State           string    `json:"state"`
	Running         bool      `json:"running"`
	CurrentSeq      uint64    `json:"current_seq"`
	CheckpointedSeq uint64    `json:"checkpointed_seq"`
	InFlight        int       `json:"in_flight"`
	AvailableSlots  int       `json:"available_slots"`
	Pending         int       `json:"pending"`
	FatalError      string    `json:"fatal_error,omitempty"`
	At              time.Time `json:"at"`
}

// Status returns the pipeline's current counters.
func (p *Pipeline) Status() Status {
	st := Status{
		Feed:            p.name,
		State:           p.watcher.State().String(),
		Running:         p.watcher.IsRunning(),
		CurrentSeq:      p.disp.CurrentSequence(),
		CheckpointedSeq: p.tracker.LastCheckpointedSeq(),
		InFlight:        p.tracker.InFlightCount(),
		AvailableSlots:  p.disp.AvailableSlots(),
		Pending:         p.agg.PendingCount(),
		At:              time.Now().UTC(),
	}
	if err := p.tracker.FatalError(); err != nil {
		st.FatalError = err.Error()
	}
	return st
}
