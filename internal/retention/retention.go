// Package retention compacts the file-backed change logs. On each scheduled
// run it drops whole segments that every consuming pipeline has checkpointed
// past, and optionally segments older than a configured age.
package retention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"

	"projectd/pkg/checkpoint"
	"projectd/pkg/config"
	"projectd/pkg/feed/walfeed"
	"projectd/pkg/logger"
	"projectd/pkg/state"
)

// Target is one change log plus the checkpoint keys of the pipelines that
// consume it.
type Target struct {
	Source         string
	Log            *walfeed.Log
	CheckpointKeys []string
}

// Runner owns the scheduled compaction of a set of change logs.
type Runner struct {
	cfg     config.RetentionConfig
	ckpts   checkpoint.Store
	targets []Target
}

// NewRunner builds a runner over the given targets.
func NewRunner(cfg config.RetentionConfig, ckpts checkpoint.Store, targets []Target) *Runner {
	return &Runner{cfg: cfg, ckpts: ckpts, targets: targets}
}

// Start starts the scheduler if retention is enabled. Returns a cancel func.
func (r *Runner) Start(ctx context.Context) (context.CancelFunc, error) {
	if !r.cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	cronExpr := r.cfg.Cron
	if cronExpr == "" {
		cronExpr = config.DefaultRetentionCron
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", cronExpr)
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}

	logger.Info("retention_enabled", "cron", cronExpr, "max_age", r.cfg.MaxAge.Duration().String(), "targets", len(r.targets))
	ctx2, cancel := context.WithCancel(ctx)
	go r.runScheduler(ctx2, cronExpr)
	return cancel, nil
}

// runScheduler computes the next cron tick with gronx and sleeps until then.
func (r *Runner) runScheduler(ctx context.Context, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if err := r.RunOnce(); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// RunOnce compacts every target once. A target is skipped (not failed) when
// its checkpoint store is unreachable: truncating without knowing consumer
// positions could drop unconsumed records.
func (r *Runner) RunOnce() error {
	type sourceResult struct {
		Source  string `json:"source"`
		Cutoff  int64  `json:"cutoff_seq,omitempty"`
		Skipped string `json:"skipped,omitempty"`
	}
	report := struct {
		Time    string         `json:"time"`
		Sources []sourceResult `json:"sources"`
	}{Time: time.Now().UTC().Format(time.RFC3339)}

	var firstErr error
	for _, t := range r.targets {
		res := sourceResult{Source: t.Source}
		cutoff, ok, err := r.minRetainedSeq(t)
		switch {
		case err != nil:
			res.Skipped = err.Error()
			logger.Warn("retention_target_skipped", "source", t.Source, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		case ok:
			if terr := t.Log.TruncateBefore(cutoff); terr != nil {
				res.Skipped = terr.Error()
				logger.Error("retention_truncate_failed", "source", t.Source, "cutoff", cutoff, "error", terr)
				if firstErr == nil {
					firstErr = terr
				}
			} else {
				res.Cutoff = cutoff
				logger.Info("retention_truncated", "source", t.Source, "cutoff", cutoff)
			}
		}

		if r.cfg.MaxAge.Duration() > 0 {
			ageCut := time.Now().Add(-r.cfg.MaxAge.Duration())
			if terr := t.Log.TruncateOlderThan(ageCut); terr != nil {
				logger.Error("retention_age_truncate_failed", "source", t.Source, "error", terr)
				if firstErr == nil {
					firstErr = terr
				}
			}
		}
		report.Sources = append(report.Sources, res)
	}

	r.writeReport(report)
	return firstErr
}

// minRetainedSeq returns the lowest sequence still needed by any consumer of
// t, i.e. min(checkpoint)+1 across its checkpoint keys. ok is false when no
// consumer has a checkpoint yet (nothing can be seq-truncated safely: a
// consumer without a checkpoint starts live, but one mid-first-batch must
// not lose its input).
func (r *Runner) minRetainedSeq(t Target) (int64, bool, error) {
	found := false
	min := int64(0)
	for _, key := range t.CheckpointKeys {
		pos, err := r.ckpts.Load(key)
		if errors.Is(err, checkpoint.ErrNotFound) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, fmt.Errorf("checkpoint %s unavailable: %w", key, err)
		}
		seq, err := walfeed.DecodePosition(pos)
		if err != nil {
			return 0, false, fmt.Errorf("checkpoint %s: %w", key, err)
		}
		if !found || seq < min {
			min = seq
			found = true
		}
	}
	if !found {
		return 0, false, nil
	}
	return min + 1, true, nil
}

// writeReport records the last run under the retention state dir.
func (r *Runner) writeReport(report any) {
	dir := state.PathsVar.Retention
	if dir == "" {
		return
	}
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(dir, "last_run.json")
	tmp, err := os.CreateTemp(dir, ".run-*.tmp")
	if err != nil {
		logger.Warn("retention_report_failed", "error", err)
		return
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		_ = os.Remove(name)
		logger.Warn("retention_report_failed", "error", err)
		return
	}
	tmp.Close()
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		logger.Warn("retention_report_failed", "error", err)
	}
}
