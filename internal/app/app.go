// Package app wires the server: the shared pebble store, the file-backed
// change logs, one projection pipeline per enabled feed, the retention
// runner and the status HTTP surface.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"projectd/internal/retention"
	"projectd/pkg/checkpoint"
	"projectd/pkg/config"
	"projectd/pkg/feed/walfeed"
	"projectd/pkg/httpx"
	"projectd/pkg/logger"
	"projectd/pkg/pipeline"
	"projectd/pkg/projection"
	"projectd/pkg/state"
	"projectd/pkg/store"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	db        *store.DB
	ckpts     *checkpoint.PebbleStore
	logs      map[string]*walfeed.Log // keyed by feed source name
	pipelines []*pipeline.Pipeline
	ret       *retention.Runner

	srv *httpx.Server

	// fatalCh receives the first batch failure reported by any pipeline.
	fatalCh chan error
}

// New initializes resources that do not require a running context: the
// pebble store, the change logs and the per-feed pipelines. Call Run to
// start the pipelines and the HTTP server and block until shutdown.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	cfg := eff.Config
	if err := state.Init(eff.DBPath); err != nil {
		return nil, fmt.Errorf("failed to prepare state dirs: %w", err)
	}

	db, err := store.Open(filepath.Join(eff.DBPath, "store"))
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", eff.DBPath, err)
	}

	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		db:        db,
		ckpts:     checkpoint.NewPebbleStore(db),
		logs:      make(map[string]*walfeed.Log),
		fatalCh:   make(chan error, 1),
	}

	if err := a.buildPipelines(cfg); err != nil {
		a.closeResources()
		return nil, err
	}
	a.ret = retention.NewRunner(cfg.Retention, a.ckpts, a.retentionTargets(cfg))
	return a, nil
}

// buildPipelines opens one change log per distinct source and assembles one
// pipeline per enabled feed.
func (a *App) buildPipelines(cfg *config.Config) error {
	for _, fc := range cfg.Feeds {
		if !fc.Enabled {
			continue
		}
		log, err := a.openLog(cfg, fc.Source)
		if err != nil {
			return err
		}
		mapper, err := projection.GetMapper(fc.Mapper)
		if err != nil {
			return fmt.Errorf("feed %q: %w", fc.Name, err)
		}
		writer := projection.NewPebbleWriter(a.db, fc.ProjectionCollection, mapper)

		p, err := pipeline.New(pipeline.Options{
			Cfg:         fc,
			Source:      log,
			Checkpoints: a.ckpts,
			Writer:      writer,
			OnFatal:     a.reportFatal,
		})
		if err != nil {
			return err
		}
		a.pipelines = append(a.pipelines, p)
	}
	return nil
}

func (a *App) openLog(cfg *config.Config, source string) (*walfeed.Log, error) {
	if l, ok := a.logs[source]; ok {
		return l, nil
	}
	l, err := walfeed.Open(walfeed.Options{
		Dir:            filepath.Join(cfg.Feedlog.Dir, source),
		MaxFileSize:    cfg.Feedlog.MaxFileSize.Int64(),
		EnableCompress: cfg.Feedlog.EnableCompress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open change log for source %q: %w", source, err)
	}
	a.logs[source] = l
	return l, nil
}

// retentionTargets groups enabled feeds by source so the runner can compute
// the safe cutoff per change log.
func (a *App) retentionTargets(cfg *config.Config) []retention.Target {
	keys := make(map[string][]string)
	for _, fc := range cfg.Feeds {
		if !fc.Enabled {
			continue
		}
		keys[fc.Source] = append(keys[fc.Source], fc.CheckpointKey)
	}
	var targets []retention.Target
	for source, log := range a.logs {
		targets = append(targets, retention.Target{Source: source, Log: log, CheckpointKeys: keys[source]})
	}
	return targets
}

// reportFatal records the first batch failure; later failures are only
// logged since the first one already triggers shutdown.
func (a *App) reportFatal(err error) {
	select {
	case a.fatalCh <- err:
	default:
		logger.Warn("additional_batch_failure", "error", err)
	}
}

// FeedLog returns the change log for a source, for producers embedded in the
// same process.
func (a *App) FeedLog(source string) (*walfeed.Log, bool) {
	l, ok := a.logs[source]
	return l, ok
}

// Run starts the retention runner, the pipelines and the HTTP server, and
// blocks until ctx is cancelled, a pipeline reports a fatal batch failure or
// the server fails.
func (a *App) Run(ctx context.Context) error {
	stopRetention, err := a.ret.Start(ctx)
	if err != nil {
		a.closeResources()
		return err
	}
	defer stopRetention()

	for _, p := range a.pipelines {
		p.Start()
		logger.Info("pipeline_started", "feed", p.Name())
	}

	a.printBanner()

	errCh, err := a.startHTTP()
	if err != nil {
		a.shutdown()
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-a.fatalCh:
		logger.Error("pipeline_fatal", "error", err)
		runErr = fmt.Errorf("pipeline halted: %w", err)
	case err := <-errCh:
		logger.Error("http_server_failed", "error", err)
		runErr = err
	}

	a.shutdown()
	return runErr
}

// shutdown stops pipelines first (so no batch task races the closing
// stores), then the HTTP server, then the logs and the store.
func (a *App) shutdown() {
	for _, p := range a.pipelines {
		p.Stop()
		logger.Info("pipeline_stopped", "feed", p.Name())
	}
	if a.srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.srv.Shutdown(sctx); err != nil {
			logger.Warn("http_shutdown_failed", "error", err)
		}
		cancel()
	}
	a.closeResources()
}

func (a *App) closeResources() {
	for source, l := range a.logs {
		if err := l.Close(); err != nil {
			logger.Warn("feedlog_close_failed", "source", source, "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.Warn("store_close_failed", "error", err)
		}
	}
}
