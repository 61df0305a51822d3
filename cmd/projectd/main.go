package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"

	"projectd/internal/app"
	"projectd/pkg/config"
	"projectd/pkg/logger"
	"projectd/pkg/shutdown"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")
	flags := config.ParseConfigFlags()

	eff, err := config.LoadEffective(flags)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.InitWith(eff.Config.Logging.Level, eff.Config.Logging.Format)

	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("startup failed", err, eff.DBPath, 0)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("server exited with error", err, eff.DBPath)
	}
	logger.Info("server_stopped")
}
