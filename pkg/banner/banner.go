package banner

import (
	"fmt"

	"projectd/pkg/config"
)

const banner = `
██████╗ ██████╗  ██████╗      ██╗███████╗ ██████╗████████╗██████╗
██╔══██╗██╔══██╗██╔═══██╗     ██║██╔════╝██╔════╝╚══██╔══╝██╔══██╗
██████╔╝██████╔╝██║   ██║     ██║█████╗  ██║        ██║   ██║  ██║
██╔═══╝ ██╔══██╗██║   ██║██   ██║██╔══╝  ██║        ██║   ██║  ██║
██║     ██║  ██║╚██████╔╝╚█████╔╝███████╗╚██████╗   ██║   ██████╔╝
╚═╝     ╚═╝  ╚═╝ ╚═════╝  ╚════╝ ╚══════╝ ╚═════╝   ╚═╝   ╚═════╝
`

// PrintWithEff prints the startup banner with the effective configuration:
// listen address, storage paths, configured feeds and retention state.
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	addr := eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	dbPath := eff.DBPath
	if dbPath == "" && eff.Config != nil {
		dbPath = eff.Config.Server.DBPath
	}
	src := eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if eff.Config != nil {
		fmt.Printf("Feed log: %s\n", eff.Config.Feedlog.Dir)
		engine := eff.Config.Server.Engine
		if engine == "" {
			engine = "nethttp"
		}
		fmt.Printf("Engine:   %s\n", engine)
	}
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config:   %s\n", src)

	fmt.Println("\n== Feeds ======================================================")
	enabled := 0
	if eff.Config != nil {
		for _, f := range eff.Config.Feeds {
			if !f.Enabled {
				fmt.Printf("- %s: disabled\n", f.Name)
				continue
			}
			enabled++
			fmt.Printf("- %s: source=%s collection=%s mapper=%s concurrency=%d batch=%d\n",
				f.Name, f.Source, f.ProjectionCollection, f.Mapper, f.Concurrency, f.BatchMaxSize)
		}
	}
	if enabled == 0 {
		fmt.Println("No enabled feeds; the server will only serve status endpoints.")
	}

	if eff.Config != nil && eff.Config.Retention.Enabled {
		fmt.Printf("\nRetention: enabled (cron=%s)\n", eff.Config.Retention.Cron)
	} else {
		fmt.Println("\nRetention: disabled")
	}

	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("GET /healthz  - liveness")
	fmt.Println("GET /readyz   - readiness (store + pipelines)")
	fmt.Println("GET /statusz  - per-feed pipeline counters (JSON)")
	fmt.Println("GET /metrics  - prometheus metrics")

	fmt.Println("\n== Logs: =================================================")
}
