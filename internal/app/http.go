package app

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"projectd/pkg/banner"
	"projectd/pkg/httpx"
	"projectd/pkg/pipeline"
	"projectd/pkg/telemetry"
)

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "" && a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.PrintWithEff(a.eff, verStr)
}

// router builds the status surface.
func (a *App) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.readyzHandler).Methods(http.MethodGet)
	r.HandleFunc("/statusz", a.statuszHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return telemetry.Middleware(r)
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// readyzHandler reports ready when the store is open and no pipeline has
// halted on a fatal batch failure.
func (a *App) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !a.db.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"store not ready"}`))
		return
	}
	for _, p := range a.pipelines {
		if p.HasFatalError() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"pipeline halted","feed":"` + p.Name() + `"}`))
			return
		}
	}
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","version":"` + ver + `"}`))
}

// statuszHandler returns per-feed pipeline counters.
func (a *App) statuszHandler(w http.ResponseWriter, _ *http.Request) {
	statuses := make([]pipeline.Status, 0, len(a.pipelines))
	for _, p := range a.pipelines {
		statuses = append(statuses, p.Status())
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{"feeds": statuses})
}

// startHTTP builds the server on the configured engine and starts it.
func (a *App) startHTTP() (<-chan error, error) {
	srv, err := httpx.New(a.eff.Addr, a.eff.Config.Server.Engine, a.router())
	if err != nil {
		return nil, err
	}
	a.srv = srv
	return srv.Start(), nil
}
