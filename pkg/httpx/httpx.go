// Package httpx serves one http.Handler on a selectable engine: the
// standard net/http server or fasthttp. The status surface is tiny, so the
// adapter cost is negligible and deployments keep whichever server they
// already tune.
package httpx

import (
	"context"
	"fmt"
	"net/http"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"projectd/pkg/logger"
)

// Engine names accepted by New.
const (
	EngineNetHTTP  = "nethttp"
	EngineFastHTTP = "fasthttp"
)

// Server wraps one of the two engines behind a common lifecycle.
type Server struct {
	addr   string
	engine string

	std  *http.Server
	fast *fasthttp.Server
}

// New builds a server for handler on addr. engine is "nethttp" (default
// when empty) or "fasthttp".
func New(addr, engine string, handler http.Handler) (*Server, error) {
	switch engine {
	case "", EngineNetHTTP:
		return &Server{addr: addr, engine: EngineNetHTTP, std: &http.Server{Addr: addr, Handler: handler}}, nil
	case EngineFastHTTP:
		return &Server{addr: addr, engine: EngineFastHTTP, fast: &fasthttp.Server{Handler: fasthttpadaptor.NewFastHTTPHandler(handler)}}, nil
	}
	return nil, fmt.Errorf("unknown http engine %q", engine)
}

// Engine returns the selected engine name.
func (s *Server) Engine() string { return s.engine }

// Start begins serving in a goroutine and returns a channel carrying the
// terminal server error, if any.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	logger.Info("http_listening", "addr", s.addr, "engine", s.engine)
	go func() {
		if s.std != nil {
			errCh <- s.std.ListenAndServe()
			return
		}
		errCh <- s.fast.ListenAndServe(s.addr)
	}()
	return errCh
}

// Shutdown stops the server, honoring ctx for the net/http drain.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.std != nil {
		return s.std.Shutdown(ctx)
	}
	return s.fast.Shutdown()
}
