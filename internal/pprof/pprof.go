// Package pprof serves the runtime profiling endpoints on a separate
// listener so they never share a port with the public API.
package pprof

import (
	"context"
	"errors"
	"net/http"
	netpprof "net/http/pprof"
	"time"

	"github.com/codefionn/plauderkasten/internal/logger"
)

// Server is an optional debug HTTP server exposing /debug/pprof.
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

// NewServer creates a profiling server bound to addr.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", netpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", netpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", netpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", netpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", netpprof.Trace)

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: mux},
		log:        logger.Global().WithPrefix("pprof"),
	}
}

// Start serves in the background until Stop is called.
func (s *Server) Start() {
	go func() {
		s.log.Info("profiling endpoints on http://%s/debug/pprof/", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("profiling server failed: %v", err)
		}
	}()
}

// Stop shuts the profiling server down.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warn("profiling server shutdown: %v", err)
	}
}
