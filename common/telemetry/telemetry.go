// Package telemetry serves the engine's profiling sidecar. It binds to
// localhost only; production access goes through a port-forward.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/officeflow/engine/common/logger"
)

// Profiler serves net/http/pprof on a localhost port
type Profiler struct {
	log  *logger.Logger
	addr string
}

// NewProfiler builds a Profiler listening on localhost:port
func NewProfiler(port int, log *logger.Logger) *Profiler {
	return &Profiler{
		log:  log,
		addr: fmt.Sprintf("localhost:%d", port),
	}
}

// Start serves pprof until ctx is done
func (p *Profiler) Start(ctx context.Context) {
	srv := &http.Server{Addr: p.addr, Handler: http.DefaultServeMux}
	go func() {
		p.log.Info("pprof listening", "addr", p.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.log.Error("pprof server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
