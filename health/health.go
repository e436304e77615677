// Package health serves liveness and Prometheus metrics over HTTP.
package health

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mailer/internal/metrics"
)

// NewMux returns the handler tree: /healthz and /metrics.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// StartHealthServer listens on addr and serves in the background. The
// caller owns shutdown via the returned server.
func StartHealthServer(addr string, log *zap.SugaredLogger) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("health: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           NewMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("Health server stopped", "addr", addr, "error", err)
		}
	}()
	log.Infow("Health server listening", "addr", ln.Addr().String())
	return srv, ln, nil
}
