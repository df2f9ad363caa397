package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "netqual/pkg/logx"
)

// ServerConfig controls the metrics listener.
//
// Pprof mounts the runtime profiling handlers under /debug/pprof/. Bind to a
// loopback address when enabling it.
type ServerConfig struct {
	Addr  string
	Pprof bool
}

// Serve exposes /metrics on cfg.Addr until ctx is done.
func Serve(ctx context.Context, cfg ServerConfig, log logx.Logger) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, cfg, log)
}

// ServeListener is Serve on an existing listener. It closes ln.
func ServeListener(ctx context.Context, ln net.Listener, cfg ServerConfig, log logx.Logger) error {
	srv := &http.Server{Handler: newMux(cfg), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info("metrics server listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newMux(cfg ServerConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return mux
}
