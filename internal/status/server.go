// Package status serves Prometheus metrics, health probes and a small view
// of the relay's disconnect schedule.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/matst80/binlogproxy/internal/obs"
	"github.com/matst80/binlogproxy/internal/schedule"
	"github.com/matst80/binlogproxy/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source is the relay state the status endpoints report on.
type Source interface {
	Snapshot(ctx context.Context) (schedule.Snapshot, error)
	Target() string
	Ready() bool
	Closing() bool
}

// render draws a dashboard template; replaced in tests.
var render = web.Render

// Handler routes the status endpoints.
func Handler(src Source) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		st, err := collectStats(r.Context(), src)
		if err != nil {
			obs.Error("status.state", obs.Fields{"err": err.Error()})
			http.Error(w, "state unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		st, err := collectStats(r.Context(), src)
		if err != nil {
			http.Error(w, "state unavailable", http.StatusServiceUnavailable)
			return
		}
		var buf bytes.Buffer
		if err := render(&buf, "dashboard", st.ToTemplateMap()); err != nil {
			obs.Error("status.dashboard", obs.Fields{"err": err.Error()})
			http.Error(w, "dashboard unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = buf.WriteTo(w)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if src.Closing() || !src.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// Serve runs the status endpoints on ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, src Source) error {
	srv := &http.Server{Handler: Handler(src), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	obs.Info("status.listening", obs.Fields{"addr": ln.Addr().String()})

	select {
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, src Source) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		obs.Error("status.listen", obs.Fields{"err": err.Error(), "addr": addr})
		return fmt.Errorf("status server: listen %s: %w", addr, err)
	}
	return Serve(ctx, ln, src)
}
