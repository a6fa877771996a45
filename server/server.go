// Package server exposes the adapter's operational HTTP surface: liveness,
// readiness, connection status and Prometheus metrics. It injects correlation
// IDs into request contexts for consistent logging.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/sameroom/chat"
)

// StatusProvider is the part of the adapter the handlers report on.
type StatusProvider interface {
	Status() chat.Status
	Ready() bool
}

// NewMux returns the HTTP handler with all routes.
func NewMux(p StatusProvider) http.Handler {
	h := &Handlers{provider: p}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)

	return withCORSConfig(withCorrelation(mux), loadCORSConfig())
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, p StatusProvider, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(p),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values but lets shutdown finish
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
