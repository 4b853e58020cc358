package main

import (
	"context"
	"net/http"

	"log/slog"
)

// httpServerWrapper starts and stops the Control Plane's HTTP listener
// alongside the rest of the process, the same shape as
// internal/metrics.StartHTTP but for a caller-supplied handler.
type httpServerWrapper struct {
	addr    string
	handler http.Handler
	srv     *http.Server
}

func (w *httpServerWrapper) start(l *slog.Logger) {
	if w.addr == "" {
		return
	}
	w.srv = &http.Server{Addr: w.addr, Handler: w.handler}
	go func() {
		l.Info("control_listen", "addr", w.addr)
		if err := w.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error("control_http_error", "error", err)
		}
	}()
}

func (w *httpServerWrapper) shutdown() {
	if w.srv != nil {
		_ = w.srv.Shutdown(context.Background())
	}
}
