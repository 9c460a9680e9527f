// Package middleware provides the HTTP middleware chain for the daemon:
// request tracing, Prometheus metrics, and per-request timeouts.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelsearch/kestrel/pkg/metrics"
	"github.com/kestrelsearch/kestrel/pkg/tracing"
)

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.written = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// route collapses collection and document ids out of the path so metric
// label values stay bounded.
func route(r *http.Request) string {
	parts := strings.Split(r.URL.Path, "/")
	if len(parts) >= 5 && parts[1] == "api" && parts[3] == "collections" {
		parts[4] = ":collection"
		if len(parts) >= 7 && parts[5] == "documents" {
			parts[6] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// Metrics records request count, latency, and an in-flight gauge.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			m.HTTPRequestsTotal.WithLabelValues(
				r.Method, route(r), strconv.Itoa(sw.status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(
				r.Method, route(r)).Observe(time.Since(start).Seconds())
		})
	}
}

// Trace opens a root span per request and logs it when the request ends.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Timeout cancels the request context after the given duration and
// answers 504 if the handler has not written anything yet.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			sw := &statusWriter{ResponseWriter: w}
			go func() {
				next.ServeHTTP(sw, r.WithContext(ctx))
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				if !sw.written {
					slog.Warn("request timed out",
						"method", r.Method,
						"path", r.URL.Path,
						"timeout", timeout)
					http.Error(w, `{"error":"request timeout"}`, http.StatusGatewayTimeout)
				}
			}
		})
	}
}
