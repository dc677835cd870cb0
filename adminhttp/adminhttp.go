// Package adminhttp builds the admin HTTP surface both binaries expose:
// /healthz and /metrics, on a configurable listen address separate from
// the publisher's own WebSocket port. Router and middleware stack are
// adapted from the teacher's app/run.go, trimmed to the admin surface
// only — the dashboard/API routes it used to carry are out of scope
// (spec.md §1).
package adminhttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flightstream/adsbpipe/monitoring"
)

// HealthFunc reports whether the process is ready to serve traffic.
type HealthFunc func() error

// New builds the admin router: Recoverer, RequestID, Compress and a 15s
// request Timeout (matching the teacher's middleware stack), tracing via
// monitoring.TracingMiddleware, then /healthz and /metrics.
func New(metrics *monitoring.Collector, health HealthFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Compress(5))
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(monitoring.TracingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if metrics != nil {
		r.Handle("/metrics", metrics.Handler())
	}

	return r
}
