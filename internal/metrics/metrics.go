// Package metrics registers the Prometheus collectors shared by the server
// and the worker.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unclebandit/mail-scheduler/internal/queue"
)

var (
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_dispatch_total",
			Help: "Dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)
	TransportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailer_transport_duration_seconds",
			Help:    "Time spent handing one email to the transport",
			Buckets: prometheus.DefBuckets,
		},
	)
	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailer_dead_letters_total",
			Help: "Jobs that exhausted retries or postponements",
		},
	)
	ScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailer_scheduled_total",
			Help: "Jobs created by the scheduler",
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		DispatchTotal, TransportDuration, DeadLettersTotal, ScheduledTotal,
		httpRequestsTotal, httpRequestDuration,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"path":   path,
			"status": strconv.Itoa(status),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}

// CountingSink counts dead letters before passing them on to Next, if any.
type CountingSink struct {
	Next queue.DeadLetterSink
}

func (s *CountingSink) DeadLettered(ctx context.Context, dl queue.DeadLetter) error {
	DeadLettersTotal.Inc()
	if s.Next == nil {
		return nil
	}
	return s.Next.DeadLettered(ctx, dl)
}

var _ queue.DeadLetterSink = (*CountingSink)(nil)
