// Package metrics exposes circulation activity as Prometheus metrics.
//
// Metrics:
//
//	circulation_operations_total{op,outcome}      counter, outcome "ok" or the error kind
//	circulation_operation_duration_seconds{op}    histogram
//	circulation_audit_violations                  gauge, last audit result
//	circulation_http_requests_total{method,route,status}
//	circulation_http_request_duration_seconds{method,route}
//
// Usage:
//
//	m := metrics.New(prometheus.DefaultRegisterer)
//	engine, _ := circulation.NewEngine(store, policy, circulation.WithObserver(m))
//	r.Use(m.Middleware)
//	r.Handle("/metrics", promhttp.Handler())
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hinlibs/circulation/circulation"
)

const outcomeOK = "ok"

// Metrics implements circulation.Observer.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	AuditViolations   prometheus.Gauge

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var _ circulation.Observer = (*Metrics)(nil)

// New registers every metric with reg. Use a fresh prometheus.NewRegistry()
// in tests; registering twice with the same registry panics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circulation_operations_total",
				Help: "Circulation operations by outcome.",
			},
			[]string{"op", "outcome"},
		),
		OperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "circulation_operation_duration_seconds",
				Help:    "Time spent in one circulation operation, transaction included.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"op"},
		),
		AuditViolations: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "circulation_audit_violations",
				Help: "Invariant violations found by the last consistency audit.",
			},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circulation_http_requests_total",
				Help: "HTTP requests by route and status.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "circulation_http_request_duration_seconds",
				Help:    "HTTP request latency.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route"},
		),
	}
}

func (m *Metrics) ObserveOperation(op circulation.Operation, outcome circulation.Kind, elapsed time.Duration) {
	label := outcomeOK
	if outcome != circulation.KindNone {
		label = string(outcome)
	}
	m.Operations.WithLabelValues(string(op), label).Inc()
	m.OperationDuration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

// SetAuditViolations records the size of the last audit's findings.
func (m *Metrics) SetAuditViolations(n int) {
	m.AuditViolations.Set(float64(n))
}

// Middleware counts requests per chi route pattern, so ids in the path do
// not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
