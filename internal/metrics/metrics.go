// Package metrics owns the Prometheus collectors of the draw service. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fairdraw"

// Metrics groups the service collectors.
type Metrics struct {
	registry *prometheus.Registry

	draws         *prometheus.CounterVec
	drawAttempts  prometheus.Histogram
	verifications *prometheus.CounterVec
	commits       *prometheus.CounterVec
	exports       *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

// New creates collectors on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		draws: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "draws_total",
			Help:      "Draw requests by outcome.",
		}, []string{"outcome"}),
		drawAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "draw_attempts",
			Help:      "Compare-and-decrement attempts per draw, including exhausted ones.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Draw verifications by verdict.",
		}, []string{"verdict"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Commitment attempts by result.",
		}, []string{"result"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_exports_total",
			Help:      "Audit bundle exports by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.draws, m.drawAttempts, m.verifications, m.commits, m.exports, m.httpRequests,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Draw records a draw outcome ("ok", "out_of_stock", "conflict", ...) and,
// for completed draws, the number of attempts it took.
func (m *Metrics) Draw(outcome string, attempts int) {
	if m == nil {
		return
	}
	m.draws.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		m.drawAttempts.Observe(float64(attempts))
	}
}

// Verification records a verifier verdict.
func (m *Metrics) Verification(verdict string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(verdict).Inc()
}

// Commit records a commitment attempt result.
func (m *Metrics) Commit(result string) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(result).Inc()
}

// Export records an audit export result.
func (m *Metrics) Export(result string) {
	if m == nil {
		return
	}
	m.exports.WithLabelValues(result).Inc()
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
