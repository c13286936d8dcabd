// Package metrics holds the process-wide Prometheus collectors. It has
// no dependency on the HTTP side channel that serves them (internal/admin)
// so that the register, storage, and runtime packages can record
// observations without pulling in gin. Nothing here affects correctness:
// a nil *Registry silently drops every observation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the set of collectors for one process. Every field is safe
// to use on a nil *Registry (all methods are no-ops), so components can
// be built without a Registry in tests.
type Registry struct {
	prom *prometheus.Registry

	phaseLatency *prometheus.HistogramVec
	retryCount   *prometheus.CounterVec
	authFailures prometheus.Counter
	fsyncLatency prometheus.Histogram
}

// New builds and registers every collector against a fresh
// prometheus.Registry, so multiple processes in one test binary never
// collide on the default global registry.
func New() *Registry {
	prom := prometheus.NewRegistry()

	r := &Registry{
		prom: prom,
		phaseLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "register_phase_latency_seconds",
			Help: "Latency of a completed client read or write phase.",
		}, []string{"op"}),
		retryCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "register_client_retries_total",
			Help: "Number of rebroadcasts issued while a phase remains open.",
		}, []string{"op"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wire_auth_failures_total",
			Help: "Number of frames rejected for failing HMAC authentication.",
		}),
		fsyncLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "storage_fsync_latency_seconds",
			Help: "Latency of the fsync call in a stable storage Put.",
		}),
	}

	prom.MustRegister(r.phaseLatency, r.retryCount, r.authFailures, r.fsyncLatency)
	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for an HTTP handler
// to serve.
func (r *Registry) Gatherer() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.prom
}

func (r *Registry) ObservePhaseLatency(op string, seconds float64) {
	if r == nil {
		return
	}
	r.phaseLatency.WithLabelValues(op).Observe(seconds)
}

func (r *Registry) IncRetry(op string) {
	if r == nil {
		return
	}
	r.retryCount.WithLabelValues(op).Inc()
}

func (r *Registry) IncAuthFailure() {
	if r == nil {
		return
	}
	r.authFailures.Inc()
}

func (r *Registry) ObserveFsyncLatency(seconds float64) {
	if r == nil {
		return
	}
	r.fsyncLatency.Observe(seconds)
}
