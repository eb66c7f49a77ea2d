package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lockedcache"

// Collector exports cache activity as Prometheus metrics and keeps
// in-process latency sketches for the shutdown summary.
type Collector struct {
	registry *prometheus.Registry
	latency  *LatencyTracker

	answers  *prometheus.CounterVec
	attempts *prometheus.CounterVec
	lockWait *prometheus.HistogramVec
	refresh  *prometheus.HistogramVec
}

// NewCollector creates a Collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		latency:  NewLatencyTracker(0.01),
		answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Cache answers by instance and how they were resolved.",
		}, []string{"instance", "resolution"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_attempts_total",
			Help:      "External command attempts by instance and outcome.",
		}, []string{"instance", "outcome"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the per-key writer lock.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"instance"}),
		refresh: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_seconds",
			Help:      "Duration of refreshes performed while holding the lock.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"instance"}),
	}
	c.registry.MustRegister(c.answers, c.attempts, c.lockWait, c.refresh)
	return c
}

// ObserveAnswer counts one façade answer.
func (c *Collector) ObserveAnswer(instance, resolution string) {
	c.answers.WithLabelValues(instance, resolution).Inc()
}

// ObserveAttempt counts one external command attempt.
func (c *Collector) ObserveAttempt(instance, outcome string, duration time.Duration) {
	c.attempts.WithLabelValues(instance, outcome).Inc()
}

// ObserveLockWait records how long a caller waited for the writer lock.
func (c *Collector) ObserveLockWait(instance string, d time.Duration) {
	c.lockWait.WithLabelValues(instance).Observe(d.Seconds())
	c.latency.Record(OperationName(instance, OpLockWait), d)
}

// ObserveRefresh records the duration of a refresh under the lock.
func (c *Collector) ObserveRefresh(instance string, d time.Duration) {
	c.refresh.WithLabelValues(instance).Observe(d.Seconds())
	c.latency.Record(OperationName(instance, OpRefresh), d)
}

// ObserveCheck records the end-to-end latency of one façade call.
func (c *Collector) ObserveCheck(instance string, d time.Duration) {
	c.latency.Record(OperationName(instance, OpCheck), d)
}

// Latency exposes the latency sketches.
func (c *Collector) Latency() *LatencyTracker {
	return c.latency
}

// Registry exposes the Prometheus registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
