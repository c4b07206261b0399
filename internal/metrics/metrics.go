package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	latencyMs     *prometheus.HistogramVec
	attemptsTotal *prometheus.CounterVec
	attemptsPer   prometheus.Histogram
	streamBytes   *prometheus.CounterVec
	truncations   *prometheus.CounterVec
	streamErrors  *prometheus.CounterVec
	snapshotVer   prometheus.Gauge
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portbroker_requests_total",
			Help: "Total number of requests processed by the gateway.",
		}, []string{"facade", "provider", "status"}),
		latencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portbroker_request_latency_ms",
			Help:    "Request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}, []string{"facade", "provider", "status"}),
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portbroker_upstream_attempts_total",
			Help: "Upstream attempts by provider and outcome kind.",
		}, []string{"provider", "outcome"}),
		attemptsPer: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "portbroker_attempts_per_request",
			Help:    "Number of upstream attempts a request needed.",
			Buckets: []float64{1, 2, 3, 4, 6, 8},
		}),
		streamBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portbroker_stream_bytes_total",
			Help: "Bytes written to streaming callers.",
		}, []string{"facade"}),
		truncations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portbroker_stream_truncations_total",
			Help: "Streams stopped at the byte ceiling.",
		}, []string{"facade"}),
		streamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portbroker_stream_errors_total",
			Help: "Streams ended by an error after bytes were delivered.",
		}, []string{"facade", "kind"}),
		snapshotVer: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portbroker_registry_snapshot_version",
			Help: "Version of the routing snapshot currently served.",
		}),
	}
	r.MustRegister(m.requestsTotal, m.latencyMs, m.attemptsTotal, m.attemptsPer,
		m.streamBytes, m.truncations, m.streamErrors, m.snapshotVer)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// All observers accept a nil receiver so callers can run without metrics.

func (m *Metrics) ObserveRequest(facade, provider string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	s := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(facade, provider, s).Inc()
	m.latencyMs.WithLabelValues(facade, provider, s).Observe(float64(dur.Milliseconds()))
}

// ObserveAttempt counts one upstream attempt. outcome is "ok" or an error kind.
func (m *Metrics) ObserveAttempt(provider, outcome string) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveAttempts(n int) {
	if m == nil {
		return
	}
	m.attemptsPer.Observe(float64(n))
}

func (m *Metrics) ObserveStream(facade string, bytes int64, truncated bool, errKind string) {
	if m == nil {
		return
	}
	m.streamBytes.WithLabelValues(facade).Add(float64(bytes))
	if truncated {
		m.truncations.WithLabelValues(facade).Inc()
	}
	if errKind != "" {
		m.streamErrors.WithLabelValues(facade, errKind).Inc()
	}
}

func (m *Metrics) SetSnapshotVersion(v uint64) {
	if m == nil {
		return
	}
	m.snapshotVer.Set(float64(v))
}
