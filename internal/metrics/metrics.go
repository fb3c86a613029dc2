// Package metrics exposes Prometheus instruments for the aggregator.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "confluence"

// Metrics holds the aggregator's instruments on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sends            prometheus.Counter
	dispatchFailures *prometheus.CounterVec
	receipts         *prometheus.CounterVec
	executions       *prometheus.CounterVec
	executionTime    prometheus.Histogram
	gateways         prometheus.Gauge
	threshold        prometheus.Gauge
	paused           prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates and registers every instrument.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Messages fanned out to the gateway set.",
		}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Channel sends that failed, by gateway.",
		}, []string{"gateway"}),
		receipts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipts_total",
			Help:      "Inbound deliveries, by result.",
		}, []string{"result"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Receiver execution attempts, by outcome.",
		}, []string{"outcome"}),
		executionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Receiver call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		gateways: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateways",
			Help:      "Registered gateways.",
		}),
		threshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threshold",
			Help:      "Current quorum threshold.",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paused",
			Help:      "1 while the system is paused.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	m.registry.MustRegister(
		m.sends, m.dispatchFailures, m.receipts, m.executions, m.executionTime,
		m.gateways, m.threshold, m.paused, m.httpRequests, m.httpDuration,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Send counts one successful fan-out.
func (m *Metrics) Send() {
	m.sends.Inc()
}

// DispatchFailure counts one failed channel send.
func (m *Metrics) DispatchFailure(gateway string) {
	m.dispatchFailures.WithLabelValues(gateway).Inc()
}

// Receipt counts one inbound delivery by result (accepted, duplicate, executed, rejected).
func (m *Metrics) Receipt(result string) {
	m.receipts.WithLabelValues(result).Inc()
}

// Execution records one receiver call.
func (m *Metrics) Execution(outcome string, elapsed time.Duration) {
	m.executions.WithLabelValues(outcome).Inc()
	m.executionTime.Observe(elapsed.Seconds())
}

// GatewaySet updates the gateway and threshold gauges.
func (m *Metrics) GatewaySet(gateways, threshold int) {
	m.gateways.Set(float64(gateways))
	m.threshold.Set(float64(threshold))
}

// Paused updates the pause gauge.
func (m *Metrics) Paused(paused bool) {
	if paused {
		m.paused.Set(1)
		return
	}

	m.paused.Set(0)
}

// HTTPRequest records one served API request.
func (m *Metrics) HTTPRequest(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
