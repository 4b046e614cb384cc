// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "changefeed"

// Push results recorded by the fan-out worker.
const (
	PushDelivered = "delivered"
	PushGone      = "gone"
	PushRetried   = "retried"
	PushDropped   = "dropped"
)

// Collector is a prometheus.Collector for the fan-out pipeline. A nil
// *Collector is valid and records nothing.
type Collector struct {
	pushes            *prometheus.CounterVec
	batchDuration     prometheus.Histogram
	batchSize         prometheus.Histogram
	consumerLag       prometheus.Gauge
	activeConnections prometheus.Gauge
	writes            *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		pushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "pushes_total",
				Help:      "Push attempts to gateway connections by result.",
			}, []string{"result"},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "batch_duration_seconds",
				Help:      "Time taken to fan a batch out to every connection.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
		),
		batchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "batch_size",
				Help:      "Number of change events per batch.",
				Buckets:   []float64{1, 5, 10, 50, 100, 500},
			},
		),
		consumerLag: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "stream_consumer_lag",
				Help:      "Change events written but not yet read by the fan-out worker.",
			},
		),
		activeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_connections",
				Help:      "Connections registered at the start of the last batch.",
			},
		),
		writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "writes_total",
				Help:      "Committed record mutations by event type.",
			}, []string{"event_type"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.pushes.Describe(ch)
	c.batchDuration.Describe(ch)
	c.batchSize.Describe(ch)
	c.consumerLag.Describe(ch)
	c.activeConnections.Describe(ch)
	c.writes.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.pushes.Collect(ch)
	c.batchDuration.Collect(ch)
	c.batchSize.Collect(ch)
	c.consumerLag.Collect(ch)
	c.activeConnections.Collect(ch)
	c.writes.Collect(ch)
}

func (c *Collector) Push(result string) {
	if c == nil {
		return
	}
	c.pushes.WithLabelValues(result).Inc()
}

func (c *Collector) Batch(size int, seconds float64) {
	if c == nil {
		return
	}
	c.batchSize.Observe(float64(size))
	c.batchDuration.Observe(seconds)
}

func (c *Collector) Lag(n uint64) {
	if c == nil {
		return
	}
	c.consumerLag.Set(float64(n))
}

func (c *Collector) Connections(n int) {
	if c == nil {
		return
	}
	c.activeConnections.Set(float64(n))
}

func (c *Collector) Write(eventType string) {
	if c == nil {
		return
	}
	c.writes.WithLabelValues(eventType).Inc()
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, col := range []prometheus.Collector{
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
