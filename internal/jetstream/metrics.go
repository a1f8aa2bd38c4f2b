package jetstream

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "feedgen_jetstream"

// Collector is a prometheus.Collector for the Jetstream client.
type Collector struct {
	events        prometheus.Counter
	decodeFaults  prometheus.Counter
	handlerFaults prometheus.Counter
	reconnects    prometheus.Counter
	cursor        prometheus.Gauge
	state         prometheus.Gauge
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		events: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_total",
				Help:      "The number of decoded events handed to the handler.",
			},
		),
		decodeFaults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "decode_faults_total",
				Help:      "The number of frames that could not be decompressed or decoded.",
			},
		),
		handlerFaults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "handler_faults_total",
				Help:      "The number of events whose handler returned an error or panicked.",
			},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reconnects_total",
				Help:      "The number of resumable connection faults.",
			},
		),
		cursor: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "cursor_time_us",
				Help:      "The time_us of the last successfully handled event.",
			},
		),
		state: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "state",
				Help:      "The connection state (0 disconnected, 1 connecting, 2 streaming, 3 reconnecting, 4 stopping, 5 stopped).",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.events.Describe(ch)
	c.decodeFaults.Describe(ch)
	c.handlerFaults.Describe(ch)
	c.reconnects.Describe(ch)
	c.cursor.Describe(ch)
	c.state.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.events.Collect(ch)
	c.decodeFaults.Collect(ch)
	c.handlerFaults.Collect(ch)
	c.reconnects.Collect(ch)
	c.cursor.Collect(ch)
	c.state.Collect(ch)
}
