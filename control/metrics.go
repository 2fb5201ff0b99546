// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for connections and reactor threads. A nil
// *Metrics is valid and records nothing.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/momentics/hioload-tcp/api"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "hioload_tcp").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures NewMetrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "hioload_tcp",
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics groups every collector the library updates.
type Metrics struct {
	ConnsOpened      prometheus.Counter
	ConnsClosed      prometheus.Counter
	ConnsActive      prometheus.Gauge
	BytesIn          prometheus.Counter
	BytesOut         prometheus.Counter
	SendEvents       prometheus.Counter
	SendEventsActive prometheus.Gauge
	Errors           *prometheus.CounterVec
	ThreadsRunning   prometheus.Gauge
}

// NewMetrics creates and registers the collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	return &Metrics{
		ConnsOpened:      counter("connections_opened_total", "Connections that entered an event loop"),
		ConnsClosed:      counter("connections_closed_total", "Connections closed"),
		ConnsActive:      gauge("connections_active", "Connections currently open"),
		BytesIn:          counter("received_bytes_total", "Bytes read from sockets"),
		BytesOut:         counter("sent_bytes_total", "Bytes written to sockets"),
		SendEvents:       counter("send_events_registered_total", "Write events registered to flush output buffers"),
		SendEventsActive: gauge("send_events_active", "Write events currently registered"),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "errors_total",
			Help:        "Errors reported to connection owners",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),
		ThreadsRunning: gauge("event_threads_running", "Event threads currently dispatching"),
	}
}

// ConnOpened records a connection entering its loop.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.ConnsOpened.Inc()
	m.ConnsActive.Inc()
}

// ConnClosed records a connection close.
func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.ConnsClosed.Inc()
	m.ConnsActive.Dec()
}

// Received adds n inbound bytes.
func (m *Metrics) Received(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesIn.Add(float64(n))
}

// Sent adds n outbound bytes.
func (m *Metrics) Sent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesOut.Add(float64(n))
}

// SendEventRegistered records a new write event.
func (m *Metrics) SendEventRegistered() {
	if m == nil {
		return
	}
	m.SendEvents.Inc()
	m.SendEventsActive.Inc()
}

// SendEventDone records a write event being canceled.
func (m *Metrics) SendEventDone() {
	if m == nil {
		return
	}
	m.SendEventsActive.Dec()
}

// Error counts err by its kind.
func (m *Metrics) Error(err error) {
	if m == nil || err == nil {
		return
	}
	m.Errors.WithLabelValues(api.KindOf(err).String()).Inc()
}

// ThreadStarted records an event thread entering its loop.
func (m *Metrics) ThreadStarted() {
	if m == nil {
		return
	}
	m.ThreadsRunning.Inc()
}

// ThreadStopped records an event thread leaving its loop.
func (m *Metrics) ThreadStopped() {
	if m == nil {
		return
	}
	m.ThreadsRunning.Dec()
}
