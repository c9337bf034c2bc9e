// Package metrics exposes the simulator's Prometheus metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "plcsim"

// Instrumentation is the view of the metrics the protocol adapters use.
type Instrumentation interface {
	// RequestHandled records one protocol request and its status
	// (0 for success, otherwise the exception or CIP status).
	RequestHandled(protocol, service string, status uint8, d time.Duration)

	// ConnectionOpened and ConnectionClosed track client sessions.
	ConnectionOpened(protocol string)
	ConnectionClosed(protocol string)

	// PublishFailed records a value that could not be pushed to clients.
	PublishFailed(protocol, item string)
}

// Registry holds all metrics for the simulator.
type Registry struct {
	registry *prometheus.Registry

	// Process
	TicksTotal      prometheus.Counter
	TickDuration    prometheus.Histogram
	RegisterValue   *prometheus.GaugeVec
	ResyncsTotal    prometheus.Counter
	PublishFailures *prometheus.CounterVec

	// Protocol
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec

	Info *prometheus.GaugeVec
}

// NewRegistry creates a registry with every simulator metric registered,
// plus the Go runtime and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	r := &Registry{registry: reg}
	r.initProcessMetrics()
	r.initProtocolMetrics()
	return r
}

func (r *Registry) initProcessMetrics() {
	r.TicksTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ticks_total",
			Help:      "Total number of process model updates",
		},
	)

	r.TickDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent computing one process model update",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
		},
	)

	r.RegisterValue = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "register_value",
			Help:      "Current value of each register",
		},
		[]string{"name", "address"},
	)

	r.ResyncsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "register_resyncs_total",
			Help:      "Registers reset to their default after a non-finite update",
		},
	)

	r.PublishFailures = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "publish_failures_total",
			Help:      "Values that could not be published to a protocol front-end",
		},
		[]string{"protocol"},
	)

	r.Info = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "info",
			Help:      "Identity of the simulated PLC (always 1)",
		},
		[]string{"protocol", "role", "name"},
	)
}

func (r *Registry) initProtocolMetrics() {
	r.RequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requests_total",
			Help:      "Protocol requests by service and response status",
		},
		[]string{"protocol", "service", "status"},
	)

	r.RequestDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "request_duration_seconds",
			Help:      "Protocol request handling latency in seconds",
			Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"protocol", "service"},
	)

	r.ConnectionsActive = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "connections_active",
			Help:      "Currently open client connections or sessions",
		},
		[]string{"protocol"},
	)

	r.ConnectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_total",
			Help:      "Client connections or sessions accepted",
		},
		[]string{"protocol"},
	)
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// SetInfo publishes the PLC identity.
func (r *Registry) SetInfo(protocol, role, name string) {
	r.Info.Reset()
	r.Info.WithLabelValues(protocol, role, name).Set(1)
}

// RecordTick records one process update.
func (r *Registry) RecordTick(d time.Duration) {
	r.TicksTotal.Inc()
	r.TickDuration.Observe(d.Seconds())
}

// RecordResyncs adds n register resets.
func (r *Registry) RecordResyncs(n uint64) {
	if n > 0 {
		r.ResyncsTotal.Add(float64(n))
	}
}

// SetRegister updates the gauge for one register.
func (r *Registry) SetRegister(name string, address uint16, value float64) {
	r.RegisterValue.WithLabelValues(name, strconv.Itoa(int(address))).Set(value)
}

// RequestHandled implements Instrumentation.
func (r *Registry) RequestHandled(protocol, service string, status uint8, d time.Duration) {
	r.RequestsTotal.WithLabelValues(protocol, service, StatusLabel(status)).Inc()
	r.RequestDuration.WithLabelValues(protocol, service).Observe(d.Seconds())
}

// ConnectionOpened implements Instrumentation.
func (r *Registry) ConnectionOpened(protocol string) {
	r.ConnectionsActive.WithLabelValues(protocol).Inc()
	r.ConnectionsTotal.WithLabelValues(protocol).Inc()
}

// ConnectionClosed implements Instrumentation.
func (r *Registry) ConnectionClosed(protocol string) {
	r.ConnectionsActive.WithLabelValues(protocol).Dec()
}

// PublishFailed implements Instrumentation.
func (r *Registry) PublishFailed(protocol, _ string) {
	r.PublishFailures.WithLabelValues(protocol).Inc()
}

// StatusLabel renders a protocol status for the status label.
func StatusLabel(status uint8) string {
	if status == 0 {
		return "ok"
	}
	return "0x" + strconv.FormatUint(uint64(status)+0x100, 16)[1:]
}

// Nop discards all measurements.
type Nop struct{}

func (Nop) RequestHandled(string, string, uint8, time.Duration) {}
func (Nop) ConnectionOpened(string)                             {}
func (Nop) ConnectionClosed(string)                             {}
func (Nop) PublishFailed(string, string)                        {}

// OrNop returns i, or Nop when i is nil.
func OrNop(i Instrumentation) Instrumentation {
	if i == nil {
		return Nop{}
	}
	return i
}

// Compile-time interface satisfaction checks.
var (
	_ Instrumentation = (*Registry)(nil)
	_ Instrumentation = Nop{}
)
