package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch paths of an RPC call.
const (
	PathLocal  = "local"
	PathRemote = "remote"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// RPC metrics
	RPCCalls    *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec

	// Registry metrics
	RegistryRecords prometheus.Gauge
	RegistryHandles prometheus.Gauge

	// Correlator metrics
	PendingRequests prometheus.Gauge
	LateReplies     prometheus.Counter

	// Dispatcher metrics
	DispatchTasks *prometheus.CounterVec

	// Transport metrics
	TransportMessages *prometheus.CounterVec
	TransportLinks    prometheus.Gauge

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates a new metrics collector registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RPCCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xray_rpc_calls_total",
				Help: "Total number of remote scripting calls",
			},
			[]string{"op", "path", "status"},
		),
		RPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xray_rpc_duration_seconds",
				Help:    "Remote scripting call duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"op", "path"},
		),

		RegistryRecords: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "xray_registry_records",
				Help: "Number of script values currently wrapped by the registry",
			},
		),
		RegistryHandles: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "xray_registry_handles",
				Help: "Number of outstanding handles",
			},
		),

		PendingRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "xray_correlator_pending",
				Help: "Number of cross-process requests awaiting a reply",
			},
		),
		LateReplies: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "xray_correlator_late_total",
				Help: "Replies that arrived after their request was disposed",
			},
		),

		DispatchTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xray_dispatch_tasks_total",
				Help: "Work items run on the engine owner goroutine",
			},
			[]string{"shape"},
		),

		TransportMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xray_transport_messages_total",
				Help: "Messages crossing the process boundary",
			},
			[]string{"direction", "name"},
		),
		TransportLinks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "xray_transport_links",
				Help: "Number of open links to peer processes",
			},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xray_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xray_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// RecordRPC records a completed RPC call.
func (m *Metrics) RecordRPC(op, path string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.RPCCalls.WithLabelValues(op, path, status(err)).Inc()
	m.RPCDuration.WithLabelValues(op, path).Observe(duration.Seconds())
}

// SetRegistry publishes registry sizes.
func (m *Metrics) SetRegistry(records, handles int) {
	if m == nil {
		return
	}
	m.RegistryRecords.Set(float64(records))
	m.RegistryHandles.Set(float64(handles))
}

// SetPending publishes the number of pending requests.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingRequests.Set(float64(n))
}

// IncLateReply counts a reply that found no waiter.
func (m *Metrics) IncLateReply() {
	if m == nil {
		return
	}
	m.LateReplies.Inc()
}

// IncDispatch counts a unit of work by shape ("inline", "call", "post").
func (m *Metrics) IncDispatch(shape string) {
	if m == nil {
		return
	}
	m.DispatchTasks.WithLabelValues(shape).Inc()
}

// IncMessage counts a message by direction ("in", "out") and name.
func (m *Metrics) IncMessage(direction, name string) {
	if m == nil {
		return
	}
	m.TransportMessages.WithLabelValues(direction, name).Inc()
}

// AddLinks adjusts the open link gauge.
func (m *Metrics) AddLinks(delta int) {
	if m == nil {
		return
	}
	m.TransportLinks.Add(float64(delta))
}

// RecordHTTPRequest records an HTTP request served by the endpoint.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
