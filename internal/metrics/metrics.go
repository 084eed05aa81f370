// Package metrics provides Prometheus metrics collection for rdmalink.
//
// The package exposes metrics at /metrics (default address :9464):
//
// Data path:
//   - rdmalink_operations_total: Operations by transport, op and status
//   - rdmalink_operation_duration_seconds: Operation latency histogram
//   - rdmalink_bytes_total: Bytes moved by transport and direction
//   - rdmalink_completion_polls_total: Completion queue polls by result
//
// Connection lifecycle:
//   - rdmalink_active_connections: Open connections by transport
//   - rdmalink_handshakes_total: Control channel handshakes by status
//   - rdmalink_qp_transitions_total: Queue pair transitions by target state
//
// Memory:
//   - rdmalink_memory_registrations_total: Registrations and deregistrations
//   - rdmalink_registered_bytes: Bytes currently registered with the NIC
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

var (
	// OperationsTotal counts data path operations
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_operations_total",
			Help: "Total number of data path operations",
		},
		[]string{"transport", "op", "status"},
	)

	// OperationDuration tracks operation latency including completion wait
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdmalink_operation_duration_seconds",
			Help:    "Data path operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 14), // 1µs to ~67s
		},
		[]string{"transport", "op"},
	)

	// BytesTotal counts payload bytes moved by successful operations
	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_bytes_total",
			Help: "Total payload bytes moved",
		},
		[]string{"transport", "direction"},
	)

	// ActiveConnections tracks open connections
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmalink_active_connections",
			Help: "Number of open connections",
		},
		[]string{"transport"},
	)

	// HandshakesTotal counts control channel exchanges
	HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_handshakes_total",
			Help: "Total number of connection handshakes",
		},
		[]string{"status"},
	)

	// QPTransitionsTotal counts queue pair state transitions
	QPTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_qp_transitions_total",
			Help: "Total number of queue pair state transitions",
		},
		[]string{"state", "status"},
	)

	// MemoryRegistrationsTotal counts memory registrations and deregistrations
	MemoryRegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_memory_registrations_total",
			Help: "Total number of memory registration actions",
		},
		[]string{"action", "status"},
	)

	// RegisteredBytes tracks bytes currently registered with the NIC
	RegisteredBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdmalink_registered_bytes",
			Help: "Bytes currently registered for RDMA access",
		},
	)

	// CompletionPollsTotal counts completion queue polls
	CompletionPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_completion_polls_total",
			Help: "Total number of completion queue polls",
		},
		[]string{"result"},
	)

	// BenchBandwidth reports the last measured bandwidth in Mbps
	BenchBandwidth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmalink_bench_bandwidth_mbps",
			Help: "Bandwidth measured by the last benchmark run in Mbps",
		},
		[]string{"transport", "role"},
	)

	// BuildInfo carries the version label
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmalink_build_info",
			Help: "Build information",
		},
		[]string{"version", "provider"},
	)
)

// Version is set at build time
var Version = "dev"

// Init publishes build information.
func Init(provider string) {
	BuildInfo.WithLabelValues(Version, provider).Set(1)
}

func status(success bool) string {
	if success {
		return statusSuccess
	}

	return statusFailure
}

// direction maps an operation name onto the way its payload travels.
func direction(op string) string {
	switch op {
	case "recv", "read":
		return "in"
	default:
		return "out"
	}
}

// RecordOperation records a data path operation with its duration and payload size
func RecordOperation(transport, op string, success bool, duration time.Duration, bytes int) {
	OperationsTotal.WithLabelValues(transport, op, status(success)).Inc()
	OperationDuration.WithLabelValues(transport, op).Observe(duration.Seconds())

	if success && bytes > 0 {
		BytesTotal.WithLabelValues(transport, direction(op)).Add(float64(bytes))
	}
}

// RecordConnectionOpened increments the open connection gauge
func RecordConnectionOpened(transport string) {
	ActiveConnections.WithLabelValues(transport).Inc()
}

// RecordConnectionClosed decrements the open connection gauge
func RecordConnectionClosed(transport string) {
	ActiveConnections.WithLabelValues(transport).Dec()
}

// RecordHandshake records a control channel exchange
func RecordHandshake(success bool) {
	HandshakesTotal.WithLabelValues(status(success)).Inc()
}

// RecordQPTransition records a queue pair transition towards state
func RecordQPTransition(state string, success bool) {
	QPTransitionsTotal.WithLabelValues(state, status(success)).Inc()
}

// RecordMemoryRegistration records a register or deregister action. bytesDelta
// is added to the registered bytes gauge when the action succeeded.
func RecordMemoryRegistration(action string, success bool, bytesDelta int64) {
	MemoryRegistrationsTotal.WithLabelValues(action, status(success)).Inc()

	if success {
		RegisteredBytes.Add(float64(bytesDelta))
	}
}

// RecordCompletionPolls records one completion wait: the number of empty polls
// and whether the wait ended with a completion.
func RecordCompletionPolls(empty int, hit bool) {
	if empty > 0 {
		CompletionPollsTotal.WithLabelValues("empty").Add(float64(empty))
	}

	if hit {
		CompletionPollsTotal.WithLabelValues("hit").Inc()
	} else {
		CompletionPollsTotal.WithLabelValues("abandoned").Inc()
	}
}

// SetBenchBandwidth publishes the result of a benchmark run
func SetBenchBandwidth(transport, role string, mbps float64) {
	BenchBandwidth.WithLabelValues(transport, role).Set(mbps)
}
