// Package metrics provides Prometheus metrics collection for nebularpc.
//
// The package exposes metrics at /metrics on the admin port:
//
// Connection Metrics:
//   - nebularpc_connections_open: Live connections by transport
//   - nebularpc_connections_accepted_total: Accepted connections by transport
//   - nebularpc_connections_rejected_total: Refused connections by reason
//   - nebularpc_connections_closed_total: Closed connections by transport and reason
//
// Call Metrics:
//   - nebularpc_calls_total: Calls dispatched to the scheduler by transport
//   - nebularpc_bytes_received_total / nebularpc_bytes_sent_total: Wire bytes
//   - nebularpc_response_writes_total: Response writes by path (direct, queued)
//
// RDMA Metrics:
//   - nebularpc_rdma_buffer_resizes_total: Server-side buffer re-registrations
//   - nebularpc_rdma_pool_entries: Physical connections held by client pools
//   - nebularpc_rdma_pool_acquires_total: Pool acquires by result
//
// Scheduler Metrics:
//   - nebularpc_scheduler_queue_depth: Calls waiting for a handler
//   - nebularpc_scheduler_rejected_total: Calls refused by a full queue
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transport label values.
const (
	TransportStream = "stream"
	TransportRDMA   = "rdma"
)

// Close reasons.
const (
	CloseIdle     = "idle"
	CloseRead     = "read_error"
	CloseWrite    = "write_error"
	CloseProtocol = "protocol"
	ClosePurge    = "purge"
	CloseShutdown = "shutdown"
	ClosePeer     = "peer"
	CloseRejected = "rejected"
)

var (
	// ConnectionsOpen tracks live connections
	ConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebularpc_connections_open",
			Help: "Number of live connections",
		},
		[]string{"transport"},
	)

	// ConnectionsAccepted counts accepted connections
	ConnectionsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebularpc_connections_accepted_total",
			Help: "Total number of accepted connections",
		},
		[]string{"transport"},
	)

	// ConnectionsRejected counts connections refused at accept time
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebularpc_connections_rejected_total",
			Help: "Total number of connections refused at accept time",
		},
		[]string{"reason"},
	)

	// ConnectionsClosed counts closed connections
	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebularpc_connections_closed_total",
			Help: "Total number of closed connections",
		},
		[]string{"transport", "reason"},
	)

	// CallsTotal counts calls handed to the scheduler
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebularpc_calls_total",
			Help: "Total number of calls dispatched to the scheduler",
		},
		[]string{"transport"},
	)

	// BytesReceived counts request bytes read off connections
	BytesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebularpc_bytes_received_total",
			Help: "Total bytes received",
		},
		[]string{"transport"},
	)

	// BytesSent counts response bytes written to connections
	BytesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebularpc_bytes_sent_total",
			Help: "Total bytes sent",
		},
		[]string{"transport"},
	)

	// ResponseWrites counts completed response writes by path
	ResponseWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebularpc_response_writes_total",
			Help: "Total number of completed response writes by path",
		},
		[]string{"transport", "path"},
	)

	// IdleScans counts idle scan passes
	IdleScans = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebularpc_idle_scans_total",
			Help: "Total number of idle connection scans",
		},
	)

	// AcceptBackpressure counts accepts that found the reader hand-off queue full
	AcceptBackpressure = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebularpc_accept_backpressure_total",
			Help: "Total number of accepts that waited on a full reader queue",
		},
	)

	// RDMABufferResizes counts server-side buffer re-registrations
	RDMABufferResizes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebularpc_rdma_buffer_resizes_total",
			Help: "Total number of RDMA buffer resizes",
		},
	)

	// PoolEntries tracks physical connections held by client pools
	PoolEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nebularpc_rdma_pool_entries",
			Help: "Number of physical RDMA connections held by client pools",
		},
	)

	// PoolAcquires counts pool acquires by result
	PoolAcquires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebularpc_rdma_pool_acquires_total",
			Help: "Total number of pool acquires by result",
		},
		[]string{"result"},
	)

	// SchedulerQueueDepth tracks calls waiting for a handler
	SchedulerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nebularpc_scheduler_queue_depth",
			Help: "Number of calls waiting for a handler",
		},
	)

	// SchedulerRejected counts calls refused by a full scheduler queue
	SchedulerRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebularpc_scheduler_rejected_total",
			Help: "Total number of calls refused by a full scheduler queue",
		},
	)
)

// RecordAccept records an accepted connection.
func RecordAccept(transport string) {
	ConnectionsAccepted.WithLabelValues(transport).Inc()
	ConnectionsOpen.WithLabelValues(transport).Inc()
}

// RecordClose records a closed connection.
func RecordClose(transport, reason string) {
	ConnectionsClosed.WithLabelValues(transport, reason).Inc()
	ConnectionsOpen.WithLabelValues(transport).Dec()
}

// RecordReject records a connection refused at accept time.
func RecordReject(reason string) {
	ConnectionsRejected.WithLabelValues(reason).Inc()
}

// RecordCall records a call dispatched to the scheduler.
func RecordCall(transport string) {
	CallsTotal.WithLabelValues(transport).Inc()
}

// RecordBytesReceived records request bytes.
func RecordBytesReceived(transport string, n int) {
	if n > 0 {
		BytesReceived.WithLabelValues(transport).Add(float64(n))
	}
}

// RecordBytesSent records response bytes.
func RecordBytesSent(transport string, n int) {
	if n > 0 {
		BytesSent.WithLabelValues(transport).Add(float64(n))
	}
}

// RecordResponseWrite records a fully written response.
func RecordResponseWrite(transport string, direct bool) {
	path := "queued"
	if direct {
		path = "direct"
	}
	ResponseWrites.WithLabelValues(transport, path).Inc()
}

// RecordPoolAcquire records a pool acquire. result is one of hit, miss, error.
func RecordPoolAcquire(result string) {
	PoolAcquires.WithLabelValues(result).Inc()
}
