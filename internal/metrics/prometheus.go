package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the aggregation server
type Metrics struct {
	// Request metrics
	RequestsTotal    prometheus.CounterVec
	RequestDuration  prometheus.HistogramVec
	RequestBodyBytes prometheus.Histogram

	// Connection metrics
	ConnectionsLive     prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	ConnectionsRejected prometheus.Counter

	// Store metrics
	RecordsStored       prometheus.Gauge
	WritesAdmitted      prometheus.Counter
	WritesStale         prometheus.Counter
	RecordsExpired      prometheus.Counter
	DisconnectCleanups  prometheus.Counter
	PersistFailuresTotal prometheus.Counter

	// Worker pool metrics
	PoolWorkersActive  prometheus.Gauge
	PoolUtilization    prometheus.Gauge
	PoolTasksCompleted prometheus.Gauge
	PoolTasksFailed    prometheus.Gauge

	// Clock metrics
	LamportClock prometheus.Gauge
	UpdateCount  prometheus.Gauge

	// Gossip metrics
	GossipMembersTotal prometheus.Gauge

	// System metrics
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		RequestsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "weathermesh",
			Subsystem:   "server",
			Name:        "requests_total",
			Help:        "Total number of requests by method and status",
			ConstLabels: labels,
		}, []string{"method", "status"}),
		RequestDuration: *promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "weathermesh",
			Subsystem:   "server",
			Name:        "request_duration_seconds",
			Help:        "Histogram of request handling durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method"}),
		RequestBodyBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "weathermesh",
			Subsystem:   "server",
			Name:        "request_body_bytes",
			Help:        "Histogram of request body sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(64, 2, 10),
		}),

		ConnectionsLive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "weathermesh",
			Subsystem:   "server",
			Name:        "connections_live",
			Help:        "Number of currently open client connections",
			ConstLabels: labels,
		}),
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "weathermesh",
			Subsystem:   "server",
			Name:        "connections_total",
			Help:        "Total number of accepted client connections",
			ConstLabels: labels,
		}),
		ConnectionsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "weathermesh",
			Subsystem:   "server",
			Name:        "connections_rejected_total",
			Help:        "Total number of connections rejected because the pool was full",
			ConstLabels: labels,
		}),

		RecordsStored: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "weathermesh",
			Subsystem:   "store",
			Name:        "records_stored",
			Help:        "Number of station records currently held",
			ConstLabels: labels,
		}),
		WritesAdmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "weathermesh",
			Subsystem:   "store",
			Name:        "writes_admitted_total",
			Help:        "Total number of updates admitted by the merge rule",
			ConstLabels: labels,
		}),
		WritesStale: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "weathermesh",
			Subsystem:   "store",
			Name:        "writes_stale_total",
			Help:        "Total number of updates discarded for stale Lamport timestamps",
			ConstLabels: labels,
		}),
		RecordsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "weathermesh",
			Subsystem:   "store",
			Name:        "records_expired_total",
			Help:        "Total number of records evicted by the expiry sweep",
			ConstLabels: labels,
		}),
		DisconnectCleanups: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "weathermesh",
			Subsystem:   "store",
			Name:        "disconnect_cleanups_total",
			Help:        "Total number of records removed when their origin connection closed",
			ConstLabels: labels,
		}),
		PersistFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "weathermesh",
			Subsystem:   "store",
			Name:        "persist_failures_total",
			Help:        "Total number of failed record persist attempts",
			ConstLabels: labels,
		}),

		PoolWorkersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "weathermesh",
			Subsystem:   "pool",
			Name:        "workers_active",
			Help:        "Number of pool workers currently serving a connection",
			ConstLabels: labels,
		}),
		PoolUtilization: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "weathermesh",
			Subsystem:   "pool",
			Name:        "utilization_percent",
			Help:        "Connection pool utilization as a percentage of max workers",
			ConstLabels: labels,
		}),
		PoolTasksCompleted: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "weathermesh",
			Subsystem:   "pool",
			Name:        "tasks_completed",
			Help:        "Number of connection tasks completed without error",
			ConstLabels: labels,
		}),
		PoolTasksFailed: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "weathermesh",
			Subsystem:   "pool",
			Name:        "tasks_failed",
			Help:        "Number of connection tasks that ended with an error",
			ConstLabels: labels,
		}),

		LamportClock: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "weathermesh",
			Subsystem:   "clock",
			Name:        "lamport",
			Help:        "Current Lamport clock value",
			ConstLabels: labels,
		}),
		UpdateCount: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "weathermesh",
			Subsystem:   "clock",
			Name:        "update_count",
			Help:        "Current global update count",
			ConstLabels: labels,
		}),

		GossipMembersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "weathermesh",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Total number of gossip members",
			ConstLabels: labels,
		}),

		DiskUsageBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "weathermesh",
			Subsystem:   "system",
			Name:        "disk_usage_bytes",
			Help:        "Current disk usage in bytes",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "weathermesh",
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available disk space in bytes",
			ConstLabels: labels,
		}),
		MemoryUsageBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "weathermesh",
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current memory usage in bytes",
			ConstLabels: labels,
		}),
		GoroutinesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "weathermesh",
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordRequest records metrics for one handled request
func (m *Metrics) RecordRequest(method string, status int, duration float64) {
	m.RequestsTotal.WithLabelValues(method, statusLabel(status)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration)
}

// RecordConnectionOpened records an accepted connection
func (m *Metrics) RecordConnectionOpened() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsLive.Inc()
}

// RecordConnectionClosed records a closed connection
func (m *Metrics) RecordConnectionClosed() {
	m.ConnectionsLive.Dec()
}

// RecordConnectionRejected records a connection refused by the full pool
func (m *Metrics) RecordConnectionRejected() {
	m.ConnectionsRejected.Inc()
}

// RecordWrite records the outcome of a PUT merge
func (m *Metrics) RecordWrite(admitted bool, bodyBytes int) {
	if admitted {
		m.WritesAdmitted.Inc()
	} else {
		m.WritesStale.Inc()
	}
	m.RequestBodyBytes.Observe(float64(bodyBytes))
}

// RecordExpired records records evicted by one expiry sweep
func (m *Metrics) RecordExpired(count int) {
	m.RecordsExpired.Add(float64(count))
}

// RecordDisconnectCleanup records a record removed on connection close
func (m *Metrics) RecordDisconnectCleanup() {
	m.DisconnectCleanups.Inc()
}

// RecordPersistFailure records a failed persist attempt
func (m *Metrics) RecordPersistFailure() {
	m.PersistFailuresTotal.Inc()
}

// UpdateStoreStats updates the stored-record gauge
func (m *Metrics) UpdateStoreStats(records int) {
	m.RecordsStored.Set(float64(records))
}

// UpdatePoolStats updates the worker pool gauges
func (m *Metrics) UpdatePoolStats(active int, utilization float64, completed, failed uint64) {
	m.PoolWorkersActive.Set(float64(active))
	m.PoolUtilization.Set(utilization)
	m.PoolTasksCompleted.Set(float64(completed))
	m.PoolTasksFailed.Set(float64(failed))
}

// UpdateClockStats updates the clock gauges
func (m *Metrics) UpdateClockStats(lamport, updateCount int64) {
	m.LamportClock.Set(float64(lamport))
	m.UpdateCount.Set(float64(updateCount))
}

// UpdateGossipStats updates gossip statistics
func (m *Metrics) UpdateGossipStats(totalMembers int) {
	m.GossipMembersTotal.Set(float64(totalMembers))
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable, memoryUsage int64, goroutines int) {
	m.DiskUsageBytes.Set(float64(diskUsage))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}

func statusLabel(status int) string {
	switch status {
	case 200:
		return "200"
	case 201:
		return "201"
	case 204:
		return "204"
	case 400:
		return "400"
	case 500:
		return "500"
	default:
		return "other"
	}
}
