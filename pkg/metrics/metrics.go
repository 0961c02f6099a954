// Package metrics holds the prometheus collectors exposed on the admin
// HTTP surface for both tracker and storage roles. Grounded on pump/metrics.go and
// pump/storage/metrics.go in the teacher, which register one set of
// vectors per role the same way.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RequestCounter counts every command processed by the connection
	// service (C2), labeled by command name and outcome.
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fastdfs",
			Subsystem: "conn",
			Name:      "request_total",
			Help:      "Total requests handled, by command and outcome.",
		}, []string{"cmd", "outcome"})

	// RequestDuration buckets request processing time by command.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fastdfs",
			Subsystem: "conn",
			Name:      "request_duration_seconds",
			Help:      "Bucketed histogram of request processing time.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		}, []string{"cmd"})

	// ActiveConnections tracks currently-open connections, by role
	// ("client", "storage-peer", "tracker-peer").
	ActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fastdfs",
			Subsystem: "conn",
			Name:      "active_connections",
			Help:      "Currently open connections by peer role.",
		}, []string{"role"})

	// BinlogAppendDuration buckets local binlog append latency on the
	// fsync-before-response path.
	BinlogAppendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fastdfs",
			Subsystem: "storage",
			Name:      "binlog_append_duration_seconds",
			Help:      "Bucketed histogram of local binlog append time.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 20),
		}, []string{})

	// SyncLagBytes reports, per peer, how many bytes of binlog the
	// sender has not yet confirmed delivered.
	SyncLagBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fastdfs",
			Subsystem: "storage",
			Name:      "sync_lag_bytes",
			Help:      "Binlog bytes not yet acknowledged by the peer.",
		}, []string{"peer"})

	// SyncErrors counts per-peer sender errors, labeled by whether the
	// error was retryable.
	SyncErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fastdfs",
			Subsystem: "storage",
			Name:      "sync_errors_total",
			Help:      "Per-peer sender errors, by retryable/fatal.",
		}, []string{"peer", "class"})

	// StoragePathFreeBytes mirrors the free-space figures fed into the
	// store-selection policies and the group stats the tracker
	// surfaces to clients.
	StoragePathFreeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fastdfs",
			Subsystem: "storage",
			Name:      "path_free_bytes",
			Help:      "Free space remaining on a store path.",
		}, []string{"path"})
)

func init() {
	prometheus.MustRegister(
		RequestCounter,
		RequestDuration,
		ActiveConnections,
		BinlogAppendDuration,
		SyncLagBytes,
		SyncErrors,
		StoragePathFreeBytes,
	)
}
