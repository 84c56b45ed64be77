// Package metrics provides Prometheus instrumentation for the clearing engine.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransfersTotal counts transfer attempts by outcome.
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robox",
			Name:      "transfers_total",
			Help:      "Total transfer operations by outcome.",
		},
		[]string{"status"},
	)

	// TransferDuration observes transfer latency.
	TransferDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "robox",
			Name:      "transfer_duration_seconds",
			Help:      "Transfer duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)

	// BalanceOpsTotal counts single-side balance operations by kind.
	BalanceOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robox",
			Name:      "balance_operations_total",
			Help:      "Total credit/debit balance operations by kind.",
		},
		[]string{"kind"},
	)

	// EscrowsTotal counts escrow transitions by terminal status.
	EscrowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robox",
			Name:      "escrows_total",
			Help:      "Total escrow transitions by status.",
		},
		[]string{"status"},
	)

	// BatchesTotal counts batch executions by final status.
	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robox",
			Name:      "batches_total",
			Help:      "Total batch executions by final status.",
		},
		[]string{"status"},
	)

	// ScheduledExecutionsTotal counts scheduler executor invocations by result.
	ScheduledExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robox",
			Name:      "scheduled_executions_total",
			Help:      "Total scheduled payment executions by result.",
		},
		[]string{"result"},
	)

	// AuditEntriesTotal counts audit log appends.
	AuditEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "robox",
			Name:      "audit_entries_total",
			Help:      "Total audit log entries appended.",
		},
	)

	// EventsEmittedTotal counts event bus emissions by event type.
	EventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robox",
			Name:      "events_emitted_total",
			Help:      "Total domain events emitted by type.",
		},
		[]string{"type"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "robox", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "robox", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "robox", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "robox", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "robox", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		TransfersTotal,
		TransferDuration,
		BalanceOpsTotal,
		EscrowsTotal,
		BatchesTotal,
		ScheduledExecutionsTotal,
		AuditEntriesTotal,
		EventsEmittedTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
