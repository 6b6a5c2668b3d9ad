// Package metrics provides Prometheus metrics for the gtfsflow pipeline.
package metrics

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Registry is the Prometheus registry for this metrics instance
	Registry *prometheus.Registry

	// Import metrics
	ImportDuration      *prometheus.HistogramVec
	RowsInserted        *prometheus.CounterVec
	RowsDropped         *prometheus.CounterVec
	ImportsTotal        *prometheus.CounterVec
	WorkflowStepRetries *prometheus.CounterVec

	// Real-time metrics
	RealtimePollsTotal       *prometheus.CounterVec
	TripUpdatesRecorded      prometheus.Counter
	VehiclePositionsRecorded prometheus.Counter
	AlertsOpen               prometheus.Gauge
	RateLimitRemaining       *prometheus.GaugeVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
	DBWaitSecondsTotal prometheus.Counter

	// logger for error reporting
	logger *slog.Logger

	// collectorStarted prevents spawning multiple collector goroutines
	collectorStarted atomic.Bool

	// cancel stops the DB stats collector goroutine
	cancel context.CancelFunc

	// wg tracks the DB stats collector goroutine for graceful shutdown
	wg sync.WaitGroup
}

// New creates and registers all application metrics with a new registry.
func New() *Metrics {
	return NewWithLogger(nil)
}

// NewWithLogger creates metrics with a logger for error reporting.
func NewWithLogger(logger *slog.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	importDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gtfsflow_import_duration_seconds",
			Help:    "Static feed import duration distribution",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"source"},
	)

	rowsInserted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gtfsflow_rows_inserted_total",
			Help: "Total number of static entity rows written per table",
		},
		[]string{"table"},
	)

	rowsDropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gtfsflow_rows_dropped_total",
			Help: "Total number of rows dropped for data-quality reasons",
		},
		[]string{"table", "reason"},
	)

	importsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gtfsflow_imports_total",
			Help: "Total number of import workflow runs by outcome",
		},
		[]string{"source", "outcome"},
	)

	workflowStepRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gtfsflow_workflow_step_retries_total",
			Help: "Total number of transient-error retries per workflow step",
		},
		[]string{"step"},
	)

	realtimePollsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gtfsflow_realtime_polls_total",
			Help: "Total number of real-time poll cycles by outcome",
		},
		[]string{"source", "outcome"},
	)

	tripUpdatesRecorded := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gtfsflow_trip_updates_recorded_total",
		Help: "Total number of historized trip update observations",
	})

	vehiclePositionsRecorded := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gtfsflow_vehicle_positions_recorded_total",
		Help: "Total number of historized vehicle position observations",
	})

	alertsOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gtfsflow_alerts_open",
		Help: "Number of currently open service alerts",
	})

	rateLimitRemaining := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gtfsflow_rate_limit_remaining",
			Help: "Remaining requests reported by the upstream real-time API",
		},
		[]string{"source"},
	)

	dbConnectionsOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gtfsflow_db_connections_open",
		Help: "Number of open database connections",
	})

	dbConnectionsInUse := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gtfsflow_db_connections_in_use",
		Help: "Number of database connections currently in use",
	})

	dbConnectionsIdle := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gtfsflow_db_connections_idle",
		Help: "Number of idle database connections",
	})

	dbWaitSecondsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gtfsflow_db_wait_seconds_total",
		Help: "Total time blocked waiting for a database connection",
	})

	// Register all metrics with the custom registry
	registry.MustRegister(
		importDuration,
		rowsInserted,
		rowsDropped,
		importsTotal,
		workflowStepRetries,
		realtimePollsTotal,
		tripUpdatesRecorded,
		vehiclePositionsRecorded,
		alertsOpen,
		rateLimitRemaining,
		dbConnectionsOpen,
		dbConnectionsInUse,
		dbConnectionsIdle,
		dbWaitSecondsTotal,
	)

	return &Metrics{
		Registry:                 registry,
		ImportDuration:           importDuration,
		RowsInserted:             rowsInserted,
		RowsDropped:              rowsDropped,
		ImportsTotal:             importsTotal,
		WorkflowStepRetries:      workflowStepRetries,
		RealtimePollsTotal:       realtimePollsTotal,
		TripUpdatesRecorded:      tripUpdatesRecorded,
		VehiclePositionsRecorded: vehiclePositionsRecorded,
		AlertsOpen:               alertsOpen,
		RateLimitRemaining:       rateLimitRemaining,
		DBConnectionsOpen:        dbConnectionsOpen,
		DBConnectionsInUse:       dbConnectionsInUse,
		DBConnectionsIdle:        dbConnectionsIdle,
		DBWaitSecondsTotal:       dbWaitSecondsTotal,
		logger:                   logger,
	}
}

// StartDBStatsCollector starts a goroutine that periodically collects database
// connection pool statistics and updates the corresponding metrics.
// The interval specifies how often to collect stats.
// This method is idempotent - calling it multiple times has no effect after the first call.
// Call Shutdown() to stop the collector.
func (m *Metrics) StartDBStatsCollector(db *sql.DB, interval time.Duration) {
	if db == nil {
		return
	}

	// Prevent spawning multiple collectors
	if !m.collectorStarted.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	var lastWaitDuration time.Duration

	// Add to WaitGroup BEFORE exposing cancel to avoid race with Shutdown
	m.wg.Add(1)
	m.cancel = cancel

	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				if m.logger != nil {
					m.logger.Error("panic in DB stats collector", "error", r)
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				stats := db.Stats()
				m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
				m.DBConnectionsInUse.Set(float64(stats.InUse))
				m.DBConnectionsIdle.Set(float64(stats.Idle))

				// Add the delta of wait duration since last check
				waitDelta := stats.WaitDuration - lastWaitDuration
				if waitDelta > 0 {
					m.DBWaitSecondsTotal.Add(waitDelta.Seconds())
				}
				lastWaitDuration = stats.WaitDuration

			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the DB stats collector goroutine and waits for it to exit.
// This method is safe to call multiple times.
func (m *Metrics) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
