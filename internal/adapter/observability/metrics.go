package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	LoaderExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loader_executions_total",
			Help: "Total number of loader executions by outcome",
		},
		[]string{"loader_code", "status"},
	)
	LoaderExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loader_execution_duration_seconds",
			Help:    "Loader execution duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"loader_code"},
	)
	LoaderRecordsLoadedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loader_records_loaded_total",
			Help: "Total number of records read from source databases",
		},
		[]string{"loader_code"},
	)
	LoaderRecordsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loader_records_ingested_total",
			Help: "Total number of records written to the signal store",
		},
		[]string{"loader_code"},
	)
	LoaderRunningCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loader_running_count",
			Help: "Number of loader executions currently running in this process",
		},
	)
	LoaderEnabledCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loader_enabled_count",
			Help: "Number of enabled loaders in the catalog",
		},
	)
	LoaderAutoRecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loader_auto_recoveries_total",
			Help: "Total number of FAILED loaders reset to IDLE by the sweeper",
		},
	)
	LoaderStaleLocksReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loader_stale_locks_reaped_total",
			Help: "Total number of stale execution locks deleted by the sweeper",
		},
	)
)

// ExecutionStatus values for the loader_executions_total status label.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// InitMetrics registers all engine collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(LoaderExecutionsTotal)
	prometheus.MustRegister(LoaderExecutionDuration)
	prometheus.MustRegister(LoaderRecordsLoadedTotal)
	prometheus.MustRegister(LoaderRecordsIngestedTotal)
	prometheus.MustRegister(LoaderRunningCount)
	prometheus.MustRegister(LoaderEnabledCount)
	prometheus.MustRegister(LoaderAutoRecoveriesTotal)
	prometheus.MustRegister(LoaderStaleLocksReapedTotal)
}

// StartExecution marks one execution as running.
func StartExecution() { LoaderRunningCount.Inc() }

// CompleteExecution records one finished execution.
func CompleteExecution(loaderCode, status string, durationSeconds float64) {
	LoaderRunningCount.Dec()
	LoaderExecutionsTotal.WithLabelValues(loaderCode, status).Inc()
	LoaderExecutionDuration.WithLabelValues(loaderCode).Observe(durationSeconds)
}

// ObserveRecords records row counts for one execution.
func ObserveRecords(loaderCode string, loaded, ingested int64) {
	LoaderRecordsLoadedTotal.WithLabelValues(loaderCode).Add(float64(loaded))
	LoaderRecordsIngestedTotal.WithLabelValues(loaderCode).Add(float64(ingested))
}
