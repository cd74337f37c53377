package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "feesync_"

	resultSuccess = "success"
	resultError   = "error"
	resultBusy    = "busy"
)

var (
	registerOnce sync.Once

	feeSyncTotal     *prometheus.CounterVec
	feeSyncLatency   *prometheus.HistogramVec
	feeRowsUpserted  prometheus.Counter
	feeRowsSkipped   *prometheus.CounterVec
	feeBatchRetries  prometheus.Counter
	feeDatesAggr     *prometheus.CounterVec
	feeSnapshotTotal *prometheus.CounterVec
	feeQueryTotal    *prometheus.CounterVec
	feeExportTotal   *prometheus.CounterVec
	feeExportLatency *prometheus.HistogramVec

	reportMirrorTotal   *prometheus.CounterVec
	reportMirrorLatency *prometheus.HistogramVec
	reportFilesTotal    *prometheus.CounterVec
)

// Init registers job metrics and DB-backed gauges.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		feeSyncTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fee_sync_runs_total",
				Help: "Total fee sync runs by mode and result",
			},
			[]string{"mode", "result"},
		)
		feeSyncLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "fee_sync_duration_seconds",
				Help:    "Fee sync duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"mode", "result"},
		)
		feeRowsUpserted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "fee_rows_upserted_total",
				Help: "Total fee rows written to the event log",
			},
		)
		feeRowsSkipped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fee_rows_skipped_total",
				Help: "Total remote fee items skipped during normalization by reason",
			},
			[]string{"reason"},
		)
		feeBatchRetries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "fee_batch_retries_total",
				Help: "Total retried fee upsert batches",
			},
		)
		feeDatesAggr = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fee_dates_aggregated_total",
				Help: "Total booking dates aggregated by result",
			},
			[]string{"result"},
		)
		feeSnapshotTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fee_snapshots_refreshed_total",
				Help: "Total product snapshots written by mode",
			},
			[]string{"mode"},
		)
		feeQueryTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fee_queries_total",
				Help: "Total fee record reads by source",
			},
			[]string{"source"},
		)
		feeExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fee_export_total",
				Help: "Total fee exports by format and result",
			},
			[]string{"format", "result"},
		)
		feeExportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "fee_export_latency_seconds",
				Help:    "Fee export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		reportMirrorTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "report_mirror_runs_total",
				Help: "Total report mirror runs by status",
			},
			[]string{"status"},
		)
		reportMirrorLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "report_mirror_duration_seconds",
				Help:    "Report mirror duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		)
		reportFilesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "report_files_total",
				Help: "Total mirrored report files by result",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			feeSyncTotal,
			feeSyncLatency,
			feeRowsUpserted,
			feeRowsSkipped,
			feeBatchRetries,
			feeDatesAggr,
			feeSnapshotTotal,
			feeQueryTotal,
			feeExportTotal,
			feeExportLatency,
			reportMirrorTotal,
			reportMirrorLatency,
			reportFilesTotal,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveFeeSync records a fee sync run.
func ObserveFeeSync(mode, result string, duration time.Duration) {
	if mode == "" {
		mode = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if feeSyncTotal != nil {
		feeSyncTotal.WithLabelValues(mode, result).Inc()
	}
	if feeSyncLatency != nil && result != resultBusy {
		feeSyncLatency.WithLabelValues(mode, result).Observe(duration.Seconds())
	}
}

// AddFeeRowsUpserted adds written event rows.
func AddFeeRowsUpserted(count int) {
	if count <= 0 || feeRowsUpserted == nil {
		return
	}
	feeRowsUpserted.Add(float64(count))
}

// AddFeeRowsSkipped adds skipped remote items for a reason.
func AddFeeRowsSkipped(reason string, count int) {
	if count <= 0 || feeRowsSkipped == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	feeRowsSkipped.WithLabelValues(reason).Add(float64(count))
}

// IncFeeBatchRetry counts one retried upsert batch.
func IncFeeBatchRetry() {
	if feeBatchRetries != nil {
		feeBatchRetries.Inc()
	}
}

// IncFeeDateAggregated counts one aggregated booking date.
func IncFeeDateAggregated(result string) {
	if result == "" {
		result = resultSuccess
	}
	if feeDatesAggr != nil {
		feeDatesAggr.WithLabelValues(result).Inc()
	}
}

// AddFeeSnapshots adds written snapshots for a refresh mode.
func AddFeeSnapshots(mode string, count int) {
	if count <= 0 || feeSnapshotTotal == nil {
		return
	}
	feeSnapshotTotal.WithLabelValues(mode).Add(float64(count))
}

// IncFeeQuery counts one fee record read by the source that served it.
func IncFeeQuery(source string) {
	if source == "" {
		source = "unknown"
	}
	if feeQueryTotal != nil {
		feeQueryTotal.WithLabelValues(source).Inc()
	}
}

// ObserveFeeExport records export latency and result.
func ObserveFeeExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if feeExportTotal != nil {
		feeExportTotal.WithLabelValues(format, result).Inc()
	}
	if feeExportLatency != nil {
		feeExportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// ObserveReportMirror records a report mirror run.
func ObserveReportMirror(status string, duration time.Duration) {
	if status == "" {
		status = "unknown"
	}
	if reportMirrorTotal != nil {
		reportMirrorTotal.WithLabelValues(status).Inc()
	}
	if reportMirrorLatency != nil {
		reportMirrorLatency.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// AddReportFiles adds mirrored report files for a result.
func AddReportFiles(result string, count int) {
	if count <= 0 || reportFilesTotal == nil {
		return
	}
	reportFilesTotal.WithLabelValues(result).Add(float64(count))
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
	ResultBusy    = resultBusy
)
