package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func registerDBMetrics(db *sql.DB, logger *zap.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "fee_records",
			Help: "Stored fee event rows",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM fee_records")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "fee_days_since_latest_booking",
			Help: "Days between today and the newest stored booking date",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COALESCE(CURRENT_DATE - MAX(booking_date), 0) FROM fee_records")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "fee_snapshots",
			Help: "Stored product fee snapshots",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM fee_latest_snapshots")
		},
	))
}

func queryCount(db *sql.DB, logger *zap.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Warn("metrics query failed", zap.Error(err))
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
