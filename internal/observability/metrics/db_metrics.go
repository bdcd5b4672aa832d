package metrics

import (
	"database/sql"
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "parked_backlog",
			Help: "Parked measurement rows awaiting replay or purge",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM parked_measurements")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "parked_devices",
			Help: "Distinct devices with parked measurements",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(DISTINCT device_id) FROM parked_measurements")
		},
	))
}

func queryCount(db *sql.DB, logger *log.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Printf("metrics query failed: %v", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
