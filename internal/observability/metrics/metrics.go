package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "cuentatron_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	messagesTotal *prometheus.CounterVec
	decodeErrors  prometheus.Counter
	routedTotal   *prometheus.CounterVec
	discarded     *prometheus.CounterVec

	bufferSize   prometheus.Gauge
	flushTotal   *prometheus.CounterVec
	flushPoints  *prometheus.CounterVec
	flushLatency *prometheus.HistogramVec

	quarantineBatches prometheus.Counter
	quarantinePoints  prometheus.Counter

	cacheLookups  *prometheus.CounterVec
	lookupErrors  prometheus.Counter
	transitions   *prometheus.CounterVec
	taskResults   *prometheus.CounterVec
	parkedRows    prometheus.Counter
	replayedRows  prometheus.Counter
	purgedDevices prometheus.Counter
)

// Init registers pipeline metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		messagesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "messages_total",
				Help: "Inbound transport messages by topic kind",
			},
			[]string{"kind"},
		)
		decodeErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "decode_errors_total",
				Help: "Messages dropped because they could not be decoded",
			},
		)
		routedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "routed_total",
				Help: "Decoded measurements by routing decision",
			},
			[]string{"route"},
		)
		discarded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "discarded_total",
				Help: "Measurements discarded by reason",
			},
			[]string{"reason"},
		)

		bufferSize = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "buffer_records",
				Help: "Records currently held in the batch buffer",
			},
		)
		flushTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "flush_total",
				Help: "Buffer flushes by result",
			},
			[]string{"result"},
		)
		flushPoints = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "flush_points_total",
				Help: "Points handled by buffer flushes by result",
			},
			[]string{"result"},
		)
		flushLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "flush_latency_seconds",
				Help:    "Bulk write latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		quarantineBatches = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "quarantine_batches_total",
				Help: "Batches written to the quarantine store",
			},
		)
		quarantinePoints = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "quarantine_points_total",
				Help: "Points written to the quarantine store",
			},
		)

		cacheLookups = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "entitlement_lookups_total",
				Help: "Entitlement resolutions by cache outcome",
			},
			[]string{"outcome"},
		)
		lookupErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "entitlement_lookup_errors_total",
				Help: "Backing-store entitlement lookup failures",
			},
		)
		transitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "entitlement_transitions_total",
				Help: "Observed entitlement transitions by kind",
			},
			[]string{"kind"},
		)
		taskResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "transition_tasks_total",
				Help: "Transition worker task outcomes by kind and result",
			},
			[]string{"kind", "result"},
		)
		parkedRows = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "parked_rows_total",
				Help: "Raw measurements parked for grace-period devices",
			},
		)
		replayedRows = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "replayed_rows_total",
				Help: "Parked rows replayed into the time-series store",
			},
		)
		purgedDevices = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "purged_devices_total",
				Help: "Completed purge operations",
			},
		)

		prometheus.MustRegister(
			messagesTotal,
			decodeErrors,
			routedTotal,
			discarded,
			bufferSize,
			flushTotal,
			flushPoints,
			flushLatency,
			quarantineBatches,
			quarantinePoints,
			cacheLookups,
			lookupErrors,
			transitions,
			taskResults,
			parkedRows,
			replayedRows,
			purgedDevices,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncMessage counts an inbound message by topic kind.
func IncMessage(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if messagesTotal != nil {
		messagesTotal.WithLabelValues(kind).Inc()
	}
}

// IncDecodeError counts a dropped undecodable message.
func IncDecodeError() {
	if decodeErrors != nil {
		decodeErrors.Inc()
	}
}

// IncRouted counts a routing decision.
func IncRouted(route string) {
	if route == "" {
		route = "unknown"
	}
	if routedTotal != nil {
		routedTotal.WithLabelValues(route).Inc()
	}
}

// IncDiscarded counts a discarded measurement by reason.
func IncDiscarded(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if discarded != nil {
		discarded.WithLabelValues(reason).Inc()
	}
}

// SetBufferSize records the current buffer depth.
func SetBufferSize(count int) {
	if bufferSize != nil {
		bufferSize.Set(float64(count))
	}
}

// ObserveFlush records one flush attempt.
func ObserveFlush(result string, points int, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if flushTotal != nil {
		flushTotal.WithLabelValues(result).Inc()
	}
	if flushPoints != nil {
		flushPoints.WithLabelValues(result).Add(float64(points))
	}
	if flushLatency != nil {
		flushLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveQuarantine records a quarantined batch.
func ObserveQuarantine(points int) {
	if quarantineBatches != nil {
		quarantineBatches.Inc()
	}
	if quarantinePoints != nil {
		quarantinePoints.Add(float64(points))
	}
}

// IncCacheLookup counts a resolver lookup by cache outcome (hit/miss).
func IncCacheLookup(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if cacheLookups != nil {
		cacheLookups.WithLabelValues(outcome).Inc()
	}
}

// IncLookupError counts a failed backing-store lookup.
func IncLookupError() {
	if lookupErrors != nil {
		lookupErrors.Inc()
	}
}

// IncTransition counts an observed entitlement transition.
func IncTransition(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if transitions != nil {
		transitions.WithLabelValues(kind).Inc()
	}
}

// IncTaskResult counts a transition worker outcome.
func IncTaskResult(kind, result string) {
	if kind == "" {
		kind = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if taskResults != nil {
		taskResults.WithLabelValues(kind, result).Inc()
	}
}

// IncParked counts a parked row.
func IncParked() {
	if parkedRows != nil {
		parkedRows.Inc()
	}
}

// AddReplayed counts replayed rows.
func AddReplayed(count int) {
	if count <= 0 {
		return
	}
	if replayedRows != nil {
		replayedRows.Add(float64(count))
	}
}

// IncPurged counts a completed purge.
func IncPurged() {
	if purgedDevices != nil {
		purgedDevices.Inc()
	}
}

// Exported result constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
