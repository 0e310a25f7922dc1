package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	metricPrefix = "energy_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	passTotal       *prometheus.CounterVec
	passLatency     *prometheus.HistogramVec
	passLastSuccess prometheus.Gauge
	deviceOutcomes  *prometheus.CounterVec
	readingsScanned prometheus.Counter
	readingsSkipped prometheus.Counter

	sourcePages   prometheus.Counter
	sourceRetries prometheus.Counter

	sinkLatency *prometheus.HistogramVec

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
)

// Init registers the service metrics. db may be nil when no SQL store is configured.
func Init(db *sql.DB, logger logrus.FieldLogger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total ingested readings by source and result",
			},
			[]string{"source", "result"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total ingest errors by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source", "result"},
		)

		passTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "aggregation_pass_total",
				Help: "Total aggregation passes by final state",
			},
			[]string{"state"},
		)
		passLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "aggregation_pass_latency_seconds",
				Help:    "Aggregation pass latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"state"},
		)
		passLastSuccess = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "aggregation_last_success_timestamp_seconds",
				Help: "Unix time of the last pass that finished without device failures",
			},
		)
		deviceOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "aggregation_device_total",
				Help: "Per-device aggregation outcomes",
			},
			[]string{"outcome"},
		)
		readingsScanned = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "aggregation_readings_scanned_total",
				Help: "Readings fetched by aggregation passes",
			},
		)
		readingsSkipped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "aggregation_readings_skipped_total",
				Help: "Readings skipped for an invalid energy measurement",
			},
		)

		sourcePages = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "aggregation_source_pages_total",
				Help: "Pages fetched from the reading store",
			},
		)
		sourceRetries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "aggregation_source_retries_total",
				Help: "Retried page fetches",
			},
		)

		sinkLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "aggregation_sink_latency_seconds",
				Help:    "Summary write latency by tier and result",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tier", "result"},
		)

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "aggregate_export_total",
				Help: "Total aggregate exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "aggregate_export_latency_seconds",
				Help:    "Aggregate export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestErrors,
			ingestLatency,
			passTotal,
			passLatency,
			passLastSuccess,
			deviceOutcomes,
			readingsScanned,
			readingsSkipped,
			sourcePages,
			sourceRetries,
			sinkLatency,
			exportTotal,
			exportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records one ingested reading.
func ObserveIngest(source, result string, duration time.Duration) {
	if source == "" {
		source = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(source, result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(source, result).Observe(duration.Seconds())
	}
}

// IncIngestError increments the ingest error counter.
func IncIngestError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(reason).Inc()
	}
}

// ObservePass records a finished aggregation pass.
func ObservePass(state string, duration time.Duration, scanned, skipped int) {
	if state == "" {
		state = "unknown"
	}
	if passTotal != nil {
		passTotal.WithLabelValues(state).Inc()
	}
	if passLatency != nil {
		passLatency.WithLabelValues(state).Observe(duration.Seconds())
	}
	if readingsScanned != nil && scanned > 0 {
		readingsScanned.Add(float64(scanned))
	}
	if readingsSkipped != nil && skipped > 0 {
		readingsSkipped.Add(float64(skipped))
	}
}

// MarkPassSuccess stamps the last clean pass time.
func MarkPassSuccess(at time.Time) {
	if passLastSuccess != nil {
		passLastSuccess.Set(float64(at.Unix()))
	}
}

// IncDeviceOutcome counts one device result ("committed" or an error kind).
func IncDeviceOutcome(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if deviceOutcomes != nil {
		deviceOutcomes.WithLabelValues(outcome).Inc()
	}
}

// IncSourcePage counts a fetched page.
func IncSourcePage() {
	if sourcePages != nil {
		sourcePages.Inc()
	}
}

// IncSourceRetry counts a retried page fetch.
func IncSourceRetry() {
	if sourceRetries != nil {
		sourceRetries.Inc()
	}
}

// ObserveSink records one write to a storage tier.
func ObserveSink(tier, result string, duration time.Duration) {
	if tier == "" {
		tier = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if sinkLatency != nil {
		sinkLatency.WithLabelValues(tier, result).Observe(duration.Seconds())
	}
}

// ObserveExport records export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	TierObject    = "object"
	TierAggregate = "aggregate"

	SourceHTTP = "http"
	SourceMQTT = "mqtt"

	OutcomeCommitted = "committed"
)
