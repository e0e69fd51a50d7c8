package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "water_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for the ETL pipeline.
type Metrics struct {
	PartitionsTotal   *prometheus.CounterVec // labels: status={success,failed,skipped}
	PartitionDuration prometheus.Histogram
	FieldsActive      prometheus.Gauge
	FieldMetricRows   prometheus.Gauge
	DeltaRows         prometheus.Gauge
	SchedulerRunning  prometheus.Gauge

	// Imagery source metrics.
	ImageryRequests        *prometheus.CounterVec   // labels: product={ndwi,true_color}, outcome={success,error,retry}
	ImageryRequestDuration *prometheus.HistogramVec // labels: product
	ImageryCache           *prometheus.CounterVec   // labels: product, result={hit,miss,refresh}

	SummaryPublish *prometheus.CounterVec // labels: outcome={success,error}
}

func newMetrics(withHelp bool) *Metrics {
	help := func(s string) string {
		if withHelp {
			return s
		}
		return ""
	}
	return &Metrics{
		PartitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partitions_total",
			Help:      help("Partition runs by final status."),
		}, []string{"status"}),
		PartitionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "partition_duration_seconds",
			Help:      help("Duration of a complete raw-metrics-delta-summary partition run."),
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		FieldsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fields_active",
			Help:      help("Fields active on the most recently processed date."),
		}),
		FieldMetricRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "field_metrics_rows",
			Help:      help("Rows in the most recently written metrics table."),
		}),
		DeltaRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delta_rows",
			Help:      help("Rows in the most recently written delta table."),
		}),
		SchedulerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_running",
			Help:      help("1 when the partition scheduler is active, 0 when shut down."),
		}),
		ImageryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imagery_requests_total",
			Help:      help("Imagery process API requests by product and outcome."),
		}, []string{"product", "outcome"}),
		ImageryRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "imagery_request_duration_seconds",
			Help:      help("Imagery process API request duration in seconds."),
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"product"}),
		ImageryCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imagery_cache_total",
			Help:      help("Imagery cache lookups by product and result."),
		}, []string{"product", "result"}),
		SummaryPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_publish_total",
			Help:      help("Daily summary messages published by outcome."),
		}, []string{"outcome"}),
	}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics(true)

	prometheus.MustRegister(
		m.PartitionsTotal,
		m.PartitionDuration,
		m.FieldsActive,
		m.FieldMetricRows,
		m.DeltaRows,
		m.SchedulerRunning,
		m.ImageryRequests,
		m.ImageryRequestDuration,
		m.ImageryCache,
		m.SummaryPublish,
	)

	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics(false)
}
